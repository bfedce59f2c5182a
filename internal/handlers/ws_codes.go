// internal/handlers/ws_codes.go
package handlers

import (
	"errors"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/skillmind/internal/room"
)

// Custom WebSocket close codes used by the room handler.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Auth token was invalid or expired.
	NotInRoomError        = 3002 // The player has no place in the room (never joined, or joined too late).
	InvalidRoomCodeError  = 3003 // The room code in the URL does not exist or is malformed.
	HostClosedRoomError   = 3004 // The host closed the room.
	StoreUnavailableError = 3005 // The room store could not be reached in time.
	InvalidQuestionsError = 3006 // The room's question set cannot be played.
)

// closeStatus picks the close frame for the error a session ended with.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, "bye"
	case errors.Is(err, room.ErrHostClosedRoom):
		return HostClosedRoomError, "host closed the room"
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrInvalidRoomCode):
		return InvalidRoomCodeError, "room does not exist"
	case errors.Is(err, room.ErrRoomAlreadyStarted), errors.Is(err, room.ErrNotInRoom):
		return NotInRoomError, "not a player in this room"
	case errors.Is(err, room.ErrAuthRequired):
		return InvalidAuthTokenError, "authentication required"
	case errors.Is(err, room.ErrInvalidQuestionSet):
		return InvalidQuestionsError, "invalid question set"
	case errors.Is(err, room.ErrStoreTimeout), errors.Is(err, room.ErrStoreUnavailable):
		return StoreUnavailableError, "room store unavailable"
	default:
		return websocket.StatusInternalError, "internal error"
	}
}
