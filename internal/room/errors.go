// internal/room/errors.go
package room

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomAlreadyStarted = errors.New("room already started")
	ErrStoreUnavailable   = errors.New("room store unavailable")
	ErrStoreTimeout       = errors.New("room store timed out")
	ErrInvalidQuestionSet = errors.New("invalid question set")
	ErrHostClosedRoom     = errors.New("the host closed the room")
	ErrAuthRequired       = errors.New("authentication required")

	ErrInvalidRoomCode  = errors.New("invalid room code")
	ErrNotHost          = errors.New("only the host can do that")
	ErrNotInRoom        = errors.New("player is not in the room")
	ErrCodeCollision    = errors.New("could not allocate a free room code")
	ErrNotInProgress    = errors.New("the game is not in progress")
	ErrAnswerOutOfOrder = errors.New("answers must be committed in question order")
)

var domainErrors = []error{
	ErrRoomNotFound,
	ErrRoomAlreadyStarted,
	ErrInvalidQuestionSet,
	ErrHostClosedRoom,
	ErrAuthRequired,
	ErrInvalidRoomCode,
	ErrNotHost,
	ErrNotInRoom,
	ErrCodeCollision,
	ErrNotInProgress,
	ErrAnswerOutOfOrder,
}

// IsDomain reports whether err is one of the room errors rather than a store failure.
func IsDomain(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// storeErr classifies the error of a store call. Errors returned from inside
// a transaction function come back unchanged.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsDomain(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

// ErrorCode is a stable machine readable name for err, sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomAlreadyStarted):
		return "room_already_started"
	case errors.Is(err, ErrStoreTimeout):
		return "store_timeout"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidQuestionSet):
		return "invalid_question_set"
	case errors.Is(err, ErrHostClosedRoom):
		return "host_closed_room"
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrInvalidRoomCode):
		return "invalid_room_code"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrCodeCollision):
		return "code_collision"
	case errors.Is(err, ErrNotInProgress):
		return "not_in_progress"
	case errors.Is(err, ErrAnswerOutOfOrder):
		return "answer_out_of_order"
	default:
		return "internal"
	}
}
