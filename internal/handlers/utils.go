package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrAuthRequired), errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, room.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrNotInRoom):
		return http.StatusNotFound
	case errors.Is(err, room.ErrRoomAlreadyStarted), errors.Is(err, room.ErrNotInProgress),
		errors.Is(err, room.ErrAnswerOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, room.ErrHostClosedRoom):
		return http.StatusGone
	case errors.Is(err, room.ErrInvalidRoomCode):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrInvalidQuestionSet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, room.ErrStoreTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, room.ErrStoreUnavailable), errors.Is(err, room.ErrCodeCollision):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Code: session.ErrorCode(err)})
}
