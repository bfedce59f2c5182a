// internal/handlers/rooms.go
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/results"
	"github.com/jason-s-yu/skillmind/internal/room"
)

type guestRequest struct {
	Name string `json:"name"`
}

type guestResponse struct {
	auth.Identity
	Token string `json:"token"`
}

// GuestHandler issues a fresh identity and sets it as the auth_token cookie.
func (s *Server) GuestHandler(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad guest request payload", http.StatusBadRequest)
		return
	}
	id, token, err := s.keys.IssueGuest(req.Name)
	if err != nil {
		s.logger.WithError(err).Error("failed to issue guest token")
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, guestResponse{Identity: id, Token: token})
}

type createRoomRequest struct {
	Name      string            `json:"name"`
	Questions []models.Question `json:"questions"`
	Solo      bool              `json:"solo"`
}

type roomResponse struct {
	Code string           `json:"code"`
	Room *models.RoomView `json:"room,omitempty"`
}

func nameFor(id auth.Identity, override string) string {
	if n := strings.TrimSpace(override); n != "" {
		return n
	}
	return id.Name
}

// CreateRoomHandler stores a new room with the caller as host. A solo room
// starts right away.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad room request payload", http.StatusBadRequest)
		return
	}
	create := s.manager.CreateRoom
	if req.Solo {
		create = s.manager.CreateSoloRoom
	}
	code, err := create(r.Context(), id.UID, nameFor(id, req.Name), req.Questions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{Code: code})
}

// GetRoomHandler returns the room without its answers.
func (s *Server) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := s.manager.GetRoom(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	view := rm.View()
	writeJSON(w, http.StatusOK, roomResponse{Code: rm.Code, Room: &view})
}

type joinRequest struct {
	Name string `json:"name"`
}

// JoinRoomHandler adds the caller to a waiting room.
func (s *Server) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad join request payload", http.StatusBadRequest)
		return
	}
	code, err := s.manager.JoinRoom(r.Context(), chi.URLParam(r, "code"), id.UID, nameFor(id, req.Name))
	if err != nil {
		writeError(w, err)
		return
	}
	rm, err := s.manager.GetRoom(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	view := rm.View()
	writeJSON(w, http.StatusOK, roomResponse{Code: code, Room: &view})
}

// StartGameHandler lets the host start the game.
func (s *Server) StartGameHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.manager.StartGame(r.Context(), chi.URLParam(r, "code"), id.UID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveRoomHandler removes the caller from the room. The host leaving closes it.
func (s *Server) LeaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	code := chi.URLParam(r, "code")
	rm, err := s.manager.GetRoom(r.Context(), code)
	if errors.Is(err, room.ErrRoomNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.LeaveRoom(r.Context(), rm.Code, id.UID, rm.HostID == id.UID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseRoomHandler deletes the room. Host only.
func (s *Server) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.manager.CloseRoom(r.Context(), chi.URLParam(r, "code"), id.UID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resultsResponse struct {
	results.Leaderboard
	Review *results.Summary `json:"review,omitempty"`
}

// ResultsHandler returns the current leaderboard and, for players of the
// room, their own review.
func (s *Server) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	code, err := room.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	agg := results.NewAggregator(s.manager, code, id.UID)
	lb, err := agg.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if lb.Total == 0 {
		writeError(w, fmt.Errorf("%w: %s", room.ErrRoomNotFound, code))
		return
	}
	resp := resultsResponse{Leaderboard: lb}
	review, err := agg.Review(r.Context())
	switch {
	case err == nil:
		resp.Review = &review
	case !errors.Is(err, room.ErrNotInRoom) && !errors.Is(err, room.ErrRoomNotFound):
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// LeaveResultsHandler drains the caller out of the results view.
func (s *Server) LeaveResultsHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	code, err := room.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := results.NewAggregator(s.manager, code, id.UID).Leave(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
