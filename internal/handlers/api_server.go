// internal/handlers/api_server.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/middleware"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/sirupsen/logrus"
)

// ServerOptions carries the transport settings.
type ServerOptions struct {
	RevealDelay     time.Duration
	CORSOrigins     []string
	RateLimitPerMin int
}

// Server holds the dependencies shared by every HTTP and WebSocket handler.
type Server struct {
	manager *room.Manager
	keys    *auth.Keys
	logger  *logrus.Logger
	opts    ServerOptions

	// hijacked WebSocket connections outlive http.Server.Shutdown
	sessions sync.WaitGroup
}

func NewServer(m *room.Manager, keys *auth.Keys, logger *logrus.Logger, opts ServerOptions) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if !opts.allowCredentials() {
		logger.Warn("CORS allows any origin; cross-origin requests will not carry cookies")
	}
	return &Server{manager: m, keys: keys, logger: logger, opts: opts}
}

// allowCredentials is true only for an explicit origin list. Browsers reject
// credentialed responses for a wildcard origin, and echoing any origin back
// with credentials would let every site act as the user.
func (o ServerOptions) allowCredentials() bool {
	return !slices.Contains(o.CORSOrigins, "*")
}

// Wait blocks until every WebSocket session has released its room presence.
// Call it after http.Server.Shutdown and before closing the store.
func (s *Server) Wait() {
	s.sessions.Wait()
}

// Router wires every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LogMiddleware(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: s.opts.allowCredentials(),
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	// creating identities and rooms is the cheapest way to flood the store
	limited := func(r chi.Router) {
		if s.opts.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimitPerMin, time.Minute))
		}
	}

	r.Group(func(r chi.Router) {
		limited(r)
		r.Post("/auth/guest", s.GuestHandler)
	})

	r.Route("/rooms", func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Group(func(r chi.Router) {
			limited(r)
			r.Post("/", s.CreateRoomHandler)
			r.Post("/{code}/join", s.JoinRoomHandler)
		})

		r.Get("/{code}", s.GetRoomHandler)
		r.Delete("/{code}", s.CloseRoomHandler)
		r.Post("/{code}/start", s.StartGameHandler)
		r.Post("/{code}/leave", s.LeaveRoomHandler)
		r.Get("/{code}/results", s.ResultsHandler)
		r.Post("/{code}/results/leave", s.LeaveResultsHandler)
		r.Get("/{code}/ws", s.RoomWSHandler)
	})
	return r
}

type identityKey struct{}

// requireIdentity rejects requests without a valid token and stores the
// caller's identity in the request context.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.keys.Authenticate(r)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", room.ErrAuthRequired, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}
