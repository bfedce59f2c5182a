// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/skillmind/internal/middleware"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RoomSubprotocol is the WebSocket subprotocol clients must offer.
const RoomSubprotocol = "room"

var errClientGone = errors.New("client disconnected")

// RoomWSHandler upgrades to a WebSocket and runs one session for the caller.
// The session, the event writer and the command reader share an errgroup; the
// first to fail tears the others down.
func (s *Server) RoomWSHandler(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	rm, err := s.manager.GetRoom(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}

	// counted before the hijack, while Shutdown still tracks the connection
	s.sessions.Add(1)
	defer s.sessions.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{RoomSubprotocol},
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.CloseNow()

	if c.Subprotocol() != RoomSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the room subprotocol")
		return
	}

	middleware.LogWebSocketConnect(s.logger, r.RemoteAddr, r.URL.Path)
	log := s.logger.WithFields(logrus.Fields{"room": rm.Code, "user": id.UID})

	sess := session.New(s.manager, rm.Code, id.UID, id.Name, rm.HostID == id.UID, session.Config{
		RevealDelay: s.opts.RevealDelay,
	})

	g, ctx := errgroup.WithContext(r.Context())
	writerDone := make(chan struct{})
	var runErr error

	g.Go(func() error {
		defer close(writerDone)
		return s.writeEvents(r.Context(), c, sess)
	})
	g.Go(func() error {
		runErr = sess.Run(ctx)
		// let the writer flush the final events before the close frame
		<-writerDone
		status, reason := closeStatus(runErr)
		c.Close(status, reason)
		return nil
	})
	g.Go(func() error {
		return readCommands(ctx, c, sess, log)
	})

	err = g.Wait()
	if runErr != nil {
		err = runErr
	}
	if errors.Is(err, errClientGone) {
		err = nil
	}
	middleware.LogWebSocketDisconnect(s.logger, r.RemoteAddr, r.URL.Path, err)
}

// writeEvents sends session events until the session ends. After a failed
// write it keeps draining so the session never blocks on a dead client.
func (s *Server) writeEvents(base context.Context, c *websocket.Conn, sess *session.Session) error {
	var writeErr error
	for ev := range sess.Events() {
		if writeErr != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(base, 5*time.Second)
		writeErr = wsjson.Write(ctx, c, ev)
		cancel()
	}
	return writeErr
}

// readCommands forwards client messages to the session. A client that goes
// away ends the session through the errgroup context.
func readCommands(ctx context.Context, c *websocket.Conn, sess *session.Session, log *logrus.Entry) error {
	for {
		var cmd session.Command
		if err := wsjson.Read(ctx, c, &cmd); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debugf("read error: %v (CloseStatus: %d)", err, status)
			}
			return errClientGone
		}
		if err := sess.Send(ctx, cmd); err != nil {
			return nil
		}
	}
}

func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.opts.CORSOrigins))
	for _, o := range s.opts.CORSOrigins {
		// OriginPatterns match hosts, not full origins
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
