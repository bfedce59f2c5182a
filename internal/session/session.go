// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/skillmind/internal/game"
	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/results"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/sirupsen/logrus"
)

// EventType names an outbound session event.
type EventType string

const (
	EventRoomState    EventType = "room_state"
	EventQuestion     EventType = "question"
	EventAnswerResult EventType = "answer_result"
	EventCompleted    EventType = "completed"
	EventLeaderboard  EventType = "leaderboard"
	EventHostClosed   EventType = "host_closed"
	EventError        EventType = "error"
)

// Command types accepted from the client.
const (
	CmdStartGame    = "start_game"
	CmdSelect       = "select"
	CmdSubmit       = "submit"
	CmdLeave        = "leave"
	CmdCloseRoom    = "close_room"
	CmdLeaveResults = "leave_results"
)

// Event is one message from the session to its client.
type Event struct {
	Type        EventType            `json:"type"`
	Room        *models.RoomView     `json:"room,omitempty"`
	Game        *game.State          `json:"game,omitempty"`
	Result      *game.AnswerResult   `json:"result,omitempty"`
	TotalTime   *int64               `json:"totalTime,omitempty"`
	Leaderboard *results.Leaderboard `json:"leaderboard,omitempty"`
	Review      *results.Summary     `json:"review,omitempty"`
	Error       string               `json:"error,omitempty"`
	Code        string               `json:"code,omitempty"`
}

// Command is one message from the client.
type Command struct {
	Type   string `json:"type"`
	Option string `json:"option,omitempty"`
}

var (
	ErrSessionEnded = errors.New("session ended")
	ErrNoGame       = errors.New("the game has not started")
	ErrNotFinished  = errors.New("results are only available after the last question")
	ErrUnknownCmd   = errors.New("unknown command")
)

// Config tunes a session.
type Config struct {
	RevealDelay time.Duration
	// EventBuffer is the capacity of the outbound event channel.
	EventBuffer int
}

// Session drives one connected client through waiting, playing and results.
// Run owns all state; the transport talks to it through Send and Events.
type Session struct {
	manager *room.Manager
	code    string
	uid     string
	name    string
	isHost  bool
	cfg     Config
	logger  *logrus.Entry

	out      chan Event
	commands chan Command
	done     chan struct{}

	// written by the game controller, read by Run
	states    chan game.State
	completed chan int64

	presence *room.Presence
	ctrl     *game.Controller
	agg      *results.Aggregator
	boards   <-chan results.Leaderboard
	seenRoom bool
}

// New prepares a session for uid in room code. isHost is decided by the
// caller from the stored room.
func New(m *room.Manager, code, uid, name string, isHost bool, cfg Config) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	return &Session{
		manager:   m,
		code:      code,
		uid:       uid,
		name:      name,
		isHost:    isHost,
		cfg:       cfg,
		logger:    m.Logger().WithFields(logrus.Fields{"room": code, "user": uid, "component": "session"}),
		out:       make(chan Event, cfg.EventBuffer),
		commands:  make(chan Command),
		done:      make(chan struct{}),
		states:    make(chan game.State, 1),
		completed: make(chan int64, 1),
	}
}

// Events is closed after Run returns.
func (s *Session) Events() <-chan Event {
	return s.out
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send hands a command to the running session.
func (s *Session) Send(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until the client leaves, the room goes away or ctx ends. The
// player's room membership is released on every exit path, after all
// subscriptions have stopped.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.out)
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.presence = s.manager.Enter(s.code, s.uid, s.isHost)
	defer s.presence.Release(ctx)

	roomSub, err := s.manager.WatchRoom(ctx, s.code)
	if err != nil {
		return err
	}
	defer roomSub.Stop()
	defer s.teardown()

	if err := s.attach(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case snap, ok := <-roomSub.C:
			if !ok {
				if err := roomSub.Err(); err != nil {
					return fmt.Errorf("%w: %w", room.ErrStoreUnavailable, err)
				}
				return nil
			}
			if err := s.onRoom(ctx, snap); err != nil {
				return s.terminal(ctx, err)
			}

		case cmd := <-s.commands:
			stop, err := s.handle(ctx, cmd)
			if err != nil {
				s.emitError(ctx, err)
			}
			if stop {
				return nil
			}

		case st := <-s.states:
			if st.Phase == game.PhasePresenting {
				s.emit(ctx, Event{Type: EventQuestion, Game: &st})
			}

		case total := <-s.completed:
			if err := s.enterResults(ctx); err != nil {
				return err
			}
			ev := Event{Type: EventCompleted, TotalTime: &total}
			if review, err := s.agg.Review(ctx); err != nil {
				s.logger.WithError(err).Warn("failed to build review")
			} else {
				ev.Review = &review
			}
			s.emit(ctx, ev)

		case lb, ok := <-s.boards:
			if !ok {
				s.boards = nil
				continue
			}
			s.emit(ctx, Event{Type: EventLeaderboard, Leaderboard: &lb})
		}
	}
}

// attach makes sure the player has a record in the room. Players that never
// joined are joined now; a player that already finished goes straight to the
// results.
func (s *Session) attach(ctx context.Context) error {
	p, err := s.manager.GetPlayer(ctx, s.code, s.uid)
	if errors.Is(err, room.ErrNotInRoom) {
		if _, err := s.manager.JoinRoom(ctx, s.code, s.uid, s.name); err != nil {
			return err
		}
		s.logger.Info("joined room on connect")
		return nil
	}
	if err != nil {
		return err
	}
	if p.Finished() {
		return s.enterResults(ctx)
	}
	return nil
}

// teardown stops the game and the leaderboard before the presence is released.
func (s *Session) teardown() {
	if s.ctrl != nil {
		s.ctrl.Close()
	}
	if s.agg != nil {
		s.agg.Stop()
	}
}

func (s *Session) onRoom(ctx context.Context, snap *store.Snapshot) error {
	r, err := room.DecodeRoom(snap)
	if err != nil {
		return err
	}
	if r == nil {
		if !s.seenRoom {
			return fmt.Errorf("%w: %s", room.ErrRoomNotFound, s.code)
		}
		if s.isHost {
			return ErrSessionEnded
		}
		return room.ErrHostClosedRoom
	}
	s.seenRoom = true

	view := r.View()
	s.emit(ctx, Event{Type: EventRoomState, Room: &view})

	if r.State != models.RoomInProgress || s.ctrl != nil || s.presence.Finished() {
		return nil
	}
	return s.startGame(ctx, r)
}

func (s *Session) startGame(ctx context.Context, r *models.Room) error {
	p, err := s.manager.GetPlayer(ctx, s.code, s.uid)
	if err != nil {
		return err
	}
	s.ctrl = game.NewController(ctx, s.code, s.uid, s.manager, s.logger, game.Config{
		RevealDelay: s.cfg.RevealDelay,
		// from here on a disconnect leaves the results view, not the room
		OnFinish: s.presence.MarkFinished,
		OnChange: func(st game.State) {
			select {
			case <-s.states:
			default:
			}
			s.states <- st
		},
		OnComplete: func(total int64) {
			s.completed <- total
		},
	})
	if err := s.ctrl.Load(r, p); err != nil {
		return err
	}
	if s.ctrl.State().Phase == game.PhaseCompleted {
		// every question was answered before this connection
		return s.enterResults(ctx)
	}
	s.logger.Info("game loaded")
	return nil
}

func (s *Session) enterResults(ctx context.Context) error {
	if s.agg != nil {
		return nil
	}
	s.presence.MarkFinished()
	s.agg = results.NewAggregator(s.manager, s.code, s.uid)
	boards, err := s.agg.Watch(ctx)
	if err != nil {
		return err
	}
	s.boards = boards
	return nil
}

// handle runs one client command. stop ends the session.
func (s *Session) handle(ctx context.Context, cmd Command) (stop bool, err error) {
	switch cmd.Type {
	case CmdStartGame:
		return false, s.manager.StartGame(ctx, s.code, s.uid)

	case CmdSelect:
		if s.ctrl == nil {
			return false, ErrNoGame
		}
		return false, s.ctrl.Select(cmd.Option)

	case CmdSubmit:
		if s.ctrl == nil {
			return false, ErrNoGame
		}
		res, err := s.ctrl.Submit(ctx, cmd.Option)
		if err != nil {
			return false, err
		}
		s.emit(ctx, Event{Type: EventAnswerResult, Result: res})
		return false, nil

	case CmdLeave:
		return true, nil

	case CmdCloseRoom:
		if err := s.manager.CloseRoom(ctx, s.code, s.uid); err != nil {
			return false, err
		}
		return true, nil

	case CmdLeaveResults:
		if !s.presence.Finished() {
			return false, ErrNotFinished
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCmd, cmd.Type)
	}
}

// terminal reports a room-ending error to the client and returns what Run
// should return.
func (s *Session) terminal(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrSessionEnded):
		return nil
	case errors.Is(err, room.ErrHostClosedRoom):
		s.logger.Info("host closed the room")
		s.emit(ctx, Event{Type: EventHostClosed, Code: room.ErrorCode(err)})
	default:
		s.emitError(ctx, err)
	}
	return err
}

func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) emitError(ctx context.Context, err error) {
	s.logger.WithError(err).Debug("command failed")
	s.emit(ctx, Event{Type: EventError, Error: err.Error(), Code: ErrorCode(err)})
}

// ErrorCode extends room.ErrorCode with the game and session errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, game.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, game.ErrNotPresenting):
		return "not_presenting"
	case errors.Is(err, ErrNoGame):
		return "game_not_started"
	case errors.Is(err, ErrNotFinished):
		return "not_finished"
	case errors.Is(err, ErrUnknownCmd):
		return "unknown_command"
	}
	return room.ErrorCode(err)
}
