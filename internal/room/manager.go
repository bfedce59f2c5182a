// internal/room/manager.go
package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/skillmind/internal/events"
	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/sirupsen/logrus"
)

// Options tunes a Manager. Zero numeric fields fall back to DefaultOptions.
type Options struct {
	// OpTimeout bounds every store operation.
	OpTimeout time.Duration
	// PointsPerCorrect is added to a player's score for each correct answer.
	PointsPerCorrect int64
	// CascadeHostLeave deletes the player records along with the room when the host leaves.
	CascadeHostLeave bool
	// CodeAttempts is how many fresh codes CreateRoom tries before giving up.
	CodeAttempts int

	NewCode func() string
	Now     func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		OpTimeout:        10 * time.Second,
		PointsPerCorrect: 10,
		CascadeHostLeave: true,
		CodeAttempts:     5,
		NewCode:          GenerateCode,
		Now:              time.Now,
	}
}

// Manager owns every mutation of rooms and their players. All coordination
// between clients happens through store transactions; the Manager itself
// keeps no per-room state.
type Manager struct {
	store  store.Store
	logger *logrus.Logger
	events events.Publisher
	opts   Options
}

// NewManager builds a Manager. pub may be nil.
func NewManager(s store.Store, logger *logrus.Logger, pub events.Publisher, opts Options) *Manager {
	def := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.PointsPerCorrect <= 0 {
		opts.PointsPerCorrect = def.PointsPerCorrect
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = def.CodeAttempts
	}
	if opts.NewCode == nil {
		opts.NewCode = def.NewCode
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{store: s, logger: logger, events: pub, opts: opts}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Logger returns the manager's logger so collaborators log to the same sink.
func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

// RoomPath is the document path of a room.
func RoomPath(code string) string { return store.Join("rooms", code) }

// PlayersPath is the collection holding a room's players.
func PlayersPath(code string) string { return store.Join("rooms", code, "players") }

// PlayerPath is the document path of one player in a room.
func PlayerPath(code, uid string) string { return store.Join("rooms", code, "players", uid) }

func (m *Manager) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.OpTimeout)
}

func (m *Manager) log(code, uid string) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{"room": code, "user": uid})
}

// publish hands a committed change to the event sink. Failures never undo
// the mutation that already happened.
func (m *Manager) publish(ctx context.Context, code, typ, actor string, payload map[string]interface{}) {
	rec := events.Record{
		RoomCode:  code,
		Type:      typ,
		ActorID:   actor,
		Payload:   payload,
		Timestamp: m.opts.Now().UnixMilli(),
	}
	if err := m.events.Publish(ctx, rec); err != nil {
		m.log(code, actor).WithError(err).Warnf("failed to publish %s event", typ)
	}
}

// displayName falls back to a generated name when the client sent none.
func displayName(name, uid string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	short := uid
	if len(short) > 4 {
		short = short[:4]
	}
	return fmt.Sprintf("Player_%s", short)
}

// ValidateQuestions normalizes a question list and checks every entry.
func ValidateQuestions(questions []models.Question) ([]models.Question, error) {
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrInvalidQuestionSet)
	}
	out := make([]models.Question, len(questions))
	for i, q := range questions {
		q = q.Normalize()
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", ErrInvalidQuestionSet, i+1, err)
		}
		out[i] = q
	}
	return out, nil
}

func readRoom(tx store.Tx, code string) (*models.Room, error) {
	snap, err := tx.Get(RoomPath(code))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return decodeRoom(snap)
}

func decodeRoom(snap *store.Snapshot) (*models.Room, error) {
	var r models.Room
	if err := snap.DataTo(&r); err != nil {
		return nil, fmt.Errorf("%w: corrupt room %s: %v", ErrInvalidQuestionSet, snap.ID, err)
	}
	return &r, nil
}

func readPlayer(tx store.Tx, code, uid string) (*models.Player, error) {
	snap, err := tx.Get(PlayerPath(code, uid))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, nil
	}
	var p models.Player
	if err := snap.DataTo(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// occupants counts the players that have not left the results view.
func occupants(tx store.Tx, code string) (int64, error) {
	snaps, err := tx.List(PlayersPath(code))
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range snaps {
		var p models.Player
		if err := s.DataTo(&p); err != nil {
			return 0, err
		}
		if !p.Departed {
			n++
		}
	}
	return n, nil
}

// closeInTx deletes the room and, when cascade is set, every player record.
func closeInTx(tx store.Tx, code string, cascade bool) error {
	if cascade {
		snaps, err := tx.List(PlayersPath(code))
		if err != nil {
			return err
		}
		for _, s := range snaps {
			tx.Delete(s.Path)
		}
	}
	tx.Delete(RoomPath(code))
	return nil
}

// recount writes the current occupant count, or closes the room when nobody
// is left. It reports whether the room was closed.
func recount(tx store.Tx, code string) (bool, error) {
	n, err := occupants(tx, code)
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return true, closeInTx(tx, code, true)
	}
	return false, tx.Update(RoomPath(code), map[string]interface{}{"playerCount": n})
}

// CreateRoom validates the questions and stores a new waiting room with the
// host as its only player. It returns the room code.
func (m *Manager) CreateRoom(ctx context.Context, hostID, hostName string, questions []models.Question) (string, error) {
	return m.createRoom(ctx, hostID, hostName, questions, false)
}

// CreateSoloRoom stores a room for a single player that is already in
// progress, so nobody else can join it.
func (m *Manager) CreateSoloRoom(ctx context.Context, uid, name string, questions []models.Question) (string, error) {
	return m.createRoom(ctx, uid, name, questions, true)
}

func (m *Manager) createRoom(ctx context.Context, hostID, hostName string, questions []models.Question, solo bool) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", ErrAuthRequired
	}
	qs, err := ValidateQuestions(questions)
	if err != nil {
		return "", err
	}
	hostName = displayName(hostName, hostID)

	ctx, cancel := m.op(ctx)
	defer cancel()

	state := models.RoomWaiting
	if solo {
		state = models.RoomInProgress
	}
	for attempt := 0; attempt < m.opts.CodeAttempts; attempt++ {
		code := m.opts.NewCode()
		room := models.Room{
			Code:        code,
			HostID:      hostID,
			HostName:    hostName,
			Questions:   qs,
			State:       state,
			PlayerCount: 1,
			CreatedAt:   m.opts.Now().UnixMilli(),
			Solo:        solo,
		}
		taken := false
		err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
			taken = false
			snap, err := tx.Get(RoomPath(code))
			if err != nil {
				return err
			}
			if snap.Exists {
				taken = true
				return nil
			}
			if err := tx.Set(RoomPath(code), room); err != nil {
				return err
			}
			return tx.Set(PlayerPath(code, hostID), models.Player{UID: hostID, Name: hostName})
		})
		if err != nil {
			return "", storeErr("create room", err)
		}
		if taken {
			m.log(code, hostID).Debug("room code already in use, retrying")
			continue
		}
		m.log(code, hostID).Infof("room created with %d questions (solo=%v)", len(qs), solo)
		m.publish(ctx, code, events.RoomCreated, hostID, map[string]interface{}{"questions": len(qs), "solo": solo})
		return code, nil
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodeCollision, m.opts.CodeAttempts)
}

// JoinRoom adds uid to a waiting room. Joining a room the player is already
// in succeeds without writing.
func (m *Manager) JoinRoom(ctx context.Context, rawCode, uid, name string) (string, error) {
	if strings.TrimSpace(uid) == "" {
		return "", ErrAuthRequired
	}
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return "", err
	}
	name = displayName(name, uid)

	ctx, cancel := m.op(ctx)
	defer cancel()

	var joined bool
	var count int64
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		joined = false
		room, err := readRoom(tx, code)
		if err != nil {
			return err
		}
		if room.State != models.RoomWaiting {
			return fmt.Errorf("%w: %s", ErrRoomAlreadyStarted, code)
		}
		existing, err := readPlayer(tx, code, uid)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := tx.Set(PlayerPath(code, uid), models.Player{UID: uid, Name: name}); err != nil {
			return err
		}
		if count, err = occupants(tx, code); err != nil {
			return err
		}
		joined = true
		return tx.Update(RoomPath(code), map[string]interface{}{"playerCount": count})
	})
	if err != nil {
		return "", storeErr("join room", err)
	}
	if joined {
		m.log(code, uid).Infof("player joined (%d in room)", count)
		m.publish(ctx, code, events.PlayerJoined, uid, map[string]interface{}{"name": name, "playerCount": count})
	}
	return code, nil
}

// LeaveRoom removes uid from the room. A host leaving closes the room. The
// last player leaving deletes it. Leaving a room that no longer exists is a
// no-op.
func (m *Manager) LeaveRoom(ctx context.Context, rawCode, uid string, isHost bool) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	var left, closed bool
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		left, closed = false, false
		snap, err := tx.Get(RoomPath(code))
		if err != nil || !snap.Exists {
			return err
		}
		if isHost {
			closed = true
			return closeInTx(tx, code, m.opts.CascadeHostLeave)
		}
		p, err := readPlayer(tx, code, uid)
		if err != nil || p == nil {
			return err
		}
		tx.Delete(PlayerPath(code, uid))
		left = true
		closed, err = recount(tx, code)
		return err
	})
	if err != nil {
		return storeErr("leave room", err)
	}
	if left {
		m.log(code, uid).Info("player left")
		m.publish(ctx, code, events.PlayerLeft, uid, nil)
	}
	if closed {
		m.log(code, uid).Info("room closed")
		m.publish(ctx, code, events.RoomClosed, uid, map[string]interface{}{"host": isHost})
	}
	return nil
}

// CloseRoom deletes the room and all of its players. Only the host may close
// a room; closing a room that is already gone succeeds.
func (m *Manager) CloseRoom(ctx context.Context, rawCode, uid string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	var closed bool
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		closed = false
		snap, err := tx.Get(RoomPath(code))
		if err != nil || !snap.Exists {
			return err
		}
		room, err := decodeRoom(snap)
		if err != nil {
			return err
		}
		if room.HostID != uid {
			return ErrNotHost
		}
		closed = true
		return closeInTx(tx, code, true)
	})
	if err != nil {
		return storeErr("close room", err)
	}
	if closed {
		m.log(code, uid).Info("room closed by host")
		m.publish(ctx, code, events.RoomClosed, uid, map[string]interface{}{"host": true})
	}
	return nil
}

// ForceClose deletes a room regardless of who owns it. Used by the
// inactivity sweeper.
func (m *Manager) ForceClose(ctx context.Context, code string) error {
	ctx, cancel := m.op(ctx)
	defer cancel()

	var closed bool
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		closed = false
		snap, err := tx.Get(RoomPath(code))
		if err != nil || !snap.Exists {
			return err
		}
		closed = true
		return closeInTx(tx, code, true)
	})
	if err != nil {
		return storeErr("force close room", err)
	}
	if closed {
		m.log(code, "").Info("room closed for inactivity")
		m.publish(ctx, code, events.RoomClosed, "", map[string]interface{}{"reason": "inactive"})
	}
	return nil
}

// StartGame moves a waiting room to in_progress. Starting a room that is
// already running is a no-op.
func (m *Manager) StartGame(ctx context.Context, rawCode, uid string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	var started bool
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		started = false
		room, err := readRoom(tx, code)
		if err != nil {
			return err
		}
		if room.HostID != uid {
			return ErrNotHost
		}
		if room.State != models.RoomWaiting {
			return nil
		}
		started = true
		return tx.Update(RoomPath(code), map[string]interface{}{"state": models.RoomInProgress})
	})
	if err != nil {
		return storeErr("start game", err)
	}
	if started {
		m.log(code, uid).Info("game started")
		m.publish(ctx, code, events.GameStarted, uid, nil)
	}
	return nil
}

// LeaveAfterGame marks uid as departed from the results view. The player
// record is kept for the leaderboard. The room is deleted when no occupant
// remains.
func (m *Manager) LeaveAfterGame(ctx context.Context, rawCode, uid string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	var departed, closed bool
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		departed, closed = false, false
		snap, err := tx.Get(RoomPath(code))
		if err != nil || !snap.Exists {
			return err
		}
		p, err := readPlayer(tx, code, uid)
		if err != nil {
			return err
		}
		if p != nil && !p.Departed {
			departed = true
			if err := tx.Update(PlayerPath(code, uid), map[string]interface{}{"departed": true}); err != nil {
				return err
			}
		}
		closed, err = recount(tx, code)
		return err
	})
	if err != nil {
		return storeErr("leave results", err)
	}
	if departed {
		m.log(code, uid).Info("player left results")
		m.publish(ctx, code, events.PlayerDeparted, uid, nil)
	}
	if closed {
		m.log(code, uid).Info("room drained")
		m.publish(ctx, code, events.RoomClosed, uid, map[string]interface{}{"reason": "drained"})
	}
	return nil
}

// RecordAnswer commits option as the answer to question index for uid.
// Answers are committed in question order while the game is in progress.
// Each index is scored at most once; a repeated or older index returns 0
// without writing. It returns the points awarded.
func (m *Manager) RecordAnswer(ctx context.Context, code, uid string, index int, option string, correct bool) (int64, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()

	var awarded int64
	var recorded bool
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		awarded, recorded = 0, false
		room, err := readRoom(tx, code)
		if err != nil {
			return err
		}
		if room.State != models.RoomInProgress {
			return fmt.Errorf("%w: room %s is %s", ErrNotInProgress, code, room.State)
		}
		if index < 0 || index >= len(room.Questions) {
			return fmt.Errorf("%w: question index %d out of range", ErrInvalidQuestionSet, index)
		}
		p, err := readPlayer(tx, code, uid)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotInRoom
		}
		if index < p.Answered {
			return nil
		}
		if index > p.Answered {
			return fmt.Errorf("%w: got %d, next is %d", ErrAnswerOutOfOrder, index, p.Answered)
		}
		answers := append(p.Answers, models.Answer{Index: index, Option: option, Correct: correct})
		fields := map[string]interface{}{"answered": index + 1, "answers": answers}
		if correct {
			awarded = m.opts.PointsPerCorrect
			fields["score"] = store.Increment(awarded)
		}
		recorded = true
		return tx.Update(PlayerPath(code, uid), fields)
	})
	if err != nil {
		return 0, storeErr("record answer", err)
	}
	if recorded {
		m.log(code, uid).Debugf("answer %d recorded (correct=%v)", index, correct)
		m.publish(ctx, code, events.AnswerRecorded, uid, map[string]interface{}{
			"index":   index,
			"correct": correct,
			"points":  awarded,
		})
	}
	return awarded, nil
}

// RecordTotalTime stores the player's completion time once. Later calls
// leave the first value in place.
func (m *Manager) RecordTotalTime(ctx context.Context, code, uid string, ms int64) error {
	ctx, cancel := m.op(ctx)
	defer cancel()

	var set bool
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		set = false
		p, err := readPlayer(tx, code, uid)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotInRoom
		}
		if p.TotalTime != nil {
			return nil
		}
		set = true
		return tx.Update(PlayerPath(code, uid), map[string]interface{}{"totalTime": ms})
	})
	if err != nil {
		return storeErr("record total time", err)
	}
	if set {
		m.log(code, uid).Infof("player finished in %dms", ms)
		m.publish(ctx, code, events.PlayerFinished, uid, map[string]interface{}{"totalTime": ms})
	}
	return nil
}

// GetRoom reads a room.
func (m *Manager) GetRoom(ctx context.Context, rawCode string) (*models.Room, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	snap, err := m.store.Get(ctx, RoomPath(code))
	if err != nil {
		return nil, storeErr("get room", err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return decodeRoom(snap)
}

// GetPlayer reads one player of a room.
func (m *Manager) GetPlayer(ctx context.Context, code, uid string) (*models.Player, error) {
	ctx, cancel := m.op(ctx)
	defer cancel()

	snap, err := m.store.Get(ctx, PlayerPath(code, uid))
	if err != nil {
		return nil, storeErr("get player", err)
	}
	if !snap.Exists {
		return nil, ErrNotInRoom
	}
	var p models.Player
	if err := snap.DataTo(&p); err != nil {
		return nil, storeErr("get player", err)
	}
	return &p, nil
}

// ListPlayers reads every player record of a room, departed ones included.
func (m *Manager) ListPlayers(ctx context.Context, rawCode string) ([]models.Player, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.op(ctx)
	defer cancel()

	snaps, err := m.store.List(ctx, PlayersPath(code))
	if err != nil {
		return nil, storeErr("list players", err)
	}
	players, err := DecodePlayers(snaps)
	if err != nil {
		return nil, storeErr("list players", err)
	}
	return players, nil
}

// WatchRoom subscribes to the room document. The subscription lives until
// ctx ends or Stop is called.
func (m *Manager) WatchRoom(ctx context.Context, code string) (*store.Subscription[*store.Snapshot], error) {
	sub, err := m.store.WatchDocument(ctx, RoomPath(code))
	if err != nil {
		return nil, storeErr("watch room", err)
	}
	return sub, nil
}

// WatchPlayers subscribes to the player collection of a room.
func (m *Manager) WatchPlayers(ctx context.Context, code string) (*store.Subscription[[]*store.Snapshot], error) {
	sub, err := m.store.WatchCollection(ctx, PlayersPath(code))
	if err != nil {
		return nil, storeErr("watch players", err)
	}
	return sub, nil
}

// DecodeRoom turns a room snapshot into a Room. It returns nil when the room
// does not exist.
func DecodeRoom(snap *store.Snapshot) (*models.Room, error) {
	if snap == nil || !snap.Exists {
		return nil, nil
	}
	return decodeRoom(snap)
}

// DecodePlayers turns a player collection snapshot into players.
func DecodePlayers(snaps []*store.Snapshot) ([]models.Player, error) {
	out := make([]models.Player, 0, len(snaps))
	for _, s := range snaps {
		var p models.Player
		if err := s.DataTo(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
