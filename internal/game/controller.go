// internal/game/controller.go
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/skillmind/internal/models"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/sirupsen/logrus"
)

// Phase is the position of one player in the question sequence.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhasePresenting Phase = "presenting"
	PhaseAnswered   Phase = "answered"
	PhaseCompleted  Phase = "completed"
	PhaseInvalid    Phase = "invalid"
	PhaseClosed     Phase = "closed"
)

// DefaultRevealDelay is how long the correct answer stays on screen before
// the next question.
const DefaultRevealDelay = 2 * time.Second

// finishWriteTimeout bounds the completion time write, which outlives Close.
const finishWriteTimeout = 5 * time.Second

var (
	ErrNotPresenting    = errors.New("no question is waiting for an answer")
	ErrInvalidOption    = errors.New("option is not one of the question's options")
	ErrAlreadySubmitted = errors.New("answer already submitted for this question")
	ErrClosed           = errors.New("game controller closed")
)

// Ledger commits answers and completion times. *room.Manager implements it.
type Ledger interface {
	RecordAnswer(ctx context.Context, code, uid string, index int, option string, correct bool) (int64, error)
	RecordTotalTime(ctx context.Context, code, uid string, ms int64) error
}

// AnswerResult is what a player learns after submitting.
type AnswerResult struct {
	Index         int    `json:"index"`
	Option        string `json:"option"`
	Correct       bool   `json:"correct"`
	CorrectOption string `json:"correctOption"`
	Points        int64  `json:"points"`
}

// State is a copy of the controller state handed to OnChange.
type State struct {
	Phase    Phase                  `json:"phase"`
	Index    int                    `json:"index"`
	Total    int                    `json:"total"`
	Question *models.PublicQuestion `json:"question,omitempty"`
	Selected string                 `json:"selected,omitempty"`
	Score    int64                  `json:"score"`
	Result   *AnswerResult          `json:"result,omitempty"`
}

// Config holds the hooks and timings of a Controller.
type Config struct {
	RevealDelay time.Duration
	Now         func() time.Time

	// OnChange is called with the controller lock held after every state
	// change. It must not block or call back into the controller.
	OnChange func(State)

	// OnFinish is called with the controller lock held as soon as the last
	// question has been answered and revealed, before anything is written.
	// It must not block.
	OnFinish func()

	// OnComplete runs once after the last answer, after the completion time
	// has been written. totalMs is the time taken since Load.
	OnComplete func(totalMs int64)
}

// Controller walks one player through a room's questions. A submitted
// answer is revealed for RevealDelay, then the next question is presented.
// Pending reveals belong to the controller: Close cancels them and waits.
type Controller struct {
	code   string
	uid    string
	ledger Ledger
	logger *logrus.Entry
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	phase       Phase
	questions   []models.Question
	index       int
	selected    string
	submitted   bool
	score       int64
	result      *AnswerResult
	start       time.Time
	revealTimer *time.Timer
}

// NewController creates a controller in the loading phase. It stops when ctx
// ends or Close is called.
func NewController(ctx context.Context, code, uid string, ledger Ledger, logger *logrus.Entry, cfg Config) *Controller {
	if cfg.RevealDelay <= 0 {
		cfg.RevealDelay = DefaultRevealDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		code:   code,
		uid:    uid,
		ledger: ledger,
		logger: logger.WithField("component", "game"),
		cfg:    cfg,
		phase:  PhaseLoading,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Load takes the room's question list. Only the first call has an effect;
// later snapshots of the same room are ignored. A room without questions is
// invalid. player is the stored record of this player, used to resume after a
// reconnect; nil starts from the first question.
func (c *Controller) Load(r *models.Room, player *models.Player) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseLoading || r == nil {
		return nil
	}
	if len(r.Questions) == 0 {
		c.phase = PhaseInvalid
		c.emitLocked()
		return fmt.Errorf("%w: room %s has no questions", room.ErrInvalidQuestionSet, r.Code)
	}
	for i, q := range r.Questions {
		if err := q.Validate(); err != nil {
			c.phase = PhaseInvalid
			c.emitLocked()
			return fmt.Errorf("%w: question %d: %v", room.ErrInvalidQuestionSet, i+1, err)
		}
	}

	c.questions = r.Questions
	c.start = c.cfg.Now()
	if player != nil {
		c.index = player.Answered
		c.score = player.Score
	}
	if c.index >= len(c.questions) {
		// everything was answered before a reconnect
		c.index = len(c.questions)
		c.phase = PhaseCompleted
		c.finishedLocked()
		c.emitLocked()
		return nil
	}
	c.phase = PhasePresenting
	c.logger.Debugf("presenting question %d of %d", c.index+1, len(c.questions))
	c.emitLocked()
	return nil
}

// Select records the option the player is leaning towards without committing it.
func (c *Controller) Select(option string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhasePresenting {
		return ErrNotPresenting
	}
	if !c.questions[c.index].HasOption(option) {
		return ErrInvalidOption
	}
	c.selected = option
	c.emitLocked()
	return nil
}

// Submit commits an answer for the current question. An empty option submits
// the current selection. A question accepts one successful submission; a
// ledger failure can be retried.
func (c *Controller) Submit(ctx context.Context, option string) (*AnswerResult, error) {
	c.mu.Lock()
	if c.phase != PhasePresenting {
		phase := c.phase
		c.mu.Unlock()
		if phase == PhaseAnswered {
			return nil, ErrAlreadySubmitted
		}
		return nil, ErrNotPresenting
	}
	if option == "" {
		option = c.selected
	}
	q := c.questions[c.index]
	if !q.HasOption(option) {
		c.mu.Unlock()
		return nil, ErrInvalidOption
	}
	if c.submitted {
		c.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	c.submitted = true
	idx := c.index
	c.mu.Unlock()

	correct := q.IsCorrect(option)
	points, err := c.ledger.RecordAnswer(ctx, c.code, c.uid, idx, option, correct)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return nil, ErrClosed
	}
	if err != nil {
		c.submitted = false
		c.logger.WithError(err).Warnf("failed to record answer %d", idx)
		return nil, err
	}

	res := &AnswerResult{
		Index:         idx,
		Option:        option,
		Correct:       correct,
		CorrectOption: q.CorrectOption,
		Points:        points,
	}
	c.score += points
	c.selected = option
	c.result = res
	c.phase = PhaseAnswered
	c.emitLocked()
	c.scheduleAdvanceLocked(idx)
	return res, nil
}

// scheduleAdvanceLocked arms the reveal timer for question idx.
func (c *Controller) scheduleAdvanceLocked(idx int) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	c.revealTimer = time.AfterFunc(c.cfg.RevealDelay, func() {
		defer c.wg.Done()
		c.advance(idx)
	})
}

// advance moves past question idx. A stale or cancelled reveal does nothing.
func (c *Controller) advance(idx int) {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.phase != PhaseAnswered || c.index != idx {
		c.mu.Unlock()
		return
	}
	c.revealTimer = nil
	c.index++
	c.selected = ""
	c.submitted = false
	c.result = nil

	if c.index < len(c.questions) {
		c.phase = PhasePresenting
		c.emitLocked()
		c.mu.Unlock()
		return
	}

	c.phase = PhaseCompleted
	total := c.cfg.Now().Sub(c.start).Milliseconds()
	c.finishedLocked()
	c.emitLocked()
	c.mu.Unlock()

	c.finish(total)
}

func (c *Controller) finishedLocked() {
	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish()
	}
}

// finish stores the completion time. The write runs on a context detached
// from the controller so a teardown racing the last reveal cannot drop it;
// Close waits for it. Failing to store it does not keep the player out of
// the results.
func (c *Controller) finish(total int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), finishWriteTimeout)
	defer cancel()
	if err := c.ledger.RecordTotalTime(ctx, c.code, c.uid, total); err != nil {
		c.logger.WithError(err).Warn("failed to record total time")
	}
	c.logger.Infof("completed all questions in %dms", total)
	if c.cfg.OnComplete != nil && c.ctx.Err() == nil {
		c.cfg.OnComplete(total)
	}
}

// Close cancels any pending reveal and waits for a running one to return.
// Nothing is written after Close returns.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	if c.revealTimer != nil && c.revealTimer.Stop() {
		c.wg.Done()
	}
	c.revealTimer = nil
	if c.phase != PhaseCompleted && c.phase != PhaseInvalid {
		c.phase = PhaseClosed
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{
		Phase:    c.phase,
		Index:    c.index,
		Total:    len(c.questions),
		Selected: c.selected,
		Score:    c.score,
	}
	if c.result != nil {
		r := *c.result
		s.Result = &r
	}
	if (c.phase == PhasePresenting || c.phase == PhaseAnswered) && c.index < len(c.questions) {
		q := c.questions[c.index].Public(c.index)
		s.Question = &q
	}
	return s
}

func (c *Controller) emitLocked() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.stateLocked())
	}
}
