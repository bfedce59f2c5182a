// internal/historian/historian.go is an asynchronous historian that pops room
// activity records from a Redis queue and persists them to PostgreSQL. It also
// closes rooms that have gone quiet for too long.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/skillmind/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink persists a batch of records.
type Sink interface {
	Write(ctx context.Context, records []events.Record) error
}

// RoomCloser deletes a room regardless of its host. *room.Manager implements it.
type RoomCloser interface {
	ForceClose(ctx context.Context, code string) error
}

// Config tunes batching and the inactivity sweep.
type Config struct {
	Queue         string
	BatchSize     int
	FlushDelay    time.Duration
	Inactivity    time.Duration
	SweepInterval time.Duration
}

// Service encapsulates the Redis + DB logic for capturing room activity and
// closing rooms once an inactivity threshold is reached.
type Service struct {
	rdb    *redis.Client
	sink   Sink
	closer RoomCloser
	logger *logrus.Entry
	cfg    Config
	now    func() time.Time

	lastActivity sync.Map // map[string]time.Time keyed by room code

	batchMu   sync.Mutex
	batch     []events.Record
	lastFlush time.Time
}

// New builds a Service. closer may be nil to disable the inactivity sweep.
func New(rdb *redis.Client, sink Sink, closer RoomCloser, logger *logrus.Logger, cfg Config) *Service {
	if cfg.Queue == "" {
		cfg.Queue = events.DefaultQueueName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Service{
		rdb:       rdb,
		sink:      sink,
		closer:    closer,
		logger:    logger.WithField("component", "historian"),
		cfg:       cfg,
		now:       time.Now,
		batch:     make([]events.Record, 0, cfg.BatchSize),
		lastFlush: time.Now(),
	}
}

// Run starts the queue reader and the inactivity sweep and blocks until ctx
// ends. Records still buffered are flushed on the way out.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("historian service started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	if s.closer != nil && s.cfg.Inactivity > 0 {
		g.Go(func() error { return s.inactivityLoop(ctx) })
	}
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(flushCtx)
	s.logger.Info("historian shutting down")
	return err
}

// readLoop pops records with BLPop. The pop timeout doubles as the flush
// delay so a partial batch never waits longer than that.
func (s *Service) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.rdb.BLPop(ctx, s.cfg.FlushDelay, s.cfg.Queue).Result()
		if errors.Is(err, redis.Nil) {
			s.flush(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).Error("BLPop failed")
			select {
			case <-time.After(s.cfg.FlushDelay):
			case <-ctx.Done():
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		// res[0] is the queue name and res[1] the payload
		var record events.Record
		if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
			s.logger.WithError(err).Warn("invalid room event record")
			continue
		}
		s.track(record)
		s.appendToBatch(ctx, record)
	}
}

// track remembers when each room last saw activity.
func (s *Service) track(record events.Record) {
	if record.RoomCode == "" {
		return
	}
	if record.Type == events.RoomClosed {
		s.lastActivity.Delete(record.RoomCode)
		return
	}
	s.lastActivity.Store(record.RoomCode, s.now())
}

// appendToBatch adds a record and flushes when the batch is full or old enough.
func (s *Service) appendToBatch(ctx context.Context, record events.Record) {
	s.batchMu.Lock()
	s.batch = append(s.batch, record)
	due := len(s.batch) >= s.cfg.BatchSize || s.now().Sub(s.lastFlush) >= s.cfg.FlushDelay
	s.batchMu.Unlock()
	if due {
		s.flush(ctx)
	}
}

// flush writes the current batch in one go. A failed batch is logged and dropped.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	s.lastFlush = s.now()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batchCopy := make([]events.Record, len(s.batch))
	copy(batchCopy, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.sink.Write(ctx, batchCopy); err != nil {
		s.logger.WithError(err).Errorf("failed to flush %d room events", len(batchCopy))
		return
	}
	s.logger.Debugf("flushed %d room events", len(batchCopy))
}

// inactivityLoop periodically closes rooms inactive beyond the threshold.
func (s *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	s.lastActivity.Range(func(key, val interface{}) bool {
		code, ok1 := key.(string)
		last, ok2 := val.(time.Time)
		if !ok1 || !ok2 || now.Sub(last) <= s.cfg.Inactivity {
			return true
		}
		if err := s.closer.ForceClose(ctx, code); err != nil {
			s.logger.WithError(err).Warnf("failed to close inactive room %s", code)
			return true
		}
		s.logger.Infof("closed room %s after %s without activity", code, now.Sub(last).Round(time.Second))
		s.lastActivity.Delete(code)
		return true
	})
}
