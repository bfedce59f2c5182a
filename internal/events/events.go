// internal/events/events.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list (queue) name for room activity records.
var DefaultQueueName = "skillmind_room_events"

// Event types published by the room manager.
const (
	RoomCreated    = "room_created"
	PlayerJoined   = "player_joined"
	PlayerLeft     = "player_left"
	PlayerDeparted = "player_departed"
	GameStarted    = "game_started"
	AnswerRecorded = "answer_recorded"
	PlayerFinished = "player_finished"
	RoomClosed     = "room_closed"
)

// Record holds the minimal info needed by the historian.
type Record struct {
	RoomCode  string                 `json:"room_code"`
	Type      string                 `json:"type"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Publisher receives room activity after the store has committed it.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
}

// Nop drops every record.
type Nop struct{}

func (Nop) Publish(context.Context, Record) error { return nil }

// RedisQueue serializes records to JSON and pushes them onto a Redis list.
type RedisQueue struct {
	rdb   *redis.Client
	queue string
}

// NewRedisQueue returns a publisher writing to queue (DefaultQueueName when empty).
func NewRedisQueue(rdb *redis.Client, queue string) *RedisQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &RedisQueue{rdb: rdb, queue: queue}
}

// Publish serializes the given record to JSON, then pushes it to the Redis queue.
// This does not block the calling logic (other than a quick network send).
func (q *RedisQueue) Publish(ctx context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal Record: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queue, err)
	}
	return nil
}

// Recorder keeps published records in memory. Useful in tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Publish(_ context.Context, record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Type
	}
	return out
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
