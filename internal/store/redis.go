// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisReader is the read surface shared by *redis.Client and *redis.Tx.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// redisEnvelope is the value stored under a document key.
type redisEnvelope struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Redis stores documents as JSON strings and collection membership as sets.
// Transactions are optimistic: every key read inside one is WATCHed and the
// writes go out in a single MULTI/EXEC, retried when a watched key changed.
type Redis struct {
	rdb      *redis.Client
	prefix   string
	attempts int
	now      func() time.Time
}

// NewRedis wraps an existing client. prefix namespaces every key and channel.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{
		rdb:      rdb,
		prefix:   prefix,
		attempts: DefaultTxAttempts,
		now:      time.Now,
	}
}

func (r *Redis) docKey(path string) string       { return r.prefix + "doc:" + path }
func (r *Redis) colKey(collection string) string { return r.prefix + "col:" + collection }
func (r *Redis) channel(key string) string       { return r.prefix + "chg:" + key }

func (r *Redis) read(ctx context.Context, c redisReader, path string) (*Snapshot, error) {
	_, id := Split(path)
	raw, err := c.Get(ctx, r.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Snapshot{Path: path, ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &Snapshot{
		Path:      path,
		ID:        id,
		Exists:    true,
		Data:      env.Data,
		UpdatedAt: time.UnixMilli(env.UpdatedAt),
	}, nil
}

func (r *Redis) list(ctx context.Context, c redisReader, collection string, watch func(keys ...string) error) ([]*Snapshot, error) {
	if watch != nil {
		if err := watch(r.colKey(collection)); err != nil {
			return nil, err
		}
	}
	ids, err := c.SMembers(ctx, r.colKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		path := Join(collection, id)
		if watch != nil {
			if err := watch(r.docKey(path)); err != nil {
				return nil, err
			}
		}
		s, err := r.read(ctx, c, path)
		if err != nil {
			return nil, err
		}
		// membership can briefly outlive a document written by another client library
		if s.Exists {
			out = append(out, s)
		}
	}
	sortSnapshots(out)
	return out, nil
}

func (r *Redis) Get(ctx context.Context, path string) (*Snapshot, error) {
	s, err := r.read(ctx, r.rdb, path)
	if err != nil {
		return nil, unavailable("redis get", err)
	}
	return s, nil
}

func (r *Redis) List(ctx context.Context, collection string) ([]*Snapshot, error) {
	snaps, err := r.list(ctx, r.rdb, collection, nil)
	if err != nil {
		return nil, unavailable("redis list", err)
	}
	return snaps, nil
}

func (r *Redis) Set(ctx context.Context, path string, v interface{}) error {
	return r.RunBatch(ctx, func(b Batch) error { return b.Set(path, v) })
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	return r.RunTransaction(ctx, func(tx Tx) error { return tx.Update(path, fields) })
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	return r.RunBatch(ctx, func(b Batch) error {
		b.Delete(path)
		return nil
	})
}

func (r *Redis) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < r.attempts; attempt++ {
		var fnErr error
		var state *txState
		err := r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			watch := func(keys ...string) error { return rtx.Watch(ctx, keys...).Err() }
			state = newTxState(
				func(path string) (*Snapshot, error) {
					if err := watch(r.docKey(path)); err != nil {
						return nil, err
					}
					return r.read(ctx, rtx, path)
				},
				func(collection string) ([]*Snapshot, error) {
					return r.list(ctx, rtx, collection, watch)
				},
			)
			if err := fn(state); err != nil {
				fnErr = err
				return err
			}
			if len(state.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.queueWrites(ctx, pipe, state.writes)
				return nil
			})
			return err
		})
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			if err := retryBackoff(ctx, attempt); err != nil {
				return unavailable("redis transaction", err)
			}
			continue
		}
		if err != nil {
			return unavailable("redis transaction", err)
		}
		r.publish(ctx, state.touched())
		return nil
	}
	return fmt.Errorf("redis transaction: %w", ErrAborted)
}

func (r *Redis) RunBatch(ctx context.Context, fn func(b Batch) error) error {
	state := newBatchState()
	if err := fn(state); err != nil {
		return err
	}
	if len(state.writes) == 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueWrites(ctx, pipe, state.writes)
		return nil
	})
	if err != nil {
		return unavailable("redis batch", err)
	}
	r.publish(ctx, state.touched())
	return nil
}

func (r *Redis) queueWrites(ctx context.Context, pipe redis.Pipeliner, writes []*pendingWrite) {
	now := r.now().UnixMilli()
	for _, w := range writes {
		collection, id := Split(w.path)
		if w.delete {
			pipe.Del(ctx, r.docKey(w.path))
			pipe.SRem(ctx, r.colKey(collection), id)
			continue
		}
		env, _ := json.Marshal(redisEnvelope{Data: w.data, UpdatedAt: now})
		pipe.Set(ctx, r.docKey(w.path), env, 0)
		pipe.SAdd(ctx, r.colKey(collection), id)
	}
}

// publish announces committed changes. Watchers re-read the current state, so
// the payload only names the key.
func (r *Redis) publish(ctx context.Context, keys []string) {
	for _, k := range keys {
		r.rdb.Publish(ctx, r.channel(k), k)
	}
}

func (r *Redis) watch(ctx context.Context, key string) (chan struct{}, func(), error) {
	ps := r.rdb.Subscribe(ctx, r.channel(key))
	// wait for the subscription to be confirmed so no change between now and
	// the initial read is lost
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, unavailable("redis subscribe", err)
	}
	trigger := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer close(trigger)
		for range msgs {
			signal(trigger)
		}
	}()
	return trigger, func() { ps.Close() }, nil
}

func (r *Redis) WatchDocument(ctx context.Context, path string) (*Subscription[*Snapshot], error) {
	trigger, release, err := r.watch(ctx, path)
	if err != nil {
		return nil, err
	}
	return startSubscription(ctx, trigger, func(ctx context.Context) (*Snapshot, error) {
		return r.Get(ctx, path)
	}, release), nil
}

func (r *Redis) WatchCollection(ctx context.Context, collection string) (*Subscription[[]*Snapshot], error) {
	trigger, release, err := r.watch(ctx, collection)
	if err != nil {
		return nil, err
	}
	return startSubscription(ctx, trigger, func(ctx context.Context) ([]*Snapshot, error) {
		return r.List(ctx, collection)
	}, release), nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
