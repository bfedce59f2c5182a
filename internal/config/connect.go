// internal/config/connect.go
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jason-s-yu/skillmind/internal/events"
	"github.com/jason-s-yu/skillmind/internal/room"
	"github.com/jason-s-yu/skillmind/internal/store"
	"github.com/redis/go-redis/v9"
)

// NeedsRedis reports whether any component reads from or writes to Redis.
func (c *Config) NeedsRedis() bool {
	return c.StoreBackend == BackendRedis || c.EventsEnabled
}

// RedisClient dials REDIS_ADDR and verifies the connection with a PING.
func (c *Config) RedisClient(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: c.RedisAddr,
		DB:   c.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", c.RedisAddr, err)
	}
	return rdb, nil
}

// OpenStore builds the configured document store. rdb is only used by the
// redis backend and may be nil otherwise.
func (c *Config) OpenStore(ctx context.Context, rdb *redis.Client) (store.Store, error) {
	switch c.StoreBackend {
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis backend selected without a redis client")
		}
		return store.NewRedis(rdb, c.RedisPrefix), nil
	case BackendPostgres:
		pg, err := store.ConnectPostgres(ctx, c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

// Publisher returns the Redis event queue when events are enabled.
func (c *Config) Publisher(rdb *redis.Client) events.Publisher {
	if !c.EventsEnabled || rdb == nil {
		return events.Nop{}
	}
	return events.NewRedisQueue(rdb, c.EventsQueue)
}

// RoomOptions maps the room settings onto room.Options.
func (c *Config) RoomOptions() room.Options {
	opts := room.DefaultOptions()
	opts.OpTimeout = c.StoreOpTimeout
	opts.PointsPerCorrect = c.PointsPerCorrect
	opts.CascadeHostLeave = c.CascadeHostLeave
	opts.CodeAttempts = c.CodeAttempts
	return opts
}
