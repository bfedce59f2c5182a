// cmd/historian/main.go runs the room event historian: it drains the events
// queue into PostgreSQL and closes rooms that stopped seeing activity.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/skillmind/internal/config"
	"github.com/jason-s-yu/skillmind/internal/historian"
	"github.com/jason-s-yu/skillmind/internal/room"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cfg.RedisClient(ctx)
	if err != nil {
		logger.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("unable to create pgx pool: %v", err)
	}
	defer pool.Close()
	sink := historian.NewPostgresSink(pool)
	if err := sink.Migrate(ctx); err != nil {
		logger.Fatal(err)
	}

	// rooms are closed through the same store the server uses
	st, err := cfg.OpenStore(ctx, rdb)
	if err != nil {
		logger.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer func() {
		st.Close()
		if cfg.StoreBackend != config.BackendRedis {
			rdb.Close()
		}
	}()
	var closer historian.RoomCloser
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("memory store is process local; inactive rooms will not be closed")
	} else {
		closer = room.NewManager(st, logger, cfg.Publisher(rdb), cfg.RoomOptions())
	}

	svc := historian.New(rdb, sink, closer, logger, historian.Config{
		Queue:      cfg.EventsQueue,
		BatchSize:  cfg.HistorianBatchSize,
		FlushDelay: cfg.HistorianFlushDelay,
		Inactivity: cfg.RoomInactivity,
	})
	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Error("historian stopped")
	}
}
