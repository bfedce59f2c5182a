// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/config"
	"github.com/jason-s-yu/skillmind/internal/handlers"
	"github.com/jason-s-yu/skillmind/internal/room"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
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

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		if rdb, err = cfg.RedisClient(ctx); err != nil {
			logger.Fatal(err)
		}
	}
	st, err := cfg.OpenStore(ctx, rdb)
	if err != nil {
		logger.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer func() {
		st.Close()
		if rdb != nil && cfg.StoreBackend != config.BackendRedis {
			rdb.Close()
		}
	}()

	var keys *auth.Keys
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		keys, err = auth.LoadKeys(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenTTL)
	} else {
		logger.Warn("JWT key paths not set; generating an ephemeral key pair")
		keys, err = auth.GenerateKeys(cfg.TokenTTL)
	}
	if err != nil {
		logger.Fatalf("failed to set up signing keys: %v", err)
	}

	manager := room.NewManager(st, logger, cfg.Publisher(rdb), cfg.RoomOptions())
	srv := handlers.NewServer(manager, keys, logger, handlers.ServerOptions{
		RevealDelay:     cfg.RevealDelay,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Infof("Running on %s with the %s store", httpServer.Addr, cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	// sessions release their presence through the store, so it closes last
	srv.Wait()
}
