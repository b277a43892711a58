package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"eventgate/internal/attendance"
	"eventgate/internal/audit"
	"eventgate/internal/config"
	"eventgate/internal/participant"
	"eventgate/internal/queue"
	"eventgate/internal/store"
)

// Worker consumes admission notifications and recounts the affected events.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}
	cfg := config.Load()
	if cfg.Production() {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug, TimeFormat: time.Kitchen})))
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		slog.Error("worker needs the shared postgres store and redis queue; in-memory mode audits inside the api process")
		os.Exit(1)
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		slog.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	var cache attendance.RotationCache = attendance.NewMemoryRotationCache()
	if cfg.CacheBackend == "redis" {
		cache = attendance.NewRedisRotationCache(redisClient.Client, "")
	}

	accounts := participant.NewService(participant.NewRepository(db.Client), 0)
	events := attendance.NewService(attendance.NewRepository(db.Client, cfg.LockTimeout), accounts, attendance.Options{
		RotationInterval: cfg.RotationInterval,
		LockTimeout:      cfg.LockTimeout,
		Cache:            cache,
	})

	q := queue.NewRedisQueue(redisClient.Client, "")
	if err := audit.New(events, slog.Default()).Run(ctx, q); err != nil {
		slog.Error("queue consume init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
