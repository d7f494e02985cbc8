// Command reconcile-worker drains the reconcile queue and replays failed board
// mutations against the task store.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"brilliant-board/config"
	"brilliant-board/storage"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Log)
	logger.Info("reconcile worker starting")

	var rc *redis.Client
	opts, err := cfg.RedisOptions()
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	if opts != nil {
		rc = redis.NewClient(opts)
		defer func() { _ = rc.Close() }()
	}

	// Replays go through the same cache as the service so they evict it.
	backend, err := storage.NewBackend(cfg.Store, rc, cfg.Redis.CacheTTL)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	q, err := storage.NewQueueClient(cfg.Store.ConnectionString, cfg.Store.ReconcileQueue)
	if err != nil {
		logger.Fatalf("queue client: %v", err)
	}
	worker := storage.NewReconcileWorker(storage.NewFailureQueue(q), backend, logger)
	worker.MaxAttempts = int64(cfg.Reconcile.MaxAttempts)
	worker.Idle = cfg.Reconcile.Idle

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("worker: %v", err)
	}
	logger.Info("reconcile worker stopped")
}

func newLogger(cfg config.LogConfig) *log.Logger {
	logger := log.New()
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}
