package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"brilliant-board/api"
	"brilliant-board/board"
	"brilliant-board/chat"
	"brilliant-board/config"
	"brilliant-board/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger(cfg.Log)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	var rc *redis.Client
	if redisOpts != nil {
		rc = redis.NewClient(redisOpts)
	}

	newBoard, err := boardFactory(cfg, rc, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	chatClient := chat.NewClient(cfg.Chat.URL, cfg.Chat.APIKey, cfg.Chat.Timeout)
	reg := api.NewRegistry(newBoard, chatClient, logger)

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	}

	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.DecompressRequests())
	api.Register(e, reg, auth, deduper, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	reg.Close()
	if rc != nil {
		_ = rc.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
	logger.Info("board service stopped")
}

func newLogger(cfg config.LogConfig) *log.Logger {
	logger := log.New()
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.WithField("level", cfg.Level).Warn("unknown log level; using info")
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

// boardFactory builds the per-user store stack: the configured backend, an
// optional Redis read-through cache and an optional reconcile queue.
func boardFactory(cfg *config.Config, rc *redis.Client, logger *log.Logger) (api.BoardFactory, error) {
	dispatch := board.DispatchConfig{
		Workers:        cfg.Dispatch.Workers,
		Buffer:         cfg.Dispatch.Buffer,
		CallTimeout:    cfg.Dispatch.Timeout,
		HandoffTimeout: cfg.Dispatch.HandoffTimeout,
	}

	backend, err := storage.NewBackend(cfg.Store, rc, cfg.Redis.CacheTTL)
	if err != nil {
		return nil, err
	}

	var newReconciler func(key string) board.Reconciler
	if cfg.Store.ReconcileQueue != "" {
		q, err := storage.NewQueueClient(cfg.Store.ConnectionString, cfg.Store.ReconcileQueue)
		if err != nil {
			return nil, err
		}
		newReconciler = func(key string) board.Reconciler { return storage.NewQueueReconciler(q, key, logger) }
	}

	return func(userID string) *board.Session {
		key := boardKey(cfg.Store, userID)
		opts := []board.Option{board.WithLogger(logger), board.WithDispatch(dispatch)}
		if newReconciler != nil {
			opts = append(opts, board.WithReconciler(newReconciler(key)))
		}
		return board.NewSession(backend(key), opts...)
	}, nil
}

// boardKey names the partition holding userID's board. Unauthenticated
// requests share the configured partition.
func boardKey(cfg config.StoreConfig, userID string) string {
	if userID == api.LocalUserID {
		return cfg.Partition
	}
	return userID
}

func newAuthenticator(cfg config.AuthConfig) (api.Authenticator, error) {
	settings := api.AuthSettings{
		LocalMode:    cfg.LocalMode,
		SharedSecret: cfg.LocalSharedSecret,
		TestMode:     cfg.TestMode,
		TestSecret:   cfg.TestSecret,
		JWKSCacheTTL: cfg.JWKSCacheTTL,
	}
	switch {
	case cfg.Disabled:
		return api.NoAuth{}, nil
	case cfg.LocalMode || cfg.TestMode:
		return api.NewAuth(nil, settings), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	settings.Audience = cfg.Audience
	settings.Issuer = "https://" + cfg.Domain + "/"
	return api.NewAuth(jwks, settings), nil
}
