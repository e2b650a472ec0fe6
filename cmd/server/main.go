// Command server runs the gateway: HTTP API, send worker and chat session in
// one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/wagate/internal/api"
	"github.com/dharsanguruparan/wagate/internal/auth"
	"github.com/dharsanguruparan/wagate/internal/config"
	"github.com/dharsanguruparan/wagate/internal/database"
	"github.com/dharsanguruparan/wagate/internal/dispatch"
	"github.com/dharsanguruparan/wagate/internal/pacing"
	"github.com/dharsanguruparan/wagate/internal/queue"
	"github.com/dharsanguruparan/wagate/internal/relay"
	"github.com/dharsanguruparan/wagate/internal/repository"
	"github.com/dharsanguruparan/wagate/internal/s3storage"
	"github.com/dharsanguruparan/wagate/internal/session"
	"github.com/dharsanguruparan/wagate/internal/whatsapp"
)

const relayWorkers = 4

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	events := make(chan session.Event, session.EventBuffer)
	wa := whatsapp.New(cfg.Session.StorePath, events, logger)

	var messages session.MessageHandler
	if cfg.Webhook.URL != "" {
		rl := relay.New(cfg.Webhook.URL, cfg.Webhook.Timeout, relayWorkers, logger)
		if cfg.Storage.Enabled() {
			store, err := s3storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			if err := store.EnsureBucket(ctx); err != nil {
				return err
			}
			rl = rl.WithArchiver(store)
			logger.Info("inbound media archive enabled", "bucket", cfg.Storage.Bucket)
		}
		rl.Start(ctx)
		messages = rl
	} else {
		logger.Warn("WEBHOOK_URL not set, inbound messages will not be relayed")
	}

	manager := session.NewManager(wa, events, cfg.Session.Dir, messages, logger)
	hub := api.NewHub(logger)
	manager.Watch(hub.NotifySession)
	go hub.Run(ctx)
	go manager.Run(ctx)

	processor := dispatch.NewProcessor(manager, wa, dispatch.NewMediaFetcher(), pacing.New(cfg.Queue.RateDelay), logger)
	if cfg.Database.Enabled() {
		pool, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		processor = processor.WithLedger(repository.NewDispatchRepository(pool))
		logger.Info("dispatch ledger enabled")
	}

	// Must stay deferred ahead of the worker so it runs after worker.Shutdown.
	defer func() {
		if err := wa.Destroy(context.Background()); err != nil {
			logger.Warn("client teardown", "err", err)
		}
	}()

	worker := queue.NewServer(rdb, cfg.Queue.Name, logger)
	if err := worker.Start(processor.Handler()); err != nil {
		return err
	}
	defer worker.Shutdown()

	if err := manager.Start(ctx); err != nil {
		logger.Error("initial client start failed, use /reset to retry", "err", err)
	}

	srv := api.New(cfg.Server.Address, api.Deps{
		Gate:      auth.NewGate(cfg.Auth.SecretWord, cfg.Auth.SigningKey),
		Session:   manager,
		Numbers:   wa,
		Jobs:      queue.NewEnqueuer(asynq.NewClientFromRedisClient(rdb), cfg.Queue.Name),
		Inspector: queue.NewInspector(asynq.NewInspectorFromRedisClient(rdb), cfg.Queue.Name),
		Hub:       hub,
	}, logger)
	return srv.Run(ctx)
}
