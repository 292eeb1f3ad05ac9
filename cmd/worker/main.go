// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/tendant/sad-worker/internal/bus"
	"github.com/tendant/sad-worker/internal/catalog"
	"github.com/tendant/sad-worker/internal/config"
	"github.com/tendant/sad-worker/internal/jobs"
	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/logging"
	"github.com/tendant/sad-worker/internal/state"
	"github.com/tendant/sad-worker/internal/tmdb"
	"github.com/tendant/sad-worker/internal/worker"
)

const httpTimeout = 30 * time.Second

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		fatal(bootstrap, "load config", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		fatal(bootstrap, "validate config", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fatal(bootstrap, "build logger", err)
	}
	slog.SetDefault(logger)
	logger.Info("worker starting",
		"nats_url", cfg.NATS.URL,
		"stream", cfg.NATS.Stream,
		"topic", cfg.NATS.Topic,
		"subscription", cfg.NATS.Subscription,
		"result_topic", cfg.NATS.ResultTopic,
		"cache_backend", cfg.Cache.Backend,
		"plex_url", cfg.Plex.URL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Worker.LockFile), 0o755); err != nil {
		fatal(logger, "ensure lock directory", err, "lock_file", cfg.Worker.LockFile)
	}
	lock := flock.New(cfg.Worker.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		fatal(logger, "acquire worker lock", err, "lock_file", cfg.Worker.LockFile)
	}
	if !ok {
		fatal(logger, "acquire worker lock", errors.New("another worker instance is already running"), "lock_file", cfg.Worker.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	cache, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		fatal(logger, "open cache backend", err, "backend", cfg.Cache.Backend)
	}
	defer cache.Close()
	logger.Info("cache backend ready", "backend", cfg.Cache.Backend)

	plex, err := catalog.New(cfg.Plex.URL, cfg.Plex.Token,
		catalog.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
		catalog.WithPageSize(cfg.Plex.PageSize),
	)
	if err != nil {
		fatal(logger, "build plex client", err)
	}

	enricher, err := tmdb.New(cfg.TMDB.Token, cfg.TMDB.BaseURL, cfg.TMDB.Language,
		tmdb.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
		tmdb.WithCache(cache, cfg.TMDB.CacheTTL),
		tmdb.WithRateLimit(cfg.TMDB.RequestsPerSecond, 1),
		tmdb.WithLogger(logger),
	)
	if err != nil {
		fatal(logger, "build tmdb client", err)
	}

	registry, err := jobs.Default(jobs.Env{
		Catalog:   plex,
		Enricher:  enricher,
		Logger:    logger,
		MediaRoot: cfg.Plex.MediaRoot,
	}, cfg.JobOptions())
	if err != nil {
		fatal(logger, "build job registry", err)
	}
	logger.Info("registered jobs", "jobs", registry.Names())

	nc, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
	}
	logger.Info("connected to NATS",
		"nats_url", nc.Conn().ConnectedUrlRedacted(),
		"server_id", nc.Conn().ConnectedServerId())
	defer nc.Close()

	if err := nc.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.Topic); err != nil {
		fatal(logger, "ensure stream", err, "stream", cfg.NATS.Stream)
	}
	source, err := nc.NewSource(ctx, cfg.NATS.Stream, cfg.NATS.Subscription, cfg.NATS.Topic, cfg.NATS.FetchWait)
	if err != nil {
		fatal(logger, "bind consumer", err, "subscription", cfg.NATS.Subscription)
	}

	consumer, err := worker.New(worker.Config{
		Source:       source,
		Store:        state.NewStore(cache, logger),
		Jobs:         registry,
		Logger:       logger,
		Events:       nc,
		EventSubject: cfg.NATS.ResultTopic,
	})
	if err != nil {
		fatal(logger, "build consumer", err)
	}
	logger.Info("listening for jobs", "topic", cfg.NATS.Topic, "subscription", cfg.NATS.Subscription)

	if err := consumer.Run(ctx); err != nil {
		fatal(logger, "consumer stopped", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

