// Package main provides the eventcore ingestion daemon: job queue, worker
// loop, progress bridge, websocket hub and HTTP API in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/communiday/eventcore-go/internal/cache"
	"github.com/communiday/eventcore-go/internal/config"
	"github.com/communiday/eventcore-go/internal/db"
	"github.com/communiday/eventcore-go/internal/embedding"
	"github.com/communiday/eventcore-go/internal/extract"
	"github.com/communiday/eventcore-go/internal/geo"
	"github.com/communiday/eventcore-go/internal/handlers"
	"github.com/communiday/eventcore-go/internal/httpapi"
	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/progress"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/realtime"
	"github.com/communiday/eventcore-go/internal/similarity"
	"github.com/communiday/eventcore-go/internal/store"
	"github.com/communiday/eventcore-go/internal/worker"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all event data on startup (testing only)")
	flag.Parse()

	// Optional .env for local development
	_ = godotenv.Load()

	cfg := config.Load()

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("eventcore starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"surrealdb_url", cfg.SurrealDBURL,
		"embedding_model", cfg.EmbedModel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Job store: Redis when configured, in-process otherwise
	var st store.Store
	if cfg.RedisAddr != "" {
		redisStore, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		st = redisStore
		logger.Info("using redis job store", "addr", cfg.RedisAddr)
	} else {
		st = store.NewMemory()
		logger.Warn("no redis address configured, using in-process job store")
	}

	m := metrics.New()

	cacheSvc := cache.New(st, cache.Config{
		MemoryCapacity: cfg.CacheCapacity,
		DefaultTTL:     cfg.CacheTTL,
		Metrics:        m,
		Logger:         logger,
	})
	monitor := cache.NewMonitor(cacheSvc, 30*time.Second, cfg.CacheHeapBudget, logger)
	go monitor.Run(ctx)

	// Event database
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing database connection")
		_ = dbClient.Close(ctx)
	}()

	if err := dbClient.InitSchema(ctx, cfg.EmbedDimension); err != nil {
		logger.Error("failed to initialize database schema", "error", err)
		os.Exit(1)
	}

	if *wipeDB || os.Getenv("EVENTCORE_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
		logger.Warn("wiped all event data")
	}

	// Embedder, read through the cache
	baseEmbedder, err := embedding.New(embedding.Config{
		Provider:     embedding.ProviderType(cfg.EmbedProvider),
		Model:        cfg.EmbedModel,
		Dimension:    cfg.EmbedDimension,
		OllamaHost:   cfg.OllamaHost,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	}, logger)
	if err != nil {
		logger.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	embedder := embedding.NewCached(baseEmbedder, cacheSvc)
	logger.Info("embedder initialized", "model", embedder.Model(), "dimension", embedder.Dimension())

	extractor, err := extract.New(extract.Config{
		Provider:     extract.ProviderType(cfg.LLMProvider),
		Model:        cfg.LLMModel,
		OllamaHost:   cfg.OllamaHost,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	}, logger)
	if err != nil {
		logger.Error("failed to create extractor", "error", err)
		os.Exit(1)
	}

	geocoder := geo.New(cfg.GeocoderURL, cacheSvc, logger)

	// Queue, realtime hub, progress bridge
	q := queue.New(st, m, logger)

	hub := realtime.NewHub(m, logger)

	templates := progress.DefaultTemplates()
	if cfg.StepTemplatesPath != "" {
		templates, err = progress.LoadTemplates(cfg.StepTemplatesPath)
		if err != nil {
			logger.Error("failed to load step templates", "path", cfg.StepTemplatesPath, "error", err)
			os.Exit(1)
		}
	}

	bridge := progress.NewBridge(q, st, hub, templates, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			logger.Error("progress bridge stopped", "error", err)
		}
	}()

	// Handlers
	deps := &handlers.Deps{
		Extractor:  extractor,
		Geocoder:   geocoder,
		Embedder:   embedder,
		Events:     dbClient,
		Blobs:      q,
		Logger:     logger,
		Thresholds: similarity.DefaultThresholds(),
	}

	registry := worker.NewRegistry()
	registry.Register(queue.TypeFlyer, handlers.NewFlyer(deps))
	registry.Register(queue.TypePrivateEvent, handlers.NewPrivateEvent(deps))
	registry.Register(queue.TypeCivicReport, handlers.NewCivicReport(deps))
	registry.Register(queue.TypeCleanup, handlers.NewCleanup(q, bridge, dbClient, cfg.RetentionMaxAge, logger))

	loop := worker.New(q, registry, worker.Config{
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.Concurrency,
		JobTimeout:   cfg.JobTimeout,
	}, m, logger)
	go loop.Run(ctx)

	// Scheduled retention sweep
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.RetentionSchedule, func() {
		id, err := q.Enqueue(ctx, queue.TypeCleanup, handlers.CleanupPayload{})
		if err != nil {
			logger.Error("failed to enqueue retention sweep", "error", err)
			return
		}
		logger.Info("enqueued retention sweep", "job_id", id)
	})
	if err != nil {
		logger.Error("invalid retention schedule", "schedule", cfg.RetentionSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP API
	api := httpapi.New(q, bridge, hub, m, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("realtime hub shutdown", "error", err)
	}

	logger.Info("server stopped")
}
