// Package main is the entrypoint for the cleanwave pipeline API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cleanwave/pipeline/internal/api"
	"github.com/cleanwave/pipeline/internal/api/handler"
	mw "github.com/cleanwave/pipeline/internal/api/middleware"
	"github.com/cleanwave/pipeline/internal/api/response"
	"github.com/cleanwave/pipeline/internal/artifacts"
	"github.com/cleanwave/pipeline/internal/cache"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/config"
	"github.com/cleanwave/pipeline/internal/engine"
	"github.com/cleanwave/pipeline/internal/events"
	"github.com/cleanwave/pipeline/internal/executor"
	"github.com/cleanwave/pipeline/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"executor", cfg.Executor.Mode,
		"artifacts", cfg.Artifacts.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Stage catalog
	cat, err := buildCatalog(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}

	// 3. Job store
	jobStore, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Event fan-out
	hub := events.NewHub(slog.Default())
	var publisher events.Publisher = hub
	if cfg.Events.Relay == "redis" {
		relay := events.NewRedisRelay(redisCache.Client(), hub, slog.Default())
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				slog.Error("event relay stopped", "error", err)
			}
		}()
		slog.Info("redis event relay enabled")
	}

	// 6. Stage executors and artifact storage
	executors, err := executor.NewExecutors(cfg.Executor, cat)
	if err != nil {
		return fmt.Errorf("create executors: %w", err)
	}
	artifactStore, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	// 7. Engine
	eng, err := engine.New(engine.Options{
		Catalog:        cat,
		Executors:      executors,
		Store:          jobStore,
		Publisher:      publisher,
		Counter:        redisCache,
		Artifacts:      artifactStore,
		Logger:         slog.Default(),
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryDelay:     cfg.Pipeline.RetryDelay,
		RetryBackoff:   cfg.Pipeline.RetryBackoff,
		MaxRetryDelay:  cfg.Pipeline.MaxRetryDelay,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		JobTTL:         cfg.Pipeline.JobTTL,
		DisabledStages: cfg.Pipeline.DisabledStages,
		MaxFileSize:    int64(cfg.Server.MaxFileSizeMB) * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if _, err := eng.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}
	go eng.RunSweeper(ctx, cfg.Pipeline.SweepInterval)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Payment.KeyHashes),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:      healthHandler(jobStore, redisCache),
		CatalogHandler:     handler.NewCatalogHandler(cat),
		StatsHandler:       handler.NewStatsHandler(redisCache, hub, nil),
		SubmitJobHandler:   handler.NewSubmitJobHandler(eng),
		GetJobHandler:      handler.NewGetJobHandler(eng),
		CancelJobHandler:   handler.NewCancelJobHandler(eng),
		DownloadHandler:    handler.NewDownloadHandler(eng),
		EntitlementHandler: handler.NewEntitlementHandler(eng),
		WebSocketHandler:   handler.NewWebSocketHandler(hub, eng),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket connections are long lived.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildCatalog returns the default catalog unless PIPELINE_STAGES overrides it.
func buildCatalog(cfg config.PipelineConfig) (*catalog.Catalog, error) {
	if cfg.Stages == "" {
		return catalog.Default(), nil
	}
	return catalog.Parse(cfg.Stages)
}

// openStore connects the configured job store and returns its cleanup func.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == config.StoreDriverMemory {
		slog.Warn("using in-memory job store, jobs are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
