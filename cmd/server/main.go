// Package main is the entrypoint for the docpipe API server. The process
// hosts the HTTP surface, the queue consumer pool, and the stalled-job sweep.
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

	"github.com/rohitvanga/docpipe/internal/api"
	"github.com/rohitvanga/docpipe/internal/api/handler"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/internal/config"
	"github.com/rohitvanga/docpipe/internal/lock"
	"github.com/rohitvanga/docpipe/internal/pipeline"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/queue"
	"github.com/rohitvanga/docpipe/internal/results"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"golang.org/x/sync/errgroup"
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
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "consumers", cfg.Pipeline.Consumers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build services
	pgStore := store.NewPostgresStore(pool)
	workerClient := worker.NewHTTPClient(cfg.Worker.BaseURL, cfg.Worker.APIToken,
		cfg.Worker.Timeout, cfg.Worker.QueryTimeout)
	tracker := progress.NewTracker(redisCache, cfg.Pipeline.ProgressTTL)
	locks := lock.NewService(redisCache, cfg.Pipeline.LockTTL)
	resultCache := results.NewService(redisCache, locks, cfg.Pipeline.ResultTTL)
	dispatcher := queue.NewDispatcher(pgStore, redisCache)
	orchestrator := pipeline.NewOrchestrator(pgStore, workerClient, tracker, resultCache,
		cfg.Pipeline.MaxAttempts)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 120)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateJobHandler:   handler.NewCreateJobHandler(pgStore, dispatcher),
		GetJobHandler:      handler.NewGetJobHandler(pgStore),
		JobCallbackHandler: handler.NewJobCallbackHandler(pgStore, tracker),
		DeleteJobHandler:   handler.NewDeleteJobHandler(pgStore, tracker),

		RegisterDocumentHandler: handler.NewRegisterDocumentHandler(pgStore, dispatcher),
		DocumentProgressHandler: handler.NewDocumentProgressHandler(pgStore, tracker),
		RetryDocumentHandler:    handler.NewRetryDocumentHandler(pgStore, dispatcher),
		GenerateRisksHandler:    handler.NewGenerateRisksHandler(pgStore, resultCache, workerClient),
		ListArtifactsHandler:    handler.NewListArtifactsHandler(pgStore),
		DownloadArtifactHandler: handler.NewDownloadArtifactHandler(pgStore, workerClient),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server, consumers, and sweep under one group
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	for i := 0; i < cfg.Pipeline.Consumers; i++ {
		consumer := pipeline.NewConsumer(dispatcher, orchestrator)
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Pipeline.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				olderThan := time.Now().UTC().Add(-cfg.Pipeline.StallThreshold)
				if _, err := dispatcher.RequeueStalled(gctx, olderThan); err != nil {
					slog.Error("stalled job sweep failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
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
