// Package main is the entrypoint for the QuillForge API server.
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

	"github.com/rohandixit/quillforge/internal/api"
	"github.com/rohandixit/quillforge/internal/api/handler"
	mw "github.com/rohandixit/quillforge/internal/api/middleware"
	"github.com/rohandixit/quillforge/internal/api/response"
	"github.com/rohandixit/quillforge/internal/cache"
	"github.com/rohandixit/quillforge/internal/capability"
	"github.com/rohandixit/quillforge/internal/config"
	"github.com/rohandixit/quillforge/internal/ledger"
	"github.com/rohandixit/quillforge/internal/pipeline"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/internal/sweeper"
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
	slog.Info("config loaded", "capability_provider", cfg.Capability.Provider, "env", cfg.Server.Env)

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

	// 5. Create generation capability
	gen, err := capability.NewCapability(cfg.Capability)
	if err != nil {
		return fmt.Errorf("create capability: %w", err)
	}
	slog.Info("capability initialized", "provider", gen.Name())

	// 6. Create store, ledger, and pipeline
	pgStore := store.NewPostgresStore(pool)
	quotaLedger := ledger.New(pgStore, cfg.Quota.ReserveAmount, cfg.Quota.ReservationTTL)

	spec, err := pipeline.LoadSpec(cfg.Pipeline.SpecPath)
	if err != nil {
		return fmt.Errorf("load pipeline spec: %w", err)
	}

	runner := pipeline.NewStageRunner(gen, cfg.Pipeline.StageTimeout,
		cfg.Pipeline.StageMaxRetries, cfg.Pipeline.StageRetryBackoff)
	orch := pipeline.NewOrchestrator(pgStore, quotaLedger, runner, redisCache, spec)

	// 7. Start the reconciliation sweeper
	sw := sweeper.New(quotaLedger, cfg.Sweeper.Interval, cfg.Sweeper.OlderThan)
	go sw.Start()
	defer sw.Stop()

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		SubmitHandler:    handler.NewSubmitHandler(orch),
		JobStatusHandler: handler.NewJobStatusHandler(pgStore, redisCache),
		ResumeHandler:    handler.NewResumeHandler(orch),
		CancelHandler:    handler.NewCancelHandler(orch),

		QuotaHandler: handler.NewQuotaHandler(quotaLedger, redisCache),

		ReconcileHandler: handler.NewReconcileHandler(sw),
		TopupHandler:     handler.NewTopupHandler(quotaLedger),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
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

	// Graceful shutdown with timeout: stop accepting requests, then let
	// in-flight pipeline runs checkpoint and exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("pipeline shutdown incomplete; unfinished jobs remain resumable", "error", err)
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
