// Package main is the entrypoint for the gpubatch API server.
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

	"github.com/jonboulle/clockwork"

	"github.com/kiranshivaraju/gpubatch/internal/api"
	"github.com/kiranshivaraju/gpubatch/internal/api/handler"
	mw "github.com/kiranshivaraju/gpubatch/internal/api/middleware"
	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/internal/batch"
	"github.com/kiranshivaraju/gpubatch/internal/cache"
	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/cost"
	"github.com/kiranshivaraju/gpubatch/internal/executor"
	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/internal/notify"
	"github.com/kiranshivaraju/gpubatch/internal/provider"
	"github.com/kiranshivaraju/gpubatch/internal/resource"
	"github.com/kiranshivaraju/gpubatch/internal/store"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
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
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "providers", cfg.Providers.Enabled, "env", cfg.Server.Env)

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
	publisher := notify.NewPublisher(redisCache.Client())

	// 5. GPU providers
	adapters, err := provider.NewAdapters(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create GPU providers: %w", err)
	}
	providers := provider.NewManager(adapters, cfg.Providers.OfferCacheTTL)
	slog.Info("GPU providers initialized", "providers", providers.Providers())

	// 6. Costs and resources
	pgStore := store.NewPostgresStore(pool)
	clock := clockwork.NewRealClock()

	tracker := cost.NewTracker(pgStore, cfg.Cost, clock)
	tracker.OnAlert(func(a models.CostAlert) {
		slog.Warn("daily cost threshold reached",
			"user_id", a.UserID, "day", a.Day, "total_cost", a.TotalCost, "threshold", a.Threshold)
	})

	resources := resource.NewManager(providers, tracker, cfg.Resources, clock)
	tracker.UseRunningSource(resources)
	resources.Start(ctx)
	defer resources.Stop()

	// 7. Batch scheduler
	scheduler := batch.NewScheduler(pgStore, executor.NewClient(cfg.Executor), cfg.Scheduler,
		batch.WithResources(resources),
		batch.WithProgressSinks(redisCache, publisher),
		batch.WithClock(clock),
	)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: metrics.Handler(),

		SubmitHandler:   handler.NewSubmitHandler(scheduler),
		StatusHandler:   handler.NewStatusHandler(scheduler),
		ProgressHandler: handler.NewProgressHandler(scheduler, redisCache, publisher),
		CancelHandler:   handler.NewCancelHandler(scheduler),
		StatsHandler:    handler.NewStatsHandler(scheduler),

		CostSummaryHandler:  handler.NewCostSummaryHandler(tracker),
		RunningCostsHandler: handler.NewRunningCostsHandler(tracker),

		AllocationsHandler:     handler.NewAllocationsHandler(resources),
		RecommendationsHandler: handler.NewRecommendationsHandler(resources),
		DeallocateHandler:      handler.NewDeallocateHandler(resources),
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

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// deferred: scheduler stops first so in-flight jobs are requeued, then
	// the resource loops, then the connections
	slog.Info("server stopped gracefully")
	return nil
}

// Pinger is implemented by every backing service the health check covers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
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
