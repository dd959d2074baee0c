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

	"github.com/kiranshivaraju/gencoord/internal/api"
	"github.com/kiranshivaraju/gencoord/internal/api/handler"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/pricing"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/provider/fal"
	"github.com/kiranshivaraju/gencoord/internal/provider/replicate"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func run(migrationsDir string) error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "default_provider", cfg.Providers.Default, "env", cfg.Server.Env)
	if cfg.Server.PublicBaseURL == "" {
		slog.Warn("PUBLIC_BASE_URL not set, providers cannot reach webhooks and jobs complete by polling only")
	}

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
	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
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

	// 5. Create provider adapters
	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}
	slog.Info("providers initialized", "providers", providers.Names())

	// 6. Create store, push channel and metrics
	pgStore := store.NewPostgresStore(pool)

	hub := push.NewHub()
	defer hub.Close()
	bridge := push.NewRedisBridge(redisCache.Client(), hub)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("push bridge stopped", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	var metrics *coordinator.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			store.NewPoolCollector(pool),
		)
		metrics = coordinator.NewMetrics(reg)
	}

	// 7. Create coordinator and start the reconciler
	catalog := pricing.DefaultCatalog()
	coord := coordinator.New(coordinator.Options{
		Store:           pgStore,
		Providers:       providers,
		Pricing:         catalog,
		Cache:           redisCache,
		Publisher:       bridge,
		Metrics:         metrics,
		Config:          cfg.Coordinator,
		DefaultProvider: cfg.Providers.Default,
		PublicBaseURL:   cfg.Server.PublicBaseURL,
	})
	go coord.RunReconciler(ctx)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:            mw.NewAuth(pgStore),
		RateLimit:       mw.NewRateLimit(redisCache, mw.BudgetAPI, cfg.Server.RateLimit),
		SubmitRateLimit: mw.NewRateLimit(redisCache, mw.BudgetSubmit, cfg.Server.SubmitRateLimit),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		SubmitJobHandler: handler.NewSubmitJobHandler(coord),
		GetJobHandler:    handler.NewGetJobHandler(coord),
		JobStatusHandler: handler.NewJobStatusHandler(coord),
		ListJobsHandler:  handler.NewListJobsHandler(coord),
		StreamHandler:    handler.NewStreamHandler(coord, hub, catalog),
		WebhookHandler:   handler.NewWebhookHandler(providers, coord),

		GetCreditsHandler:       handler.NewGetCreditsHandler(pgStore),
		ListTransactionsHandler: handler.NewListTransactionsHandler(pgStore),

		TopUpHandler:              handler.NewTopUpHandler(pgStore),
		ListReconciliationHandler: handler.NewListReconciliationHandler(coord),
		RunReconciliationHandler:  handler.NewRunReconciliationHandler(coord),
		CreateKeyHandler:          handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:           handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:          handler.NewRevokeKeyHandler(pgStore),
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
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

	// Sessions end their event streams, which lets Shutdown finish.
	coord.CloseAll()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildProviders registers every adapter that has credentials configured.
func buildProviders(cfg config.ProvidersConfig) (*provider.Registry, error) {
	var adapters []models.ProviderAdapter
	if cfg.Replicate.APIToken != "" {
		adapters = append(adapters, replicate.NewProvider(cfg.Replicate, cfg.Timeout))
	}
	if cfg.Fal.APIKey != "" {
		adapters = append(adapters, fal.NewProvider(cfg.Fal, cfg.Timeout))
	}
	registry := provider.NewRegistry(adapters...)
	if !registry.Has(cfg.Default) {
		return nil, fmt.Errorf("%w: default provider %q has no credentials", provider.ErrUnknownProvider, cfg.Default)
	}
	return registry, nil
}
