package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/app"
	"github.com/boddenberg/card-usage-reports/internal/config"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "card-usage-reports")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("civil_offset", cfg.CivilUTCOffset),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Bool("scheduler_enabled", cfg.SchedulerEnabled),
		zap.Int("max_recalc_days", cfg.MaxRecalcDays),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "card-usage-reports")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Engine ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer engine.Close()

	// --- Scheduler ---
	if cfg.SchedulerEnabled {
		sched, err := engine.Scheduler()
		if err != nil {
			logger.Fatal("failed to build scheduler", zap.Error(err))
		}
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("scheduler started",
			zap.String("delivery_sweep_at", cfg.DeliverySweepAt),
			zap.String("recalc_at", cfg.RecalcAt),
		)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // recalculations run inline
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
