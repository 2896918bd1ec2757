// Package app wires configuration into a running engine: the document store
// backend, the notification transport, the run locker, the services and the
// HTTP router. The server and the operator CLI build the same App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/config"
	"github.com/boddenberg/card-usage-reports/internal/handler"
	"github.com/boddenberg/card-usage-reports/internal/infra/cache"
	"github.com/boddenberg/card-usage-reports/internal/infra/firebase"
	"github.com/boddenberg/card-usage-reports/internal/infra/lock"
	"github.com/boddenberg/card-usage-reports/internal/infra/memstore"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/infra/resilience"
	"github.com/boddenberg/card-usage-reports/internal/infra/sqlitestore"
	"github.com/boddenberg/card-usage-reports/internal/infra/webhook"
	"github.com/boddenberg/card-usage-reports/internal/port"
	"github.com/boddenberg/card-usage-reports/internal/scheduler"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"go.uber.org/zap"
)

// App holds the wired engine.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Calendar calendar.Calculator
	Store    port.DocumentStore
	Locker   port.RunLocker

	Explorer     *service.Explorer
	Aggregator   *service.Aggregator
	Recalculator *service.Recalculator
	Repairer     *service.Repairer
	Sweeper      *service.DeliverySweeper
	Reports      *service.Reports

	closers []func() error
}

// New validates cfg and builds every component. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calc, err := calendar.NewWithOffset(cfg.CivilUTCOffset)
	if err != nil {
		return nil, err
	}
	weekly, err := service.NewThresholdEvaluator("WEEKLY_THRESHOLDS", levels(cfg.WeeklyThresholds))
	if err != nil {
		return nil, err
	}
	monthly, err := service.NewThresholdEvaluator("MONTHLY_THRESHOLDS", levels(cfg.MonthlyThresholds))
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  observability.NewMetrics(),
		Calendar: calc,
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Store ---
	if err := a.openStore(httpClient, resilienceCfg); err != nil {
		return nil, err
	}

	// --- Run lock ---
	if cfg.RedisAddr != "" {
		locker, rdb, err := lock.Dial(ctx, cfg.RedisAddr, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Locker = locker
		a.closers = append(a.closers, rdb.Close)
		logger.Info("run lock: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		a.Locker = lock.NewLocalLocker()
		logger.Info("run lock: in-process")
	}

	// --- Notifications ---
	channels := cfg.NotificationChannels()
	for ch, url := range channels {
		if url == "" {
			logger.Warn("notification channel disabled", zap.String("channel", string(ch)))
		}
	}
	notifier := webhook.NewNotifier(httpClient, channels, resilience.NewCircuitBreaker("webhooks"), resilienceCfg, logger)

	// --- Services ---
	a.Explorer = service.NewExplorer(a.Store, calc, cfg.MaxConcurrency, a.Metrics, logger)
	a.Aggregator = service.NewAggregator(a.Store, calc, weekly, monthly, notifier, a.Metrics, logger)
	a.Recalculator = service.NewRecalculator(a.Explorer, a.Store, calc, a.Metrics, logger)
	a.Repairer = service.NewRepairer(a.Explorer, a.Store, calc, a.Metrics, logger)
	a.Sweeper = service.NewDeliverySweeper(a.Store, calc, notifier, a.Metrics, logger)
	a.Reports = service.NewReports(a.Store)

	return a, nil
}

func (a *App) openStore(httpClient *http.Client, resilienceCfg resilience.Config) error {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendFirebase:
		a.Logger.Info("store: firebase realtime database", zap.String("url", cfg.FirebaseDatabaseURL))
		a.Store = firebase.NewClient(
			httpClient,
			cfg.FirebaseDatabaseURL,
			cfg.FirebaseAuthToken,
			resilience.NewCircuitBreaker("firebase"),
			resilienceCfg,
			a.Logger,
		)
	case config.BackendSQLite:
		a.Logger.Info("store: sqlite", zap.String("path", cfg.SQLitePath))
		db, err := sqlitestore.New(cfg.SQLitePath, a.Logger)
		if err != nil {
			return err
		}
		a.Store = db
		a.closers = append(a.closers, db.Close)
	case config.BackendMemory:
		a.Logger.Warn("store: in-memory, data is lost on exit")
		a.Store = memstore.New()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	dedup := cache.New[bool](a.Config.TriggerDedupTTL)
	a.closers = append(a.closers, func() error {
		dedup.Close()
		return nil
	})

	return handler.NewRouter(handler.Deps{
		Store:          a.Store,
		Aggregator:     a.Aggregator,
		Recalculator:   a.Recalculator,
		Repairer:       a.Repairer,
		Sweeper:        a.Sweeper,
		Reports:        a.Reports,
		Dedup:          dedup,
		MaxRecalcDays:  a.Config.MaxRecalcDays,
		OperatorSecret: a.Config.OperatorJWTSecret,
	}, a.Metrics, a.Logger)
}

// Scheduler registers the delivery sweep and the prior-day recalculation.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	sweepH, sweepM, err := config.ParseClock(a.Config.DeliverySweepAt)
	if err != nil {
		return nil, err
	}
	recalcH, recalcM, err := config.ParseClock(a.Config.RecalcAt)
	if err != nil {
		return nil, err
	}
	s := scheduler.New(a.Calendar.Location(), a.Locker, a.Logger)
	s.Add(scheduler.SweepJob(sweepH, sweepM, a.Sweeper, a.Calendar.Now))
	s.Add(scheduler.PriorDayRecalcJob(recalcH, recalcM, a.Recalculator, a.Calendar, a.Calendar.Now))
	return s, nil
}

// Close releases the store and lock connections and stops the dedup janitor.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func levels(t config.Thresholds) service.Levels {
	return service.Levels{L1: t.Level1, L2: t.Level2, L3: t.Level3}
}
