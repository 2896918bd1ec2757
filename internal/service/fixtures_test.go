package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/memstore"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Mocks ---

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) channels() []domain.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Channel, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Channel
	}
	return out
}

var errBoom = errors.New("boom")

// --- Environment ---

type env struct {
	store      *memstore.Memory
	calc       calendar.Calculator
	notifier   *recordingNotifier
	metrics    *observability.Metrics
	explorer   *service.Explorer
	aggregator *service.Aggregator
	recalc     *service.Recalculator
	repairer   *service.Repairer
	sweeper    *service.DeliverySweeper
	reports    *service.Reports
}

func newEnv(t *testing.T) *env {
	t.Helper()
	calc, err := calendar.NewWithOffset("+09:00")
	require.NoError(t, err)

	weekly, err := service.NewThresholdEvaluator("WEEKLY_THRESHOLDS", service.Levels{L1: 30000, L2: 50000, L3: 70000})
	require.NoError(t, err)
	monthly, err := service.NewThresholdEvaluator("MONTHLY_THRESHOLDS", service.Levels{L1: 100000, L2: 150000, L3: 200000})
	require.NoError(t, err)

	e := &env{
		store:    memstore.New(),
		calc:     calc,
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(),
	}
	logger := zap.NewNop()
	e.explorer = service.NewExplorer(e.store, calc, 4, e.metrics, logger)
	e.aggregator = service.NewAggregator(e.store, calc, weekly, monthly, e.notifier, e.metrics, logger)
	e.recalc = service.NewRecalculator(e.explorer, e.store, calc, e.metrics, logger)
	e.repairer = service.NewRepairer(e.explorer, e.store, calc, e.metrics, logger)
	e.sweeper = service.NewDeliverySweeper(e.store, calc, e.notifier, e.metrics, logger)
	e.reports = service.NewReports(e.store)
	return e
}

// seed stores a source record on a civil date and returns it.
func (e *env) seed(t *testing.T, date string, seq string, amount int64, active bool) domain.SourceRecord {
	t.Helper()
	day, err := e.calc.ParseDate(date)
	require.NoError(t, err)
	at := day.Add(12 * time.Hour)
	key := bucket.RecordKeyFor(e.calc.At(at), seq)

	require.NoError(t, e.store.Set(context.Background(), bucket.RecordPath(key), map[string]any{
		"amount":   amount,
		"datetime": at.Format(time.RFC3339),
		"shop":     fmt.Sprintf("shop-%s", seq),
		"active":   active,
	}))
	return domain.SourceRecord{Key: key, Amount: amount, OccurredAt: at, Active: active}
}

func (e *env) daily(t *testing.T, date string) *domain.DailyAggregate {
	t.Helper()
	day, err := e.calc.ParseDate(date)
	require.NoError(t, err)
	var agg domain.DailyAggregate
	found, err := e.store.Get(context.Background(), bucket.KeysFor(e.calc.At(day)).Daily.Path(), &agg)
	require.NoError(t, err)
	if !found {
		return nil
	}
	return &agg
}

func (e *env) weekly(t *testing.T, date string) *domain.WeeklyAggregate {
	t.Helper()
	day, err := e.calc.ParseDate(date)
	require.NoError(t, err)
	var agg domain.WeeklyAggregate
	found, err := e.store.Get(context.Background(), bucket.KeysFor(e.calc.At(day)).Weekly.Path(), &agg)
	require.NoError(t, err)
	if !found {
		return nil
	}
	return &agg
}

func (e *env) monthly(t *testing.T, year, month int) *domain.MonthlyAggregate {
	t.Helper()
	ref := bucket.Ref{Granularity: domain.GranularityMonthly, Year: year, Month: month}
	var agg domain.MonthlyAggregate
	found, err := e.store.Get(context.Background(), ref.Path(), &agg)
	require.NoError(t, err)
	if !found {
		return nil
	}
	return &agg
}
