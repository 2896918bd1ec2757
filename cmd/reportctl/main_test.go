package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/app"
	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/config"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(t *testing.T) *app.App {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MAX_RECALC_DAYS", "31")
	engine, err := app.New(context.Background(), config.Load(), zap.NewNop())
	require.NoError(t, err)
	return engine
}

func seed(t *testing.T, engine *app.App, day int, seq string, amount int64) domain.RecordKey {
	t.Helper()
	at := engine.Calendar.Date(2024, 1, day).Add(12 * time.Hour)
	key := bucket.RecordKeyFor(engine.Calendar.At(at), seq)
	require.NoError(t, engine.Store.Set(context.Background(), bucket.RecordPath(key), map[string]any{
		"amount": amount, "datetime": at.Format(time.RFC3339), "active": true,
	}))
	return key
}

func run(t *testing.T, engine *app.App, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(context.Context) (*app.App, error) { return engine, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRecalc(t *testing.T) {
	engine := newEngine(t)
	seed(t, engine, 3, "a", 1200)
	seed(t, engine, 4, "b", 800)

	out, err := run(t, engine, "recalc", "2024-01-01", "2024-01-07", "--executor=carol", "--types=daily,monthly")
	require.NoError(t, err)

	var res domain.RecalcResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "manual-recalculation:carol", res.Actor)
	assert.Equal(t, []domain.Granularity{domain.GranularityDaily, domain.GranularityMonthly}, res.ProcessedTypes)

	var monthly domain.MonthlyAggregate
	found, err := engine.Store.Get(context.Background(), "reports/monthly/2024/01", &monthly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2000), monthly.TotalAmount)
}

func TestRecalc_ValidationFails(t *testing.T) {
	engine := newEngine(t)

	for _, args := range [][]string{
		{"recalc", "2024-01-10", "2024-01-01"},
		{"recalc", "2024-01-01", "2024-03-01"},
		{"recalc", "2024-01-01", "2024-01-02", "--types=hourly"},
		{"recalc", "2024-01-01"},
	} {
		_, err := run(t, engine, args...)
		assert.Error(t, err, args)
	}
}

func TestRecalc_MajorityFailureExitsNonZero(t *testing.T) {
	engine := newEngine(t)
	seed(t, engine, 3, "a", 1200)
	engine.Store.(*memstore.Memory).InjectFault(memstore.OpTransact, "reports", errors.New("unavailable"))

	out, err := run(t, engine, "recalc", "2024-01-01", "2024-01-07")
	require.ErrorIs(t, err, errRunFailed)

	var res domain.RecalcResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
}

func TestResumPruneAndDelete(t *testing.T) {
	engine := newEngine(t)
	key := seed(t, engine, 10, "a", 1200)
	seed(t, engine, 10, "b", 300)
	_, err := run(t, engine, "recalc", "2024-01-10", "2024-01-10")
	require.NoError(t, err)

	out, err := run(t, engine, "resum", "daily", "2024", "1", "10")
	require.NoError(t, err)
	var resum domain.ResumResult
	require.NoError(t, json.Unmarshal([]byte(out), &resum))
	assert.False(t, resum.Changed)

	out, err = run(t, engine, "prune", "weekly", "2024", "1", "term2")
	require.NoError(t, err)
	var prune domain.PruneResult
	require.NoError(t, json.Unmarshal([]byte(out), &prune))
	assert.Empty(t, prune.RemovedMemberIDs)
	assert.False(t, prune.Applied)

	out, err = run(t, engine, "delete-record", "2024", "1", key.Week, "10", "a")
	require.NoError(t, err)
	var del domain.DeleteRecordResult
	require.NoError(t, json.Unmarshal([]byte(out), &del))
	assert.Len(t, del.Pruned, 3)

	var daily domain.DailyAggregate
	_, err = engine.Store.Get(context.Background(), "reports/daily/2024-01/10", &daily)
	require.NoError(t, err)
	assert.Equal(t, int64(300), daily.TotalAmount)
}

func TestRefArguments(t *testing.T) {
	engine := newEngine(t)

	for _, args := range [][]string{
		{"resum", "daily", "2024", "1"},
		{"resum", "hourly", "2024", "1", "1"},
		{"prune", "weekly", "2024", "2", "term6"},
		{"delete-record", "2024", "x", "term1", "1", "a"},
	} {
		_, err := run(t, engine, args...)
		var v *domain.ErrValidation
		assert.ErrorAs(t, err, &v, args)
	}

	_, err := run(t, engine, "resum", "monthly", "2024", "1")
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
