package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/lock"
	"github.com/boddenberg/card-usage-reports/internal/infra/memstore"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"go.uber.org/zap"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := calendar.ParseOffset("+09:00")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestNextRun(t *testing.T) {
	loc := tokyo(t)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", time.Date(2024, 1, 10, 3, 0, 0, 0, loc), time.Date(2024, 1, 10, 4, 0, 0, 0, loc)},
		{"exactly now rolls over", time.Date(2024, 1, 10, 4, 0, 0, 0, loc), time.Date(2024, 1, 11, 4, 0, 0, 0, loc)},
		{"after today", time.Date(2024, 1, 31, 23, 0, 0, 0, loc), time.Date(2024, 2, 1, 4, 0, 0, 0, loc)},
		// 18:30 UTC on the 9th is 03:30 on the 10th in the civil zone.
		{"utc input", time.Date(2024, 1, 9, 18, 30, 0, 0, time.UTC), time.Date(2024, 1, 10, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, 4, 0, loc)
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocalLocker()
	s := New(tokyo(t), locker, zap.NewNop())

	var runs atomic.Int32
	job := Job{Name: "recalculation", LockTTL: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	held, err := locker.Obtain(ctx, "recalculation", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if s.RunOnce(ctx, job) {
		t.Error("expected run to be skipped while locked")
	}
	held.Release(ctx)

	if !s.RunOnce(ctx, job) {
		t.Error("expected run after release")
	}
	if runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", runs.Load())
	}
	// The lock is released after the run.
	if !s.RunOnce(ctx, job) {
		t.Error("expected lock to be released after previous run")
	}
}

func TestStartStop_FiresDueJob(t *testing.T) {
	loc := tokyo(t)
	s := New(loc, lock.NewLocalLocker(), zap.NewNop())
	// Pretend it is one millisecond before the fire time.
	fire := time.Date(2024, 1, 10, 9, 0, 0, 0, loc)
	var calls atomic.Int32
	s.now = func() time.Time {
		if calls.Add(1) == 1 {
			return fire.Add(-time.Millisecond)
		}
		return fire.Add(time.Hour)
	}

	done := make(chan struct{}, 1)
	s.Add(Job{Name: "delivery-sweep", Hour: 9, Run: func(context.Context) error {
		done <- struct{}{}
		return nil
	}})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
}

type fakeRecalc struct {
	got domain.RecalcRequest
	res *domain.RecalcResult
}

func (f *fakeRecalc) Recalculate(_ context.Context, req domain.RecalcRequest) (*domain.RecalcResult, error) {
	f.got = req
	return f.res, nil
}

func TestPriorDayRecalcJob(t *testing.T) {
	calc, _ := calendar.NewWithOffset("+09:00")
	// 2024-03-01 01:00 civil time is still 2024-02-29 in UTC.
	now := func() time.Time { return time.Date(2024, 2, 29, 16, 0, 0, 0, time.UTC) }

	fake := &fakeRecalc{res: &domain.RecalcResult{Success: true}}
	job := PriorDayRecalcJob(4, 0, fake, calc, now)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fake.got.StartDate != "2024-02-29" || fake.got.EndDate != "2024-02-29" {
		t.Errorf("unexpected range %s..%s", fake.got.StartDate, fake.got.EndDate)
	}
	if fake.got.Actor != domain.ActorScheduledRecalc {
		t.Errorf("unexpected actor %q", fake.got.Actor)
	}

	fake.res = &domain.RecalcResult{Success: false, Errors: []domain.BucketError{{Bucket: "daily:2024-02-29"}}}
	if err := job.Run(context.Background()); err == nil {
		t.Error("expected failure outcome to surface as error")
	}
}

func TestPriorDayRecalcJob_KeepsWeekAndMonthToDate(t *testing.T) {
	ctx := context.Background()
	calc, _ := calendar.NewWithOffset("+09:00")
	store := memstore.New()
	metrics := observability.NewMetrics()
	explorer := service.NewExplorer(store, calc, 2, metrics, zap.NewNop())
	recalc := service.NewRecalculator(explorer, store, calc, metrics, zap.NewNop())

	seed := func(day int, seq string, amount int64) {
		at := calc.Date(2024, 1, day).Add(12 * time.Hour)
		key := bucket.RecordKeyFor(calc.At(at), seq)
		if err := store.Set(ctx, bucket.RecordPath(key), map[string]any{
			"amount": amount, "datetime": at.Format(time.RFC3339), "active": true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed(2, "a", 4000) // term1
	seed(8, "b", 1000) // term2
	seed(9, "c", 2000) // term2

	if _, err := recalc.Recalculate(ctx, domain.RecalcRequest{StartDate: "2024-01-01", EndDate: "2024-01-31"}); err != nil {
		t.Fatal(err)
	}
	seed(9, "d", 500)

	// 04:00 on 2024-01-10 civil time recalculates the 9th.
	now := func() time.Time { return calc.Date(2024, 1, 10).Add(4 * time.Hour) }
	if err := PriorDayRecalcJob(4, 0, recalc, calc, now).Run(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	totals := func(ref bucket.Ref) domain.Totals {
		t.Helper()
		var agg domain.MonthlyAggregate
		found, err := store.Get(ctx, ref.Path(), &agg)
		if err != nil || !found {
			t.Fatalf("%s: found=%v err=%v", ref, found, err)
		}
		return agg.Totals
	}

	week := totals(bucket.Ref{Granularity: domain.GranularityWeekly, Year: 2024, Month: 1, Week: "term2"})
	if week.TotalAmount != 3500 || week.TotalCount != 3 {
		t.Errorf("expected week-to-date 3500/3, got %d/%d", week.TotalAmount, week.TotalCount)
	}
	month := totals(bucket.Ref{Granularity: domain.GranularityMonthly, Year: 2024, Month: 1})
	if month.TotalAmount != 7500 || month.TotalCount != 4 {
		t.Errorf("expected month-to-date 7500/4, got %d/%d", month.TotalAmount, month.TotalCount)
	}
	day := totals(bucket.Ref{Granularity: domain.GranularityDaily, Year: 2024, Month: 1, Day: 9})
	if day.TotalAmount != 2500 {
		t.Errorf("expected the 9th to pick up the late record, got %d", day.TotalAmount)
	}
}

type fakeSweeper struct{ err error }

func (f fakeSweeper) Sweep(context.Context, time.Time) (*domain.SweepResult, error) {
	return &domain.SweepResult{TargetDate: "2024-01-09"}, f.err
}

func TestSweepJob_PropagatesError(t *testing.T) {
	job := SweepJob(9, 0, fakeSweeper{err: errors.New("store down")}, time.Now)
	if err := job.Run(context.Background()); err == nil {
		t.Error("expected error")
	}
}
