package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
)

// Sweeper is the delivery sweep the sweep job drives.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*domain.SweepResult, error)
}

// Recalculator is the batch recalculation the recalc job drives.
type Recalculator interface {
	Recalculate(ctx context.Context, req domain.RecalcRequest) (*domain.RecalcResult, error)
}

// SweepJob builds the daily delivery sweep job.
func SweepJob(hour, minute int, sweeper Sweeper, now func() time.Time) Job {
	return Job{
		Name:   "delivery-sweep",
		Hour:   hour,
		Minute: minute,
		Run: func(ctx context.Context) error {
			res, err := sweeper.Sweep(ctx, now())
			if err != nil {
				return err
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("delivery sweep for %s: %d report(s) failed", res.TargetDate, len(res.Errors))
			}
			return nil
		},
	}
}

// PriorDayRecalcJob builds the job that recalculates yesterday's civil day.
func PriorDayRecalcJob(hour, minute int, recalc Recalculator, calc calendar.Calculator, now func() time.Time) Job {
	return Job{
		Name:    "recalculation",
		Hour:    hour,
		Minute:  minute,
		LockTTL: time.Hour,
		Run: func(ctx context.Context) error {
			today := calc.At(now())
			day := calc.Date(today.Year, today.Month, today.Day).AddDate(0, 0, -1).Format(domain.DateLayout)
			res, err := recalc.Recalculate(ctx, domain.RecalcRequest{
				StartDate: day,
				EndDate:   day,
				Types:     domain.AllGranularities(),
				Actor:     domain.ActorScheduledRecalc,
			})
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("recalculation %s for %s: %d bucket error(s)", res.RunID, day, len(res.Errors))
			}
			return nil
		},
	}
}
