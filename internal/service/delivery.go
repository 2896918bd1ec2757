package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeliverySweeper sends the summaries of the previous civil day: the daily
// report always, the weekly report when that day closed a week, the monthly
// report when it closed a month. Each report is sent at most once, tracked
// by its delivery flag.
type DeliverySweeper struct {
	store    port.DocumentStore
	calc     calendar.Calculator
	notifier port.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewDeliverySweeper creates the sweeper.
func NewDeliverySweeper(store port.DocumentStore, calc calendar.Calculator, notifier port.Notifier, metrics *observability.Metrics, logger *zap.Logger) *DeliverySweeper {
	return &DeliverySweeper{
		store:    store,
		calc:     calc,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

type delivery struct {
	ref     bucket.Ref
	channel domain.Channel
	flag    string
}

// Sweep delivers the reports due for the civil day before now.
func (d *DeliverySweeper) Sweep(ctx context.Context, now time.Time) (*domain.SweepResult, error) {
	ctx, span := tracer.Start(ctx, "DeliverySweeper.Sweep")
	defer span.End()

	today := d.calc.At(now)
	target := d.calc.At(d.calc.Date(today.Year, today.Month, today.Day).AddDate(0, 0, -1))
	keys := bucket.KeysFor(target)

	jobs := []delivery{{ref: keys.Daily, channel: domain.ChannelDaily, flag: "notifiedForDelivery"}}
	if target.IsLastDayOfWeek {
		jobs = append(jobs, delivery{ref: keys.Weekly, channel: domain.ChannelWeekly, flag: "reportDelivered"})
	}
	if target.IsLastDayOfMonth {
		jobs = append(jobs, delivery{ref: keys.Monthly, channel: domain.ChannelMonthly, flag: "reportDelivered"})
	}

	res := &domain.SweepResult{TargetDate: target.Date(), Delivered: []string{}, Skipped: []string{}}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			sent, err := d.deliver(gCtx, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors = append(res.Errors, domain.BucketError{
					Granularity: job.ref.Granularity,
					Bucket:      job.ref.String(),
					Message:     err.Error(),
				})
			case sent:
				res.Delivered = append(res.Delivered, job.ref.String())
			default:
				res.Skipped = append(res.Skipped, job.ref.String())
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Strings(res.Delivered)
	sort.Strings(res.Skipped)
	d.logger.Info("delivery sweep finished",
		zap.String("target_date", res.TargetDate),
		zap.Strings("delivered", res.Delivered),
		zap.Strings("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// deliver sends one report unless it is absent or already delivered.
func (d *DeliverySweeper) deliver(ctx context.Context, job delivery) (bool, error) {
	agg, found, err := loadAggregate(ctx, d.store, job.ref)
	if err != nil {
		return false, withBucket("deliver", job.ref, func() error { return err })
	}
	if !found || delivered(agg) {
		return false, nil
	}

	if err := d.notifier.Notify(ctx, summary(job, agg)); err != nil {
		d.metrics.IncrNotification(job.channel, "error")
		d.logger.Warn("summary delivery failed", zap.String("bucket", job.ref.String()), zap.Error(err))
		return false, withBucket("deliver", job.ref, func() error { return err })
	}
	d.metrics.IncrNotification(job.channel, "sent")

	if err := d.store.Update(ctx, job.ref.Path(), map[string]any{job.flag: true}); err != nil {
		d.metrics.IncrStoreError("update")
		return true, withBucket("mark delivered", job.ref, func() error { return err })
	}
	return true, nil
}

func delivered(agg domain.Aggregate) bool {
	switch a := agg.(type) {
	case *domain.DailyAggregate:
		return a.NotifiedForDelivery
	case *domain.WeeklyAggregate:
		return a.ReportDelivered
	case *domain.MonthlyAggregate:
		return a.ReportDelivered
	}
	return false
}

func summary(job delivery, agg domain.Aggregate) domain.Notification {
	t := agg.TotalsRef()
	n := domain.Notification{Channel: job.channel, Amount: t.TotalAmount, Count: t.TotalCount}
	switch a := agg.(type) {
	case *domain.DailyAggregate:
		n.Title = fmt.Sprintf("Daily card usage %s", a.Day)
	case *domain.WeeklyAggregate:
		n.Title = fmt.Sprintf("Weekly card usage %d-%s %s", job.ref.Year, bucket.Pad2(job.ref.Month), job.ref.Week)
		n.Lines = []string{fmt.Sprintf("%s ~ %s", a.WeekStart, a.WeekEnd)}
	case *domain.MonthlyAggregate:
		n.Title = fmt.Sprintf("Monthly card usage %d-%s", job.ref.Year, bucket.Pad2(job.ref.Month))
		n.Lines = []string{fmt.Sprintf("%s ~ %s", a.MonthStart, a.MonthEnd)}
	}
	return n
}
