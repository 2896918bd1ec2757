package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Aggregator applies one newly observed source record to its daily, weekly
// and monthly aggregates. Each bucket is updated inside a store transaction
// so concurrent records on the same bucket never lose an increment.
type Aggregator struct {
	store    port.DocumentStore
	calc     calendar.Calculator
	weekly   *ThresholdEvaluator
	monthly  *ThresholdEvaluator
	notifier port.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAggregator creates the incremental aggregator with all dependencies injected.
func NewAggregator(
	store port.DocumentStore,
	calc calendar.Calculator,
	weekly, monthly *ThresholdEvaluator,
	notifier port.Notifier,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		store:    store,
		calc:     calc,
		weekly:   weekly,
		monthly:  monthly,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Apply adds rec to the aggregates of the requested granularities (all when
// empty). Inactive records and records already listed as members leave the
// aggregate untouched. The first store failure is returned; buckets updated
// before it stay updated and a retry is safe because membership is checked.
func (a *Aggregator) Apply(ctx context.Context, rec domain.SourceRecord, granularities []domain.Granularity, actor string) (*domain.ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "Aggregator.Apply")
	defer span.End()

	if err := bucket.ValidateRecordKey(rec.Key); err != nil {
		return nil, err
	}
	if len(granularities) == 0 {
		granularities = domain.AllGranularities()
	}
	if actor == "" {
		actor = domain.ActorTrigger
	}
	memberID := bucket.RecordPath(rec.Key)
	span.SetAttributes(attribute.String("record.path", memberID))

	start := time.Now()
	defer func() { a.metrics.RecordDuration("apply", time.Since(start)) }()

	result := &domain.ApplyResult{Record: rec.Key, Outcomes: make(map[domain.Granularity]domain.Outcome)}
	if !rec.Active {
		for _, g := range granularities {
			result.Outcomes[g] = domain.OutcomeSkipped
			a.metrics.IncrAggregateWrite(g, string(domain.OutcomeSkipped))
		}
		a.logger.Info("inactive record skipped", zap.String("record", memberID))
		return result, nil
	}
	a.checkWeekToken(rec)

	for _, g := range granularities {
		ref := bucket.RefForRecord(g, rec.Key)

		var (
			outcome domain.Outcome
			alert   *domain.Alert
			totals  domain.Totals
		)
		err := withBucket("apply", ref, func() error {
			return a.store.Transact(ctx, ref.Path(), func(current json.RawMessage) (any, error) {
				outcome, alert = "", nil

				agg, err := decodeAggregate(g, current)
				if err != nil {
					return nil, err
				}
				if agg == nil {
					agg = newAggregate(g)
					stampBounds(a.calc, ref, agg)
					outcome = domain.OutcomeCreated
				} else {
					if agg.TotalsRef().HasMember(memberID) {
						outcome = domain.OutcomeUnchanged
						return nil, port.ErrSkipWrite
					}
					outcome = domain.OutcomeUpdated
				}

				t := agg.TotalsRef()
				t.TotalAmount += rec.Amount
				t.TotalCount++
				t.MemberIDs = append(t.MemberIDs, memberID)
				agg.AuditRef().Touch(actor)

				if flags := agg.Flags(); flags != nil {
					if c, ok := a.evaluatorFor(g).Evaluate(t.TotalAmount, *flags); ok {
						flags.Set(c.Level)
						alert = &domain.Alert{
							Granularity: g,
							Bucket:      ref.String(),
							Level:       c.Level,
							Threshold:   c.Threshold,
							Total:       t.TotalAmount,
						}
					}
				}
				totals = *t
				return agg, nil
			})
		})
		if err != nil {
			a.metrics.IncrAggregateWrite(g, "error")
			a.metrics.IncrStoreError("transact")
			a.logger.Error("incremental update failed",
				zap.String("record", memberID),
				zap.String("bucket", ref.String()),
				zap.Error(err),
			)
			return result, err
		}

		result.Outcomes[g] = outcome
		a.metrics.IncrAggregateWrite(g, string(outcome))
		if alert != nil {
			result.Alerts = append(result.Alerts, *alert)
			a.dispatchAlert(ctx, *alert, totals.TotalCount)
		}
	}

	a.logger.Info("record applied",
		zap.String("record", memberID),
		zap.Int64("amount", rec.Amount),
		zap.Any("outcomes", result.Outcomes),
	)
	return result, nil
}

func (a *Aggregator) evaluatorFor(g domain.Granularity) *ThresholdEvaluator {
	if g == domain.GranularityMonthly {
		return a.monthly
	}
	return a.weekly
}

// dispatchAlert sends the alert after the flag is committed. A failed
// delivery is logged and counted; the flag stays set.
func (a *Aggregator) dispatchAlert(ctx context.Context, alert domain.Alert, count int) {
	n := domain.Notification{
		Channel: domain.ChannelAlert,
		Title:   fmt.Sprintf("Card usage alert: %s reached level %d", alert.Granularity, alert.Level),
		Lines: []string{
			fmt.Sprintf("bucket: %s", alert.Bucket),
			fmt.Sprintf("threshold: %d", alert.Threshold),
		},
		Amount: alert.Total,
		Count:  count,
	}
	if err := a.notifier.Notify(ctx, n); err != nil {
		a.metrics.IncrNotification(domain.ChannelAlert, "error")
		a.logger.Warn("threshold notification failed",
			zap.String("bucket", alert.Bucket),
			zap.Int("level", alert.Level),
			zap.Error(err),
		)
		return
	}
	a.metrics.IncrNotification(domain.ChannelAlert, "sent")
}

// checkWeekToken warns when the stored week token differs from the one the
// current numbering rule gives for the record's timestamp. The stored token
// always wins.
func (a *Aggregator) checkWeekToken(rec domain.SourceRecord) {
	if rec.OccurredAt.IsZero() {
		return
	}
	f := a.calc.At(rec.OccurredAt)
	if f.Year != rec.Key.Year || f.Month != rec.Key.Month || f.Day != rec.Key.Day {
		return
	}
	if token := bucket.WeekToken(f.WeekOfMonth); token != rec.Key.Week {
		a.logger.Warn("stored week token differs from computed week",
			zap.String("record", bucket.RecordPath(rec.Key)),
			zap.String("stored", rec.Key.Week),
			zap.String("computed", token),
		)
	}
}
