package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("service")

// withBucket runs fn and tags any error with the operation and bucket identity.
func withBucket(op string, ref bucket.Ref, fn func() error) error {
	if err := fn(); err != nil {
		return fmt.Errorf("%s %s: %w", op, ref, err)
	}
	return nil
}

// newAggregate returns an empty aggregate of the given granularity.
func newAggregate(g domain.Granularity) domain.Aggregate {
	switch g {
	case domain.GranularityWeekly:
		return &domain.WeeklyAggregate{}
	case domain.GranularityMonthly:
		return &domain.MonthlyAggregate{}
	}
	return &domain.DailyAggregate{}
}

// decodeAggregate decodes a stored aggregate; nil raw yields nil.
func decodeAggregate(g domain.Granularity, raw json.RawMessage) (domain.Aggregate, error) {
	if raw == nil {
		return nil, nil
	}
	agg := newAggregate(g)
	if err := json.Unmarshal(raw, agg); err != nil {
		return nil, fmt.Errorf("decode %s aggregate: %w", g, err)
	}
	return agg, nil
}

// loadAggregate reads the aggregate at ref.
func loadAggregate(ctx context.Context, store port.DocumentStore, ref bucket.Ref) (domain.Aggregate, bool, error) {
	agg := newAggregate(ref.Granularity)
	found, err := store.Get(ctx, ref.Path(), agg)
	if err != nil || !found {
		return nil, false, err
	}
	return agg, true, nil
}

// stampBounds fills the date fields that describe the bucket.
func stampBounds(calc calendar.Calculator, ref bucket.Ref, agg domain.Aggregate) {
	switch a := agg.(type) {
	case *domain.DailyAggregate:
		a.Day = calc.Date(ref.Year, ref.Month, ref.Day).Format(domain.DateLayout)
	case *domain.WeeklyAggregate:
		week, err := bucket.ParseWeekToken(ref.Week)
		if err != nil {
			return
		}
		start, end := calc.WeekBounds(ref.Year, ref.Month, week)
		a.WeekStart = start.Format(domain.DateLayout)
		a.WeekEnd = end.Format(domain.DateLayout)
	case *domain.MonthlyAggregate:
		a.MonthStart = calc.Date(ref.Year, ref.Month, 1).Format(domain.DateLayout)
		a.MonthEnd = calc.Date(ref.Year, ref.Month, calendar.DaysIn(ref.Year, ref.Month)).Format(domain.DateLayout)
	}
}

func containsGranularity(gs []domain.Granularity, g domain.Granularity) bool {
	for _, x := range gs {
		if x == g {
			return true
		}
	}
	return false
}
