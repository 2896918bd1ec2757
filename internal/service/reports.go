package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"
)

// Reports reads stored aggregates for the report endpoints.
type Reports struct {
	store port.DocumentStore
}

// NewReports creates the report reader.
func NewReports(store port.DocumentStore) *Reports {
	return &Reports{store: store}
}

// Get returns the aggregate at ref.
func (r *Reports) Get(ctx context.Context, ref bucket.Ref) (domain.Aggregate, error) {
	ctx, span := tracer.Start(ctx, "Reports.Get")
	defer span.End()

	if err := ref.Validate(); err != nil {
		return nil, err
	}
	agg, found, err := loadAggregate(ctx, r.store, ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if !found {
		return nil, &domain.ErrNotFound{Resource: "aggregate", ID: ref.String()}
	}
	return agg, nil
}
