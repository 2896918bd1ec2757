package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.uber.org/zap"
)

// errMembershipChanged is returned when a bucket's members change between
// the re-sum read and the write.
var errMembershipChanged = errors.New("membership changed during repair, retry")

// Repairer holds the consistency repair utilities: drift detection by
// re-summing members, pruning members whose record is gone, and the
// hard-delete maintenance operation that uses both.
type Repairer struct {
	explorer *Explorer
	store    port.DocumentStore
	calc     calendar.Calculator
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewRepairer creates the repair utilities.
func NewRepairer(explorer *Explorer, store port.DocumentStore, calc calendar.Calculator, metrics *observability.Metrics, logger *zap.Logger) *Repairer {
	return &Repairer{
		explorer: explorer,
		store:    store,
		calc:     calc,
		metrics:  metrics,
		logger:   logger,
	}
}

func (r *Repairer) load(ctx context.Context, ref bucket.Ref) (domain.Aggregate, error) {
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

// Resum re-reads every member record and sums the active ones. It only
// reports drift against the stored totals; nothing is written.
func (r *Repairer) Resum(ctx context.Context, ref bucket.Ref) (*domain.ResumResult, error) {
	ctx, span := tracer.Start(ctx, "Repairer.Resum")
	defer span.End()

	agg, err := r.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, _, err := r.resum(ctx, ref, agg)
	return res, err
}

func (r *Repairer) resum(ctx context.Context, ref bucket.Ref, agg domain.Aggregate) (*domain.ResumResult, []string, error) {
	t := agg.TotalsRef()
	res := &domain.ResumResult{
		Bucket:       ref.String(),
		StoredAmount: t.TotalAmount,
		StoredCount:  t.TotalCount,
	}
	for _, id := range t.MemberIDs {
		key, err := bucket.ParseRecordPath(id)
		if err != nil {
			res.MissingMembers = append(res.MissingMembers, id)
			continue
		}
		rec, found, err := r.explorer.Record(ctx, key)
		if err != nil {
			return nil, nil, withBucket("resum", ref, func() error { return err })
		}
		switch {
		case !found:
			res.MissingMembers = append(res.MissingMembers, id)
		case !rec.Active:
			res.InactiveMembers = append(res.InactiveMembers, id)
		default:
			res.RecalculatedAmount += rec.Amount
			res.RecalculatedCount++
		}
	}
	res.Changed = res.RecalculatedAmount != res.StoredAmount || res.RecalculatedCount != res.StoredCount
	return res, append([]string(nil), t.MemberIDs...), nil
}

// ApplyResum writes the re-summed totals when they differ from the stored ones.
// Membership is left as it is.
func (r *Repairer) ApplyResum(ctx context.Context, ref bucket.Ref, actor string) (*domain.ResumResult, error) {
	ctx, span := tracer.Start(ctx, "Repairer.ApplyResum")
	defer span.End()

	agg, err := r.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, members, err := r.resum(ctx, ref, agg)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	err = withBucket("resum", ref, func() error {
		return r.store.Transact(ctx, ref.Path(), func(current json.RawMessage) (any, error) {
			cur, err := decodeAggregate(ref.Granularity, current)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, &domain.ErrNotFound{Resource: "aggregate", ID: ref.String()}
			}
			if !sameMembers(cur.TotalsRef().MemberIDs, members) {
				return nil, errMembershipChanged
			}
			t := cur.TotalsRef()
			t.TotalAmount = res.RecalculatedAmount
			t.TotalCount = res.RecalculatedCount
			cur.AuditRef().Touch(actorOr(actor))
			return cur, nil
		})
	})
	if err != nil {
		r.metrics.IncrAggregateWrite(ref.Granularity, "error")
		return nil, err
	}
	res.Applied = true
	r.metrics.IncrAggregateWrite(ref.Granularity, string(domain.OutcomeUpdated))
	r.logger.Info("bucket re-summed",
		zap.String("bucket", res.Bucket),
		zap.Int64("stored_amount", res.StoredAmount),
		zap.Int64("amount", res.RecalculatedAmount),
		zap.Int("stored_count", res.StoredCount),
		zap.Int("count", res.RecalculatedCount),
	)
	return res, nil
}

// PruneDanglingMembers returns the member ids whose record still exists.
func (r *Repairer) PruneDanglingMembers(ctx context.Context, ref bucket.Ref) (*domain.PruneResult, error) {
	ctx, span := tracer.Start(ctx, "Repairer.PruneDanglingMembers")
	defer span.End()

	agg, err := r.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return r.prune(ctx, ref, agg)
}

func (r *Repairer) prune(ctx context.Context, ref bucket.Ref, agg domain.Aggregate) (*domain.PruneResult, error) {
	res := &domain.PruneResult{
		Bucket:           ref.String(),
		UpdatedMemberIDs: []string{},
		RemovedMemberIDs: []string{},
	}
	for _, id := range agg.TotalsRef().MemberIDs {
		if _, err := bucket.ParseRecordPath(id); err != nil {
			res.RemovedMemberIDs = append(res.RemovedMemberIDs, id)
			continue
		}
		var raw json.RawMessage
		found, err := r.store.Get(ctx, id, &raw)
		if err != nil {
			return nil, withBucket("prune", ref, func() error { return err })
		}
		if found {
			res.UpdatedMemberIDs = append(res.UpdatedMemberIDs, id)
		} else {
			res.RemovedMemberIDs = append(res.RemovedMemberIDs, id)
		}
	}
	return res, nil
}

// ApplyPrune removes dangling member ids from the stored aggregate. Members
// added since the check are kept. Totals are not touched; follow with
// ApplyResum to correct them.
func (r *Repairer) ApplyPrune(ctx context.Context, ref bucket.Ref, actor string) (*domain.PruneResult, error) {
	ctx, span := tracer.Start(ctx, "Repairer.ApplyPrune")
	defer span.End()

	agg, err := r.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := r.prune(ctx, ref, agg)
	if err != nil {
		return nil, err
	}
	if len(res.RemovedMemberIDs) == 0 {
		return res, nil
	}

	removed := make(map[string]bool, len(res.RemovedMemberIDs))
	for _, id := range res.RemovedMemberIDs {
		removed[id] = true
	}
	err = withBucket("prune", ref, func() error {
		return r.store.Transact(ctx, ref.Path(), func(current json.RawMessage) (any, error) {
			cur, err := decodeAggregate(ref.Granularity, current)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, &domain.ErrNotFound{Resource: "aggregate", ID: ref.String()}
			}
			t := cur.TotalsRef()
			kept := make([]string, 0, len(t.MemberIDs))
			for _, id := range t.MemberIDs {
				if !removed[id] {
					kept = append(kept, id)
				}
			}
			t.MemberIDs = kept
			cur.AuditRef().Touch(actorOr(actor))
			res.UpdatedMemberIDs = kept
			return cur, nil
		})
	})
	if err != nil {
		r.metrics.IncrAggregateWrite(ref.Granularity, "error")
		return nil, err
	}
	res.Applied = true
	r.metrics.IncrAggregateWrite(ref.Granularity, string(domain.OutcomeUpdated))
	r.logger.Info("dangling members pruned",
		zap.String("bucket", res.Bucket),
		zap.Strings("removed", res.RemovedMemberIDs),
	)
	return res, nil
}

// DeleteRecord hard-deletes a source record, then prunes it from its daily,
// weekly and monthly aggregates and re-sums them. A bucket that fails is
// reported and does not stop the others.
func (r *Repairer) DeleteRecord(ctx context.Context, key domain.RecordKey, actor string) (*domain.DeleteRecordResult, error) {
	ctx, span := tracer.Start(ctx, "Repairer.DeleteRecord")
	defer span.End()

	if err := bucket.ValidateRecordKey(key); err != nil {
		return nil, err
	}
	path := bucket.RecordPath(key)
	var raw json.RawMessage
	found, err := r.store.Get(ctx, path, &raw)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", path, err)
	}
	if !found {
		return nil, &domain.ErrNotFound{Resource: "record", ID: path}
	}
	if err := r.store.Delete(ctx, path); err != nil {
		r.metrics.IncrStoreError("delete")
		return nil, fmt.Errorf("delete record %s: %w", path, err)
	}
	r.logger.Info("source record deleted", zap.String("record", path), zap.String("actor", actorOr(actor)))

	res := &domain.DeleteRecordResult{Record: key, Pruned: []domain.PruneResult{}, Resums: []domain.ResumResult{}}
	for _, g := range domain.AllGranularities() {
		ref := bucket.RefForRecord(g, key)
		pruned, err := r.ApplyPrune(ctx, ref, actor)
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			res.Errors = append(res.Errors, domain.BucketError{Granularity: g, Bucket: ref.String(), Message: err.Error()})
			continue
		}
		res.Pruned = append(res.Pruned, *pruned)

		resum, err := r.ApplyResum(ctx, ref, actor)
		if err != nil {
			res.Errors = append(res.Errors, domain.BucketError{Granularity: g, Bucket: ref.String(), Message: err.Error()})
			continue
		}
		res.Resums = append(res.Resums, *resum)
	}
	for _, e := range res.Errors {
		r.logger.Warn("repair after delete failed", zap.String("bucket", e.Bucket), zap.String("error", e.Message))
	}
	return res, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return domain.ActorMaintenance
	}
	return actor
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
