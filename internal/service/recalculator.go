package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TopDaysLimit caps the per-day subtotals returned by a dry run.
const TopDaysLimit = 10

// Recalculator re-derives aggregates from the source records of a date
// range. It is the authoritative repair path: whatever the incremental path
// left behind is overwritten, except for notification flags, which are
// carried forward.
type Recalculator struct {
	explorer *Explorer
	store    port.DocumentStore
	calc     calendar.Calculator
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewRecalculator creates the batch recalculator.
func NewRecalculator(explorer *Explorer, store port.DocumentStore, calc calendar.Calculator, metrics *observability.Metrics, logger *zap.Logger) *Recalculator {
	return &Recalculator{
		explorer: explorer,
		store:    store,
		calc:     calc,
		metrics:  metrics,
		logger:   logger,
	}
}

// group is the recomputed content of one bucket.
type group struct {
	ref    bucket.Ref
	totals domain.Totals
}

// Recalculate runs one recalculation. Validation problems are returned as
// errors before any I/O; bucket failures are reported inside the result.
func (r *Recalculator) Recalculate(ctx context.Context, req domain.RecalcRequest) (*domain.RecalcResult, error) {
	ctx, span := tracer.Start(ctx, "Recalculator.Recalculate")
	defer span.End()

	startDay, endDay, types, err := r.validate(req)
	if err != nil {
		r.metrics.IncrRecalcRun("invalid")
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = domain.ManualRecalcActor("")
	}

	began := time.Now()
	result := &domain.RecalcResult{
		RunID:          uuid.NewString(),
		DryRun:         req.DryRun,
		Actor:          actor,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		ProcessedTypes: types,
		Errors:         []domain.BucketError{},
	}
	span.SetAttributes(
		attribute.String("recalc.run_id", result.RunID),
		attribute.String("recalc.start", req.StartDate),
		attribute.String("recalc.end", req.EndDate),
		attribute.Bool("recalc.dry_run", req.DryRun),
	)
	log := r.logger.With(zap.String("run_id", result.RunID), zap.String("actor", actor))
	defer func() {
		result.DurationMs = time.Since(began).Milliseconds()
		r.metrics.RecordDuration("recalculate", time.Since(began))
	}()

	from, to := r.scope(startDay, endDay, types)
	explored, err := r.explorer.Explore(ctx, from, to)
	if err != nil {
		return nil, err
	}
	p := r.buildPlan(explored, startDay, endDay, types)
	records := p.records
	result.TotalProcessed = len(records)
	span.SetAttributes(attribute.Int("recalc.explored", len(explored)))

	if len(records) == 0 {
		result.Success = true
		if req.DryRun {
			result.Preview = &domain.RecalcPreview{ExpectedProcessing: zeroCounts(types), TopDays: []domain.DaySubtotal{}}
		}
		r.metrics.IncrRecalcRun(runStatus(result))
		log.Info("recalculation found no records", zap.String("start", req.StartDate), zap.String("end", req.EndDate))
		return result, nil
	}

	if req.DryRun {
		result.Preview = preview(p, types)
		result.Success = true
		r.metrics.IncrRecalcRun("dry_run")
		log.Info("recalculation dry run",
			zap.Int("records", len(records)),
			zap.Any("expected", result.Preview.ExpectedProcessing),
		)
		return result, nil
	}

	for _, g := range types {
		for _, grp := range p.groups[g] {
			outcome, err := r.writeBucket(ctx, grp, actor)
			if err != nil {
				result.Errors = append(result.Errors, domain.BucketError{
					Granularity: g,
					Bucket:      grp.ref.String(),
					Message:     err.Error(),
				})
				r.metrics.IncrRecalcBucketError(g)
				r.metrics.IncrAggregateWrite(g, "error")
				log.Warn("recalculation bucket failed", zap.String("bucket", grp.ref.String()), zap.Error(err))
				continue
			}
			r.metrics.IncrAggregateWrite(g, string(outcome))
			if outcome == domain.OutcomeCreated {
				result.Created++
			} else {
				result.Updated++
			}
		}
	}

	result.Success = float64(len(result.Errors)) < float64(len(types))/2
	r.metrics.IncrRecalcRun(runStatus(result))
	log.Info("recalculation finished",
		zap.Bool("success", result.Success),
		zap.Int("records", result.TotalProcessed),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (r *Recalculator) validate(req domain.RecalcRequest) (time.Time, time.Time, []domain.Granularity, error) {
	s, e, err := domain.ValidateRange(req.StartDate, req.EndDate, 0)
	if err != nil {
		return time.Time{}, time.Time{}, nil, err
	}
	names := make([]string, len(req.Types))
	for i, g := range req.Types {
		names[i] = string(g)
	}
	types, err := domain.ParseGranularities(names)
	if err != nil {
		return time.Time{}, time.Time{}, nil, err
	}
	startDay := r.calc.Date(s.Year(), int(s.Month()), s.Day())
	endDay := r.calc.Date(e.Year(), int(e.Month()), e.Day())
	return startDay, endDay, types, nil
}

// scope widens [start, end] to the full bounds of every weekly and monthly
// bucket the range touches. Those buckets are overwritten whole, so they must
// be rebuilt from all of their records, not from the requested days only.
func (r *Recalculator) scope(start, end time.Time, types []domain.Granularity) (time.Time, time.Time) {
	from, to := start, end
	first, last := r.calc.At(start), r.calc.At(end)
	for _, g := range types {
		switch g {
		case domain.GranularityWeekly:
			from, to = earliest(from, first.WeekStart), latest(to, last.WeekEnd)
		case domain.GranularityMonthly:
			from, to = earliest(from, first.MonthStart), latest(to, last.MonthEnd)
		}
	}
	return from, to
}

// plan is what one run rewrites.
type plan struct {
	// records are the explored records dated inside the requested days.
	records []domain.SourceRecord
	groups  map[domain.Granularity][]*group
}

// buildPlan keeps the groups of buckets touched by the requested days. A daily
// bucket is touched by its own day; weekly and monthly buckets by any
// requested day inside them, and are grouped over everything explored.
func (r *Recalculator) buildPlan(explored []domain.SourceRecord, start, end time.Time, types []domain.Granularity) plan {
	first, last := r.calc.At(start), r.calc.At(end)
	lo := calendar.DateKey(first.Year, first.Month, first.Day)
	hi := calendar.DateKey(last.Year, last.Month, last.Day)

	touched := make(map[string]bool)
	for _, day := range r.calc.Days(start, end) {
		keys := bucket.KeysFor(r.calc.At(day))
		for _, g := range types {
			touched[keys.For(g).Path()] = true
		}
	}

	p := plan{groups: make(map[domain.Granularity][]*group, len(types))}
	for _, rec := range explored {
		k := rec.Key
		if dk := calendar.DateKey(k.Year, k.Month, k.Day); dk < lo || dk > hi {
			continue
		}
		p.records = append(p.records, rec)
		// A record's stored week token wins over the computed one.
		for _, g := range types {
			touched[bucket.RefForRecord(g, k).Path()] = true
		}
	}
	if len(p.records) == 0 {
		return p
	}

	for _, g := range types {
		for _, grp := range groupRecords(explored, g) {
			if touched[grp.ref.Path()] {
				p.groups[g] = append(p.groups[g], grp)
			}
		}
	}
	return p
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// writeBucket creates or overwrites one aggregate with recomputed totals,
// carrying forward the flags of the freshest stored version.
func (r *Recalculator) writeBucket(ctx context.Context, grp *group, actor string) (domain.Outcome, error) {
	var outcome domain.Outcome
	err := withBucket("recalculate", grp.ref, func() error {
		return r.store.Transact(ctx, grp.ref.Path(), func(current json.RawMessage) (any, error) {
			prev, err := decodeAggregate(grp.ref.Granularity, current)
			if err != nil {
				return nil, err
			}
			next := newAggregate(grp.ref.Granularity)
			t := next.TotalsRef()
			t.TotalAmount = grp.totals.TotalAmount
			t.TotalCount = grp.totals.TotalCount
			t.MemberIDs = append([]string{}, grp.totals.MemberIDs...)
			stampBounds(r.calc, grp.ref, next)
			next.AuditRef().Touch(actor)

			outcome = domain.OutcomeCreated
			if prev != nil {
				next.CarryForward(prev)
				outcome = domain.OutcomeUpdated
			}
			return next, nil
		})
	})
	return outcome, err
}

// groupRecords buckets records for one granularity, in path order. Every
// discovered record opens its bucket, so a bucket whose records were all
// deactivated is rewritten with zero totals; only active records count.
func groupRecords(records []domain.SourceRecord, g domain.Granularity) []*group {
	byPath := make(map[string]*group)
	for _, rec := range records {
		ref := bucket.RefForRecord(g, rec.Key)
		grp, ok := byPath[ref.Path()]
		if !ok {
			grp = &group{ref: ref, totals: domain.Totals{MemberIDs: []string{}}}
			byPath[ref.Path()] = grp
		}
		if !rec.Active {
			continue
		}
		grp.totals.TotalAmount += rec.Amount
		grp.totals.TotalCount++
		grp.totals.MemberIDs = append(grp.totals.MemberIDs, bucket.RecordPath(rec.Key))
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]*group, 0, len(paths))
	for _, p := range paths {
		grp := byPath[p]
		sort.Strings(grp.totals.MemberIDs)
		out = append(out, grp)
	}
	return out
}

// preview counts the buckets a run would write and the busiest requested days.
func preview(p plan, types []domain.Granularity) *domain.RecalcPreview {
	expected := zeroCounts(types)
	for _, g := range types {
		expected[g] = len(p.groups[g])
	}

	days := make(map[string]*domain.DaySubtotal)
	for _, rec := range p.records {
		if !rec.Active {
			continue
		}
		date := fmt.Sprintf("%04d-%s-%s", rec.Key.Year, bucket.Pad2(rec.Key.Month), bucket.Pad2(rec.Key.Day))
		d, ok := days[date]
		if !ok {
			d = &domain.DaySubtotal{Date: date}
			days[date] = d
		}
		d.Amount += rec.Amount
		d.Count++
	}

	top := make([]domain.DaySubtotal, 0, len(days))
	for _, d := range days {
		top = append(top, *d)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Amount != top[j].Amount {
			return top[i].Amount > top[j].Amount
		}
		return top[i].Date < top[j].Date
	})
	if len(top) > TopDaysLimit {
		top = top[:TopDaysLimit]
	}
	return &domain.RecalcPreview{ExpectedProcessing: expected, TopDays: top}
}

func zeroCounts(types []domain.Granularity) map[domain.Granularity]int {
	out := make(map[domain.Granularity]int, len(types))
	for _, g := range types {
		out[g] = 0
	}
	return out
}

func runStatus(res *domain.RecalcResult) string {
	switch {
	case res.DryRun:
		return "dry_run"
	case res.Success:
		return "success"
	}
	return "partial"
}
