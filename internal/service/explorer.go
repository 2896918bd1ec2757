package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Explorer walks details/{year}/{month}/{week}/{day}/{sequence} and returns
// the source records of a civil date range. Missing or unreadable branches
// are logged and skipped, never fatal.
type Explorer struct {
	store       port.DocumentStore
	calc        calendar.Calculator
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewExplorer creates an Explorer that scans up to concurrency days at once.
func NewExplorer(store port.DocumentStore, calc calendar.Calculator, concurrency int, metrics *observability.Metrics, logger *zap.Logger) *Explorer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Explorer{
		store:       store,
		calc:        calc,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger,
	}
}

type dayBranch struct {
	year, month, day int
	week             string
}

// Explore returns every record stored under a day in [start, end].
// Only a cancelled context makes it fail; the result is unordered.
func (e *Explorer) Explore(ctx context.Context, start, end time.Time) ([]domain.SourceRecord, error) {
	ctx, span := tracer.Start(ctx, "Explorer.Explore")
	defer span.End()

	from := e.calc.At(start)
	to := e.calc.At(end)
	lo := calendar.DateKey(from.Year, from.Month, from.Day)
	hi := calendar.DateKey(to.Year, to.Month, to.Day)

	var branches []dayBranch
	for y, m := from.Year, from.Month; y < to.Year || (y == to.Year && m <= to.Month); {
		found, err := e.dayBranches(ctx, y, m, lo, hi)
		if err != nil {
			return nil, err
		}
		branches = append(branches, found...)

		if m++; m > 12 {
			y, m = y+1, 1
		}
	}

	var (
		mu      sync.Mutex
		records []domain.SourceRecord
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, b := range branches {
		b := b
		g.Go(func() error {
			found := e.dayRecords(gCtx, b)
			mu.Lock()
			records = append(records, found...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("explore.days", len(branches)),
		attribute.Int("explore.records", len(records)),
	)
	e.metrics.AddExploredRecords(len(records))
	e.logger.Debug("explored source records",
		zap.String("start", from.Date()),
		zap.String("end", to.Date()),
		zap.Int("days", len(branches)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// dayBranches lists the day branches of one month that fall inside [lo, hi].
func (e *Explorer) dayBranches(ctx context.Context, year, month, lo, hi int) ([]dayBranch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	monthPath := bucket.MonthPath(year, month)
	weeks, err := e.store.ListChildren(ctx, monthPath)
	if err != nil {
		e.skip("month", monthPath, err)
		return nil, nil
	}

	var out []dayBranch
	for _, week := range weeks {
		if _, err := bucket.ParseWeekToken(week); err != nil {
			e.logger.Warn("explorer: unexpected week branch", zap.String("path", monthPath+"/"+week))
			continue
		}
		weekPath := bucket.WeekPath(year, month, week)
		days, err := e.store.ListChildren(ctx, weekPath)
		if err != nil {
			e.skip("week", weekPath, err)
			continue
		}
		for _, d := range days {
			day, err := strconv.Atoi(d)
			if err != nil || day < 1 || day > calendar.DaysIn(year, month) {
				e.logger.Warn("explorer: unexpected day branch", zap.String("path", weekPath+"/"+d))
				continue
			}
			if key := calendar.DateKey(year, month, day); key < lo || key > hi {
				continue
			}
			out = append(out, dayBranch{year: year, month: month, week: week, day: day})
		}
	}
	return out, nil
}

func (e *Explorer) dayRecords(ctx context.Context, b dayBranch) []domain.SourceRecord {
	dayPath := bucket.DayPath(b.year, b.month, b.week, b.day)
	seqs, err := e.store.ListChildren(ctx, dayPath)
	if err != nil {
		e.skip("day", dayPath, err)
		return nil
	}

	out := make([]domain.SourceRecord, 0, len(seqs))
	for _, seq := range seqs {
		key := domain.RecordKey{Year: b.year, Month: b.month, Week: b.week, Day: b.day, Sequence: seq}
		rec, found, err := e.Record(ctx, key)
		if err != nil {
			e.skip("record", bucket.RecordPath(key), err)
			continue
		}
		if found {
			out = append(out, rec)
		}
	}
	return out
}

// Record reads and decodes one source record. A record whose amount is not
// numeric is reported as not found.
func (e *Explorer) Record(ctx context.Context, key domain.RecordKey) (domain.SourceRecord, bool, error) {
	var raw json.RawMessage
	found, err := e.store.Get(ctx, bucket.RecordPath(key), &raw)
	if err != nil || !found {
		return domain.SourceRecord{}, false, err
	}
	rec, ok, err := DecodeRecord(key, raw)
	if err != nil {
		return domain.SourceRecord{}, false, err
	}
	if !ok {
		e.logger.Debug("explorer: record without numeric amount skipped", zap.String("path", bucket.RecordPath(key)))
	}
	return rec, ok, nil
}

func (e *Explorer) skip(level, path string, err error) {
	e.metrics.IncrStoreError("list")
	e.logger.Warn("explorer: branch skipped",
		zap.String("level", level),
		zap.String("path", path),
		zap.Error(err),
	)
}

// DecodeRecord decodes a stored record. ok is false when the amount is
// missing or not a number. A missing active flag means active.
func DecodeRecord(key domain.RecordKey, raw json.RawMessage) (domain.SourceRecord, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return domain.SourceRecord{}, false, fmt.Errorf("decode record: %w", err)
	}

	num, isNum := doc["amount"].(json.Number)
	if !isNum {
		return domain.SourceRecord{}, false, nil
	}
	amount, err := num.Int64()
	if err != nil {
		f, ferr := num.Float64()
		if ferr != nil {
			return domain.SourceRecord{}, false, nil
		}
		amount = int64(math.Round(f))
	}

	rec := domain.SourceRecord{Key: key, Amount: amount, Active: true}
	if v, ok := doc["active"].(bool); ok {
		rec.Active = v
	}
	if v, ok := doc["datetime"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			rec.OccurredAt = t
		}
	}
	rec.Shop, _ = doc["shop"].(string)
	rec.Card, _ = doc["card"].(string)
	rec.Memo, _ = doc["memo"].(string)
	return rec, true, nil
}
