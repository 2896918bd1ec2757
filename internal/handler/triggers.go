package handler

import (
	"encoding/json"
	"net/http"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// recordTriggerRequest is the "new source record" event.
type recordTriggerRequest struct {
	Year     int             `json:"year"`
	Month    int             `json:"month"`
	Week     string          `json:"week"`
	Day      int             `json:"day"`
	Sequence string          `json:"sequence"`
	Record   json.RawMessage `json:"record"`
	Types    []string        `json:"types,omitempty"`
}

func recordTriggerHandler(deps Deps, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/triggers/records")
		defer span.End()

		var req recordTriggerRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		key := domain.RecordKey{Year: req.Year, Month: req.Month, Week: req.Week, Day: req.Day, Sequence: req.Sequence}
		if err := bucket.ValidateRecordKey(key); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if len(req.Record) == 0 || string(req.Record) == "null" {
			handleServiceError(w, &domain.ErrValidation{Field: "record", Message: "is required"}, logger)
			return
		}
		types, err := domain.ParseGranularities(req.Types)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		rec, ok, err := service.DecodeRecord(key, req.Record)
		if err != nil {
			handleServiceError(w, &domain.ErrValidation{Field: "record", Message: err.Error()}, logger)
			return
		}

		path := bucket.RecordPath(key)
		span.SetAttributes(attribute.String("record", path))

		if deps.Dedup != nil && !deps.Dedup.SetIfAbsent(path, true) {
			metrics.IncrTrigger("duplicate")
			logger.Info("trigger: duplicate delivery acknowledged", zap.String("record", path))
			writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "duplicate delivery acknowledged", ID: path})
			return
		}

		if !ok {
			metrics.IncrTrigger("skipped")
			logger.Warn("trigger: record has no numeric amount", zap.String("record", path))
			res := &domain.ApplyResult{Record: key, Outcomes: make(map[domain.Granularity]domain.Outcome, len(types))}
			for _, g := range types {
				res.Outcomes[g] = domain.OutcomeSkipped
			}
			writeJSON(w, http.StatusOK, res)
			return
		}

		res, err := deps.Aggregator.Apply(ctx, rec, types, domain.ActorTrigger)
		if err != nil {
			// Forget the delivery so a redelivery retries the remaining buckets.
			if deps.Dedup != nil {
				deps.Dedup.Delete(path)
			}
			metrics.IncrTrigger("error")
			handleServiceError(w, err, logger)
			return
		}

		metrics.IncrTrigger("applied")
		writeJSON(w, http.StatusOK, res)
	}
}

func deliverySweepHandler(deps Deps, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/triggers/delivery-sweep")
		defer span.End()

		res, err := deps.Sweeper.Sweep(ctx, deps.Now())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, outcomeStatus(len(res.Errors) > 0), res)
	}
}
