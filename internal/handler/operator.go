package handler

import (
	"net/http"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Recalculation
// ============================================================

type recalculationRequest struct {
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	Types     []string `json:"types"`
	Executor  string   `json:"executor"`
	DryRun    bool     `json:"dryRun"`
}

func recalculationHandler(deps Deps, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/recalculations")
		defer span.End()

		var req recalculationRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if _, _, err := domain.ValidateRange(req.StartDate, req.EndDate, deps.MaxRecalcDays); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		types, err := domain.ParseGranularities(req.Types)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		executor := req.Executor
		if executor == "" {
			executor = OperatorFromContext(ctx)
		}
		span.SetAttributes(
			attribute.String("start_date", req.StartDate),
			attribute.String("end_date", req.EndDate),
			attribute.Bool("dry_run", req.DryRun),
		)

		res, err := deps.Recalculator.Recalculate(ctx, domain.RecalcRequest{
			StartDate: req.StartDate,
			EndDate:   req.EndDate,
			Types:     types,
			Actor:     domain.ManualRecalcActor(executor),
			DryRun:    req.DryRun,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, outcomeStatus(!res.Success), res)
	}
}

// ============================================================
// Maintenance
// ============================================================

type maintenanceRequest struct {
	Granularity string `json:"granularity"`
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	Day         int    `json:"day,omitempty"`
	Week        string `json:"week,omitempty"`
	Apply       bool   `json:"apply"`
}

func (m maintenanceRequest) ref() (bucket.Ref, error) {
	g, err := domain.ParseGranularity(m.Granularity)
	if err != nil {
		return bucket.Ref{}, err
	}
	ref := bucket.Ref{Granularity: g, Year: m.Year, Month: m.Month}
	switch g {
	case domain.GranularityDaily:
		ref.Day = m.Day
	case domain.GranularityWeekly:
		ref.Week = m.Week
	}
	return ref, ref.Validate()
}

func resumHandler(repairer *service.Repairer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/maintenance/resum")
		defer span.End()

		var req maintenanceRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		ref, err := req.ref()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		var res *domain.ResumResult
		if req.Apply {
			res, err = repairer.ApplyResum(ctx, ref, domain.ActorMaintenance)
		} else {
			res, err = repairer.Resum(ctx, ref)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func pruneHandler(repairer *service.Repairer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/maintenance/prune")
		defer span.End()

		var req maintenanceRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		ref, err := req.ref()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		var res *domain.PruneResult
		if req.Apply {
			res, err = repairer.ApplyPrune(ctx, ref, domain.ActorMaintenance)
		} else {
			res, err = repairer.PruneDanglingMembers(ctx, ref)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func deleteRecordHandler(repairer *service.Repairer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/records")
		defer span.End()

		key := domain.RecordKey{Week: chi.URLParam(r, "week"), Sequence: chi.URLParam(r, "sequence")}
		var err error
		if key.Year, err = urlInt(r, "year"); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if key.Month, err = urlInt(r, "month"); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if key.Day, err = urlInt(r, "day"); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := repairer.DeleteRecord(ctx, key, domain.ActorMaintenance)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, outcomeStatus(len(res.Errors) > 0), res)
	}
}
