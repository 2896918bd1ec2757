package handler

import (
	"net/http"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func reportHandler(reports *service.Reports, g domain.Granularity, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/reports/"+string(g))
		defer span.End()

		ref, err := refFromURL(r, g)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		agg, err := reports.Get(ctx, ref)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

// refFromURL builds a bucket ref from the {year}/{month}/{day|week} URL parameters.
func refFromURL(r *http.Request, g domain.Granularity) (bucket.Ref, error) {
	ref := bucket.Ref{Granularity: g}
	var err error
	if ref.Year, err = urlInt(r, "year"); err != nil {
		return ref, err
	}
	if ref.Month, err = urlInt(r, "month"); err != nil {
		return ref, err
	}
	switch g {
	case domain.GranularityDaily:
		if ref.Day, err = urlInt(r, "day"); err != nil {
			return ref, err
		}
	case domain.GranularityWeekly:
		ref.Week = chi.URLParam(r, "week")
	}
	return ref, nil
}
