package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/observability"
	"github.com/boddenberg/card-usage-reports/internal/port"
	"github.com/boddenberg/card-usage-reports/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Deps holds everything the HTTP surface calls into.
type Deps struct {
	Store        port.DocumentStore
	Aggregator   *service.Aggregator
	Recalculator *service.Recalculator
	Repairer     *service.Repairer
	Sweeper      *service.DeliverySweeper
	Reports      *service.Reports

	// Dedup remembers recently applied trigger deliveries. Nil disables it.
	Dedup port.Cache[bool]

	MaxRecalcDays  int
	OperatorSecret string

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(deps Deps, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(deps.Store, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// 1. Triggers
		// POST /v1/triggers/records
		// POST /v1/triggers/delivery-sweep
		// =============================================
		r.Post("/triggers/records", recordTriggerHandler(deps, metrics, logger))
		r.Post("/triggers/delivery-sweep", deliverySweepHandler(deps, logger))

		// =============================================
		// 2. Reports
		// =============================================
		r.Get("/reports/daily/{year}/{month}/{day}", reportHandler(deps.Reports, domain.GranularityDaily, logger))
		r.Get("/reports/weekly/{year}/{month}/{week}", reportHandler(deps.Reports, domain.GranularityWeekly, logger))
		r.Get("/reports/monthly/{year}/{month}", reportHandler(deps.Reports, domain.GranularityMonthly, logger))

		// =============================================
		// 3. Metrics
		// GET /v1/metrics/pipeline
		// =============================================
		r.Get("/metrics/pipeline", pipelineMetricsHandler(metrics))

		// =============================================
		// 4. Operator routes
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(deps.OperatorSecret, logger))

			r.Post("/recalculations", recalculationHandler(deps, logger))
			r.Post("/maintenance/resum", resumHandler(deps.Repairer, logger))
			r.Post("/maintenance/prune", pruneHandler(deps.Repairer, logger))
			r.Delete("/records/{year}/{month}/{week}/{day}/{sequence}", deleteRecordHandler(deps.Repairer, logger))
		})
	})

	return r
}

// ============================================================
// Metrics & Health
// ============================================================

func healthzHandler(store port.DocumentStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "card-usage-reports", Status: "healthy", LastChecked: now},
		}

		if store != nil {
			start := time.Now()
			_, err := store.ListChildren(r.Context(), "reports")
			status := "healthy"
			if err != nil {
				logger.Warn("healthz: store probe failed", zap.Error(err))
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "document-store", Status: status,
				LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pipelineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
