package observability

import (
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the reporting engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	aggregateWrites   *prometheus.CounterVec
	recalcRuns        *prometheus.CounterVec
	recalcBucketErrs  *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	exploredRecords   prometheus.Counter
	triggers          *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reports_operation_duration_seconds",
				Help:    "Duration of engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		aggregateWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_aggregate_writes_total",
				Help: "Aggregate writes by granularity and outcome.",
			},
			[]string{"granularity", "outcome"},
		),
		recalcRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_recalculation_runs_total",
				Help: "Recalculation runs by status.",
			},
			[]string{"status"},
		),
		recalcBucketErrs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_recalculation_bucket_errors_total",
				Help: "Buckets that failed during recalculation.",
			},
			[]string{"granularity"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_store_errors_total",
				Help: "Document store failures by operation.",
			},
			[]string{"op"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_notifications_total",
				Help: "Outbound notifications by channel and status.",
			},
			[]string{"channel", "status"},
		),
		exploredRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reports_explored_records_total",
				Help: "Source records read by the explorer.",
			},
		),
		triggers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_triggers_total",
				Help: "Inbound record triggers by status.",
			},
			[]string{"status"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrAggregateWrite counts one aggregate write outcome.
func (m *Metrics) IncrAggregateWrite(g domain.Granularity, outcome string) {
	m.aggregateWrites.WithLabelValues(string(g), outcome).Inc()
}

// IncrRecalcRun counts a finished recalculation run ("success", "partial", "dry_run", "invalid").
func (m *Metrics) IncrRecalcRun(status string) {
	m.recalcRuns.WithLabelValues(status).Inc()
}

// IncrRecalcBucketError counts one failed bucket.
func (m *Metrics) IncrRecalcBucketError(g domain.Granularity) {
	m.recalcBucketErrs.WithLabelValues(string(g)).Inc()
}

// IncrStoreError counts a failed store operation.
func (m *Metrics) IncrStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// IncrNotification counts one notification attempt.
func (m *Metrics) IncrNotification(ch domain.Channel, status string) {
	m.notifications.WithLabelValues(string(ch), status).Inc()
}

// AddExploredRecords adds to the explored record counter.
func (m *Metrics) AddExploredRecords(n int) {
	m.exploredRecords.Add(float64(n))
}

// IncrTrigger counts an inbound trigger ("applied", "duplicate", "error").
func (m *Metrics) IncrTrigger(status string) {
	m.triggers.WithLabelValues(status).Inc()
}

// Snapshot returns the current counter values for GET /v1/metrics/pipeline.
func (m *Metrics) Snapshot() *domain.PipelineMetrics {
	writes := make(map[string]float64)
	for _, g := range domain.AllGranularities() {
		for _, o := range []string{"created", "updated", "unchanged", "skipped", "error"} {
			if v := getCounterValue(m.aggregateWrites, string(g), o); v > 0 {
				writes[string(g)+"/"+o] = v
			}
		}
	}

	runs := make(map[string]float64)
	for _, s := range []string{"success", "partial", "dry_run", "invalid"} {
		runs[s] = getCounterValue(m.recalcRuns, s)
	}

	notifs := make(map[string]float64)
	var notifErrors float64
	for _, ch := range []domain.Channel{domain.ChannelAlert, domain.ChannelDaily, domain.ChannelWeekly, domain.ChannelMonthly} {
		notifs[string(ch)] = getCounterValue(m.notifications, string(ch), "sent")
		notifErrors += getCounterValue(m.notifications, string(ch), "error")
	}

	var storeErrs float64
	for _, op := range []string{"get", "set", "update", "delete", "list", "transact"} {
		storeErrs += getCounterValue(m.storeErrors, op)
	}

	totalRuns := runs["success"] + runs["partial"]
	errorRate := float64(0)
	if totalRuns > 0 {
		errorRate = runs["partial"] / totalRuns
	}

	return &domain.PipelineMetrics{
		AggregateWrites:    writes,
		RecalcRuns:         runs,
		Notifications:      notifs,
		StoreErrors:        storeErrs,
		ExploredRecords:    readCounter(m.exploredRecords),
		DuplicateTriggers:  getCounterValue(m.triggers, "duplicate"),
		RecalcErrorRate:    errorRate,
		NotificationErrors: notifErrors,
		Period:             "since_start",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	return readCounter(cv.WithLabelValues(labels...))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
