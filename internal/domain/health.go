package domain

// ============================================================
// Health, metrics and notification payloads
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// PipelineMetrics is returned by GET /v1/metrics/pipeline.
type PipelineMetrics struct {
	AggregateWrites    map[string]float64 `json:"aggregateWrites"`
	RecalcRuns         map[string]float64 `json:"recalcRuns"`
	Notifications      map[string]float64 `json:"notifications"`
	StoreErrors        float64            `json:"storeErrors"`
	ExploredRecords    float64            `json:"exploredRecords"`
	DuplicateTriggers  float64            `json:"duplicateTriggers"`
	RecalcErrorRate    float64            `json:"recalcErrorRate"`
	NotificationErrors float64            `json:"notificationErrors"`
	Period             string             `json:"period"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// Channel names one outbound notification destination.
type Channel string

const (
	ChannelAlert   Channel = "alert"
	ChannelDaily   Channel = "daily"
	ChannelWeekly  Channel = "weekly"
	ChannelMonthly Channel = "monthly"
)

// Notification is one message handed to the notification transport.
type Notification struct {
	Channel Channel  `json:"channel"`
	Title   string   `json:"title"`
	Lines   []string `json:"lines,omitempty"`
	Amount  int64    `json:"amount"`
	Count   int      `json:"count"`
}
