package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/calendar"
	"github.com/boddenberg/card-usage-reports/internal/domain"
)

// Store backends.
const (
	BackendFirebase = "firebase"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Thresholds are the three ordered alert levels of one granularity.
type Thresholds struct {
	Level1 int64
	Level2 int64
	Level3 int64
}

// Webhooks holds the raw webhook settings: a default plus per-channel overrides.
type Webhooks struct {
	Default string
	Alert   string
	Daily   string
	Weekly  string
	Monthly string
}

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Store
	StoreBackend        string
	FirebaseDatabaseURL string
	FirebaseAuthToken   string
	SQLitePath          string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Calendar
	CivilUTCOffset string

	// Thresholds
	WeeklyThresholds  Thresholds
	MonthlyThresholds Thresholds

	// Notifications
	Webhooks Webhooks

	// Scheduler
	SchedulerEnabled bool
	DeliverySweepAt  string
	RecalcAt         string
	MaxRecalcDays    int

	// Run lock
	RedisAddr string

	// Operator API
	OperatorJWTSecret string
	TriggerDedupTTL   time.Duration

	// Observability
	OTLPEndpoint string

	parseErrs []error
}

// Load reads configuration from environment variables with defaults.
// Malformed values are reported by Validate.
func Load() *Config {
	c := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", BackendFirebase)),
		FirebaseDatabaseURL: getEnv("FIREBASE_DATABASE_URL", ""),
		FirebaseAuthToken:   getEnv("FIREBASE_AUTH_TOKEN", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "card-usage-reports.db"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 16),

		CivilUTCOffset: getEnv("CIVIL_UTC_OFFSET", calendar.DefaultOffset),

		Webhooks: Webhooks{
			Default: getEnv("WEBHOOK_DEFAULT_URL", ""),
			Alert:   getEnv("WEBHOOK_ALERT_URL", ""),
			Daily:   getEnv("WEBHOOK_DAILY_URL", ""),
			Weekly:  getEnv("WEBHOOK_WEEKLY_URL", ""),
			Monthly: getEnv("WEBHOOK_MONTHLY_URL", ""),
		},

		SchedulerEnabled: getEnv("SCHEDULER_ENABLED", "true") == "true",
		DeliverySweepAt:  getEnv("DELIVERY_SWEEP_AT", "09:00"),
		RecalcAt:         getEnv("RECALC_AT", "04:00"),
		MaxRecalcDays:    getEnvInt("MAX_RECALC_DAYS", 90),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
		TriggerDedupTTL:   getEnvDuration("TRIGGER_DEDUP_TTL", 10*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if c.WeeklyThresholds, err = ParseThresholds("WEEKLY_THRESHOLDS", getEnv("WEEKLY_THRESHOLDS", "30000,50000,70000")); err != nil {
		c.parseErrs = append(c.parseErrs, err)
	}
	if c.MonthlyThresholds, err = ParseThresholds("MONTHLY_THRESHOLDS", getEnv("MONTHLY_THRESHOLDS", "100000,150000,200000")); err != nil {
		c.parseErrs = append(c.parseErrs, err)
	}
	return c
}

// Validate fails fast on settings the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return c.parseErrs[0]
	}
	for field, t := range map[string]Thresholds{
		"WEEKLY_THRESHOLDS":  c.WeeklyThresholds,
		"MONTHLY_THRESHOLDS": c.MonthlyThresholds,
	} {
		if t.Level1 >= t.Level2 || t.Level2 >= t.Level3 {
			return &domain.ErrConfig{Field: field, Message: fmt.Sprintf("levels must be strictly increasing, got %d,%d,%d", t.Level1, t.Level2, t.Level3)}
		}
	}
	if _, err := calendar.ParseOffset(c.CivilUTCOffset); err != nil {
		return err
	}
	switch c.StoreBackend {
	case BackendFirebase:
		if c.FirebaseDatabaseURL == "" {
			return &domain.ErrConfig{Field: "FIREBASE_DATABASE_URL", Message: "required when STORE_BACKEND=firebase"}
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return &domain.ErrConfig{Field: "SQLITE_PATH", Message: "required when STORE_BACKEND=sqlite"}
		}
	case BackendMemory:
	default:
		return &domain.ErrConfig{Field: "STORE_BACKEND", Message: fmt.Sprintf("unknown backend %q", c.StoreBackend)}
	}
	for field, v := range map[string]string{"DELIVERY_SWEEP_AT": c.DeliverySweepAt, "RECALC_AT": c.RecalcAt} {
		if _, _, err := ParseClock(v); err != nil {
			return &domain.ErrConfig{Field: field, Message: err.Error()}
		}
	}
	if c.MaxRecalcDays < 1 {
		return &domain.ErrConfig{Field: "MAX_RECALC_DAYS", Message: "must be at least 1"}
	}
	return nil
}

// NotificationChannels resolves every channel to its webhook URL:
// the channel override, else the default, else "" (disabled).
func (c *Config) NotificationChannels() map[domain.Channel]string {
	pick := func(override string) string {
		if override != "" {
			return override
		}
		return c.Webhooks.Default
	}
	return map[domain.Channel]string{
		domain.ChannelAlert:   pick(c.Webhooks.Alert),
		domain.ChannelDaily:   pick(c.Webhooks.Daily),
		domain.ChannelWeekly:  pick(c.Webhooks.Weekly),
		domain.ChannelMonthly: pick(c.Webhooks.Monthly),
	}
}

// ParseThresholds parses "L1,L2,L3".
func ParseThresholds(field, s string) (Thresholds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Thresholds{}, &domain.ErrConfig{Field: field, Message: fmt.Sprintf("expected three comma separated levels, got %q", s)}
	}
	var levels [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return Thresholds{}, &domain.ErrConfig{Field: field, Message: fmt.Sprintf("level %d is not an integer: %q", i+1, p)}
		}
		levels[i] = v
	}
	return Thresholds{Level1: levels[0], Level2: levels[1], Level3: levels[2]}, nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
