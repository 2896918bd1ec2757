package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedRouter(t *testing.T) (http.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)

	r := chi.NewRouter()
	r.Use(observability.ZapLoggerMiddleware(zap.New(core)))
	r.Use(observability.TracingMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/v1/reports/daily/{year}/{month}/{day}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	r.Post("/v1/recalculations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r, logs
}

func TestZapLoggerMiddleware_RoutePattern(t *testing.T) {
	h, logs := newLoggedRouter(t)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/reports/daily/2024/1/10", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.InfoLevel {
		t.Errorf("expected info, got %s", e.Level)
	}
	fields := e.ContextMap()
	if fields["route"] != "/v1/reports/daily/{year}/{month}/{day}" {
		t.Errorf("unexpected route %v", fields["route"])
	}
	if fields["bytes"] != int64(2) {
		t.Errorf("expected 2 bytes, got %v", fields["bytes"])
	}
}

func TestZapLoggerMiddleware_Levels(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   zapcore.Level
	}{
		{http.MethodGet, "/healthz", zapcore.DebugLevel},
		{http.MethodGet, "/nope", zapcore.WarnLevel},
		{http.MethodPost, "/v1/recalculations", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h, logs := newLoggedRouter(t)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected 1 log entry, got %d", len(entries))
			}
			if entries[0].Level != tt.want {
				t.Errorf("expected %s, got %s", tt.want, entries[0].Level)
			}
		})
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger := observability.NewLogger(tt.level, "test")
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("%q: expected %s enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("%q: expected %s disabled", tt.level, tt.want-1)
		}
	}
}
