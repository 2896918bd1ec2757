// Package webhook delivers alert and summary notifications to chat webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/resilience"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("webhook")

// Notifier posts notifications to one webhook URL per channel.
// A channel without a URL is disabled and its notifications are dropped.
type Notifier struct {
	httpClient *http.Client
	endpoints  map[domain.Channel]string
	guard      *resilience.Guard
	logger     *zap.Logger
}

var _ port.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier for the resolved channel endpoints.
func NewNotifier(httpClient *http.Client, endpoints map[domain.Channel]string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Notifier {
	return &Notifier{
		httpClient: httpClient,
		endpoints:  endpoints,
		guard:      resilience.NewGuard("webhook", cb, cfg),
		logger:     logger,
	}
}

// payload is the JSON body accepted by Discord and Slack style webhooks.
type payload struct {
	Content string `json:"content"`
	Text    string `json:"text"`
}

// Render formats a notification as plain message text.
func Render(n domain.Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	for _, l := range n.Lines {
		b.WriteString("\n")
		b.WriteString(l)
	}
	fmt.Fprintf(&b, "\ntotal: %d (%d uses)", n.Amount, n.Count)
	return b.String()
}

// Notify posts n to its channel's webhook.
func (w *Notifier) Notify(ctx context.Context, n domain.Notification) error {
	ctx, span := tracer.Start(ctx, "Webhook.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("notification.channel", string(n.Channel)))

	url := w.endpoints[n.Channel]
	if url == "" {
		w.logger.Debug("webhook: channel disabled, notification dropped",
			zap.String("channel", string(n.Channel)),
			zap.String("title", n.Title),
		)
		return nil
	}

	text := Render(n)
	body, err := json.Marshal(payload{Content: text, Text: text})
	if err != nil {
		return err
	}

	err = w.guard.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resilience.StatusError(resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("webhook: delivery failed",
			zap.String("channel", string(n.Channel)),
			zap.Error(err),
		)
		return &domain.ErrExternalService{Service: "webhook/" + string(n.Channel), Err: err}
	}

	w.logger.Info("webhook: delivered",
		zap.String("channel", string(n.Channel)),
		zap.String("title", n.Title),
	)
	return nil
}
