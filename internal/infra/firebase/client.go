// Package firebase provides a DocumentStore backed by the Firebase Realtime
// Database REST API. It is the production store for source records and
// aggregates.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/resilience"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("firebase")

// maxTxAttempts bounds the compare-and-set loop of Transact.
const maxTxAttempts = 25

// errConflict signals a lost compare-and-set race.
var errConflict = errors.New("etag mismatch")

// Client wraps HTTP calls to the Realtime Database REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	guard      *resilience.Guard
	bulkhead   *resilience.Bulkhead
	logger     *zap.Logger
}

var _ port.DocumentStore = (*Client)(nil)

// NewClient creates a Realtime Database client.
func NewClient(httpClient *http.Client, baseURL, authToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		guard:      resilience.NewGuard("firebase", cb, cfg),
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		logger:     logger,
	}
}

type response struct {
	status int
	etag   string
	body   []byte
}

// doRequest executes one authenticated REST call against {base}/{path}.json.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte, header http.Header) (*response, error) {
	if query == nil {
		query = url.Values{}
	}
	if c.authToken != "" {
		query.Set("auth", c.authToken)
	}
	u := fmt.Sprintf("%s/%s.json", c.baseURL, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		c.logger.Error("firebase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	c.bulkhead.Release()
	if err != nil {
		c.logger.Error("firebase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("firebase: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	out := &response{status: resp.StatusCode, etag: resp.Header.Get("ETag"), body: data}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("firebase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(data)),
		)
		return nil, resilience.StatusError(resp.StatusCode,
			fmt.Errorf("firebase returned status %d: %s", resp.StatusCode, string(data)))
	}

	c.logger.Debug("firebase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return out, nil
}

// call runs fn under the guard and maps failures to ErrStoreAccess.
func (c *Client) call(ctx context.Context, op, path string, fn func() error) error {
	if err := c.guard.Do(ctx, fn); err != nil {
		return &domain.ErrStoreAccess{Op: op, Path: path, Err: err}
	}
	return nil
}

// Get decodes the value at path into dst. A JSON null means absent.
func (c *Client) Get(ctx context.Context, path string, dst any) (bool, error) {
	ctx, span := tracer.Start(ctx, "Firebase.Get")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	var body []byte
	err := c.call(ctx, "get", path, func() error {
		resp, err := c.doRequest(ctx, http.MethodGet, path, nil, nil, nil)
		if err != nil {
			return err
		}
		body = resp.body
		return nil
	})
	if err != nil {
		return false, err
	}
	if isNull(body) {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return true, &domain.ErrStoreAccess{Op: "get", Path: path, Err: fmt.Errorf("failed to decode document: %w", err)}
	}
	return true, nil
}

// Set replaces the value at path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	ctx, span := tracer.Start(ctx, "Firebase.Set")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	raw, err := json.Marshal(value)
	if err != nil {
		return &domain.ErrStoreAccess{Op: "set", Path: path, Err: err}
	}
	return c.call(ctx, "set", path, func() error {
		_, err := c.doRequest(ctx, http.MethodPut, path, silent(), raw, nil)
		return err
	})
}

// Update shallow-merges fields into the value at path.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "Firebase.Update")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	raw, err := json.Marshal(fields)
	if err != nil {
		return &domain.ErrStoreAccess{Op: "update", Path: path, Err: err}
	}
	return c.call(ctx, "update", path, func() error {
		_, err := c.doRequest(ctx, http.MethodPatch, path, silent(), raw, nil)
		return err
	})
}

// Delete removes the value at path and everything below it.
func (c *Client) Delete(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "Firebase.Delete")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	return c.call(ctx, "delete", path, func() error {
		_, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil, nil)
		return err
	})
}

// ListChildren returns the sorted child keys of path using a shallow query.
func (c *Client) ListChildren(ctx context.Context, path string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Firebase.ListChildren")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	var body []byte
	err := c.call(ctx, "list", path, func() error {
		resp, err := c.doRequest(ctx, http.MethodGet, path, url.Values{"shallow": {"true"}}, nil, nil)
		if err != nil {
			return err
		}
		body = resp.body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if isNull(body) {
		return []string{}, nil
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(body, &children); err != nil {
		// A leaf value has no children.
		return []string{}, nil
	}
	out := make([]string, 0, len(children))
	for k := range children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Transact performs a compare-and-set loop using ETags: the current value is
// read with its ETag and written back with if-match. A 412 answer carries
// the fresh value and ETag, and fn runs again on it.
func (c *Client) Transact(ctx context.Context, path string, fn port.TxFunc) error {
	ctx, span := tracer.Start(ctx, "Firebase.Transact")
	defer span.End()
	path = clean(path)
	span.SetAttributes(attribute.String("doc.path", path))

	var current *response
	err := c.call(ctx, "transact", path, func() error {
		resp, err := c.doRequest(ctx, http.MethodGet, path, nil, nil, http.Header{"X-Firebase-ETag": {"true"}})
		if err != nil {
			return err
		}
		current = resp
		return nil
	})
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		var raw json.RawMessage
		if !isNull(current.body) {
			raw = json.RawMessage(current.body)
		}

		next, err := fn(raw)
		if errors.Is(err, port.ErrSkipWrite) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return &domain.ErrStoreAccess{Op: "transact", Path: path, Err: err}
		}

		var result *response
		err = c.call(ctx, "transact", path, func() error {
			resp, err := c.doRequest(ctx, http.MethodPut, path, nil, payload, http.Header{"if-match": {current.etag}})
			if err != nil {
				return err
			}
			result = resp
			return nil
		})
		if err != nil {
			return err
		}
		if result.status != http.StatusPreconditionFailed {
			span.SetAttributes(attribute.Int("tx.attempts", attempt))
			return nil
		}

		c.logger.Debug("firebase: transaction conflict, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
		)
		current = result
	}
	return &domain.ErrStoreAccess{Op: "transact", Path: path, Err: errConflict}
}

func silent() url.Values {
	return url.Values{"print": {"silent"}}
}

func isNull(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

func clean(path string) string {
	return strings.Trim(path, "/")
}
