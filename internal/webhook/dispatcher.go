// Package webhook delivers alert notifications as JSON HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/logsentry/internal/metrics"
	"github.com/marcus-qen/logsentry/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a live alert delivery.
	DefaultTimeout = 30 * time.Second
	// DefaultTestTimeout bounds an ad-hoc connectivity test.
	DefaultTestTimeout = 10 * time.Second

	maxErrorBody = 4096
)

// DeliveryError describes a failed webhook call. Body holds the start of the
// response body, kept for diagnostics only.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the live delivery timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.timeout = d }
}

// WithTestTimeout sets the connectivity test timeout. Default: 10s.
func WithTestTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.testTimeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(x *Dispatcher) { x.client = c }
}

// Dispatcher POSTs alert payloads. It never retries; the scheduler's next
// tick is the only retry path.
type Dispatcher struct {
	client      *http.Client
	userAgent   string
	timeout     time.Duration
	testTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher identifying itself as logsentry/<version>.
func NewDispatcher(version string, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		client:      &http.Client{},
		userAgent:   "logsentry/" + version,
		timeout:     DefaultTimeout,
		testTimeout: DefaultTestTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers payload to url. It returns nil only for a 2xx response.
func (d *Dispatcher) Send(ctx context.Context, url string, headers map[string]string, payload Payload) error {
	return d.post(ctx, d.timeout, url, headers, payload)
}

// Test sends a connectivity test payload using the shorter test timeout.
func (d *Dispatcher) Test(ctx context.Context, url string, headers map[string]string) error {
	now := time.Now().UTC()
	payload := Payload{
		AlertName: "logsentry.test",
		Severity:  SeverityInfo,
		Timestamp: now,
		Window:    Window{Start: now, End: now},
		Message:   "test webhook",
	}
	return d.post(ctx, d.testTimeout, url, headers, payload)
}

func (d *Dispatcher) post(ctx context.Context, timeout time.Duration, url string, headers map[string]string, payload Payload) (err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := telemetry.StartDispatchSpan(ctx, url)
	status := 0
	start := time.Now()
	defer func() {
		telemetry.EndDispatchSpan(span, status, err)
		metrics.RecordDelivery(err == nil, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		d.logger.Debug("webhook delivered", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: string(snippet)}
}
