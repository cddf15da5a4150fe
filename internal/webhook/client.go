// Package webhook delivers events to subscriber callbacks over HTTPS.
//
// Delivery retries transient failures with bounded exponential backoff:
// network errors, 408, 429 and 5xx responses are retried until the attempt
// ceiling is reached; any other non-2xx response is permanent and abandons
// the delivery immediately. A Retry-After header on a 429 or 503 response
// overrides the computed wait.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Header names set on every delivery.
const (
	HeaderEvent    = "X-Capgate-Event"
	HeaderEventID  = "X-Capgate-Event-Id"
	HeaderAttempt  = "X-Capgate-Delivery-Attempt"
	defaultAgent   = "capgate-webhook/1"
	maxErrorPrefix = 512
)

// Payload is the JSON body posted to a callback.
type Payload struct {
	EventID        string         `json:"eventId"`
	SubscriptionID string         `json:"subscriptionId"`
	Type           string         `json:"type"`
	Capability     string         `json:"capability"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Data           map[string]any `json:"data,omitempty"`
}

// Result describes the final outcome of a delivery.
type Result struct {
	// Attempts is the number of requests sent.
	Attempts int
	// StatusCode is the status of the last response, 0 if none was received.
	StatusCode int
	// Err is nil when the callback acknowledged with a 2xx status.
	Err error
}

// Delivered reports whether the callback acknowledged the event.
func (r Result) Delivered() bool {
	return r.Err == nil
}

// StatusError is a non-2xx callback response.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("callback returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("callback returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Transient reports whether a status is worth retrying.
func Transient(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// Config tunes the retry policy.
type Config struct {
	// MaxAttempts is the attempt ceiling including the first request.
	// Default: 5.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	// Default: 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps any single wait.
	// Default: 30s.
	MaxBackoff time.Duration
	// RequestTimeout bounds each individual request.
	// Default: 10s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Client posts payloads to callbacks.
//
// Thread-safety: safe for concurrent use.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. with one that
// trusts a test server's certificate.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a delivery client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{},
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts p to callback, retrying transient failures.
// It returns when the callback acknowledged, the attempt ceiling was
// reached, a permanent failure occurred, or ctx was cancelled.
func (c *Client) Deliver(ctx context.Context, callback string, p Payload) Result {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	var res Result
	operation := func() (int, error) {
		res.Attempts++
		status, err := c.post(ctx, callback, p, body, res.Attempts)
		res.StatusCode = status
		return status, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("webhook delivery retry",
				"event_id", p.EventID,
				"subscription_id", p.SubscriptionID,
				"attempt", res.Attempts,
				"wait", wait.String(),
				"error", err)
		}),
	)
	res.Err = err
	return res
}

func (c *Client) post(ctx context.Context, callback string, p Payload, body []byte, attempt int) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultAgent)
	req.Header.Set(HeaderEvent, p.Type)
	req.Header.Set(HeaderEventID, p.EventID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		// Network errors are transient.
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPrefix))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	if !Transient(resp.StatusCode) {
		return resp.StatusCode, backoff.Permanent(statusErr)
	}
	if secs, ok := retryAfter(resp); ok {
		if limit := int(c.cfg.MaxBackoff / time.Second); secs > limit {
			secs = limit
		}
		return resp.StatusCode, errors.Join(statusErr, backoff.RetryAfter(secs))
	}
	return resp.StatusCode, statusErr
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) (int, bool) {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, false
	}
	return secs, true
}
