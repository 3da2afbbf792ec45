// Package webhook delivers result envelopes to caller-supplied URLs with
// bounded exponential-backoff retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/metrics"
)

// Static errors for webhook operations.
var (
	// ErrInvalidURL is returned when the webhook target is not an absolute
	// http(s) URL.
	ErrInvalidURL = errors.New("webhook: invalid URL")
	// ErrDeliveryFailed is returned when the endpoint rejects the envelope
	// with a non-retryable status.
	ErrDeliveryFailed = errors.New("webhook: delivery failed")
	// ErrServerError is returned when the endpoint answers with a 5xx status.
	ErrServerError = errors.New("webhook: server error")
	// ErrRateLimited is returned when the endpoint answers with a 429 status.
	ErrRateLimited = errors.New("webhook: rate limited")
)

// Notifier posts a JSON payload to a webhook URL.
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, payload any) error
}

// Compile-time check that Client implements Notifier.
var _ Notifier = (*Client)(nil)

// Client is the HTTP implementation of Notifier.
type Client struct {
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) Option {
	return func(cl *Client) {
		if n >= 0 {
			cl.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(cl *Client) {
		cl.baseBackoff = d
	}
}

// NewClient creates a webhook client with sane defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify POSTs the payload as JSON to webhookURL, retrying network errors,
// 5xx responses and 429 with exponential backoff.
func (c *Client) Notify(ctx context.Context, webhookURL string, payload any) error {
	if err := validateURL(webhookURL); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	err = c.postWithRetry(ctx, webhookURL, body)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	return nil
}

// validateURL accepts only absolute http(s) URLs.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// postWithRetry performs the POST with exponential backoff on transient errors.
func (c *Client) postWithRetry(ctx context.Context, url string, body []byte) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.post(ctx, url, body)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("webhook: max retries exceeded: %w", lastErr)
}

// post performs a single delivery attempt.
func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("webhook: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &retryableError{err: fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)}
	}
	return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
