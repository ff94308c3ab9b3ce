// Package polygon is a rate-limited client for the Polygon.io REST API.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"snowpulse/config"
	ratemetrics "snowpulse/internal/metrics/rate"
	"snowpulse/logger"
)

const component = "polygon_client"

// Client performs GET requests against the upstream. All requests made
// through one Client, and through any Client sharing its Gate, are
// serialized and spaced.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	gate       *Gate
	log        *logger.Log

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCallDelay replaces the gate with one enforcing delay between calls.
func WithCallDelay(d time.Duration) Option {
	return func(c *Client) { c.gate = NewGate(d) }
}

// WithGate shares an existing gate.
func WithGate(g *Gate) Option {
	return func(c *Client) { c.gate = g }
}

// WithRetry enables bounded retries of 429 and 5xx responses. maxAttempts
// counts the first try.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Log) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client with a 15s timeout, no retries and a gate of
// 12s (five calls per minute).
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		timeout:     15 * time.Second,
		gate:        NewGate(12 * time.Second),
		log:         logger.GetLogger(),
		maxAttempts: 1,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// NewClientFromConfig builds the client described by cfg.
func NewClientFromConfig(cfg config.PolygonConfig, opts ...Option) *Client {
	base := []Option{
		WithTimeout(cfg.Timeout),
		WithCallDelay(cfg.CallDelay()),
		WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
	}
	return NewClient(cfg.BaseURL, cfg.APIKey, append(base, opts...)...)
}

// Gate exposes the gate so other clients can share it.
func (c *Client) Gate() *Gate { return c.gate }

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Get performs a gated GET of path with params and decodes the JSON object
// in the response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	body, err := c.getWithRetry(ctx, path, params)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

func (c *Client) getWithRetry(ctx context.Context, path string, params url.Values) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay

	for attempt := 1; ; attempt++ {
		body, err := c.doRequest(ctx, path, params)
		if err == nil {
			return body, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.IsRetryable() || attempt >= c.maxAttempts {
			return nil, err
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			return nil, err
		}
		c.log.WithComponent(component).WithFields(logger.Fields{
			"attempt": attempt,
			"backoff": sleep.String(),
			"path":    path,
			"status":  httpErr.StatusCode,
		}).Debug("retrying request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// doRequest performs one gated request. The timeout covers the request
// only, not the time spent waiting for the gate.
func (c *Client) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var body []byte
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		b, err := c.send(reqCtx, path, params)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return fmt.Errorf("polygon GET %s: %w", path, ctx.Err())
			case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
				return fmt.Errorf("polygon GET %s after %s: %w", path, c.timeout, ErrTimeout)
			}
			return err
		}
		logger.LogPerformanceEntry(c.log.WithComponent(component), component, "get", time.Since(start), logger.Fields{"path": path})
		body = b
		return nil
	})
	return body, err
}

func (c *Client) send(ctx context.Context, path string, params url.Values) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the full URL, including the key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("polygon GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ratemetrics.ReportLimitFromResponse(c.log, "polygon", path, params.Get("ticker"), resp.StatusCode, string(body))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Path: path, Body: body}
	}
	return body, nil
}
