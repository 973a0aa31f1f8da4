// Package transport sends GET requests to the QQ Connect provider and turns
// every transport-level fault into an *APIError.
//
// Requests are attempted once. Retrying is left to callers, and none of the
// callers in this module retry: authorization codes are single use and the
// background jobs re-run on their own schedule.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies when neither the client nor the request sets one.
	DefaultTimeout = 30 * time.Second

	maxBodyBytes = 1 << 20
)

// sensitiveParams are masked before a URL is logged
var sensitiveParams = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"code":          true,
}

// Options are per-request settings
type Options struct {
	Query   url.Values
	Headers map[string]string
	// Timeout overrides the client default when positive
	Timeout time.Duration
}

// Response is the raw provider answer
type Response struct {
	Content    string
	StatusCode int
}

// APIError reports that the provider could not be talked to, either because
// the request never completed or because it answered with an HTTP error.
type APIError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider returned HTTP %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: could not communicate with provider: %v", e.Operation, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Client executes provider requests
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout sets the default per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// New creates a client. Without options it uses http.DefaultTransport, a 30s
// timeout and a QQ-Connect user agent.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		headers: map[string]string{
			"User-Agent": "qqconnect-go/1.0",
			"Accept":     "application/json, text/plain, */*",
		},
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET for operation. Network failures, timeouts, unreadable bodies
// and HTTP statuses >= 400 are returned as *APIError.
func (c *Client) Get(ctx context.Context, operation, rawURL string, opts Options) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &APIError{Operation: operation, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.log.With(zap.String("operation", operation), zap.String("url", redact(u)))
	log.Debug("provider request started")
	start := time.Now()

	resp, err := c.do(ctx, u.String(), opts.Headers)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("provider request failed", zap.Duration("duration", elapsed), zap.Error(err))
		c.metrics.ObserveProviderRequest(operation, "error", elapsed)
		return nil, &APIError{Operation: operation, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		log.Warn("provider request failed", zap.Int("status", resp.StatusCode), zap.Duration("duration", elapsed))
		c.metrics.ObserveProviderRequest(operation, "http_error", elapsed)
		return nil, &APIError{Operation: operation, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	log.Debug("provider request succeeded", zap.Int("status", resp.StatusCode), zap.Duration("duration", elapsed))
	c.metrics.ObserveProviderRequest(operation, "success", elapsed)
	return resp, nil
}

func (c *Client) do(ctx context.Context, target string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{Content: string(body), StatusCode: resp.StatusCode}, nil
}

// redact renders u for logs with credentials in the query string masked
func redact(u *url.URL) string {
	masked := *u
	q := masked.Query()
	for k, vs := range q {
		if !sensitiveParams[k] {
			continue
		}
		for i, v := range vs {
			vs[i] = maskSecret(v)
		}
	}
	masked.RawQuery = q.Encode()
	return masked.String()
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "…"
}
