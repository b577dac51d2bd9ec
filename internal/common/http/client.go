// Package http is the JSON REST client shared by the CI backend and SCM clients. Requests
// are paced by a rate limiter, guarded by a circuit breaker and retried on transient failures.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ci-replicator/internal/circuitbreaker"
	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/ratelimit"
	"ci-replicator/internal/common/utils"
)

// ClientConfig holds transport settings
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultClientConfig returns default HTTP client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewHTTPClient creates a pooled *http.Client
func NewHTTPClient(cfg ClientConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}
}

// StatusError is the cause of every error built from a non-2xx response
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// AsStatusError extracts the response status error from err
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := stderrors.As(err, &se)
	return se, ok
}

// Request describes one API call. Body is JSON-encoded unless RawBody is set.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Headers     map[string]string
	Body        interface{}
	RawBody     []byte
	ContentType string
	// Expected marks error responses that are part of the endpoint's normal behaviour; they
	// do not count against the circuit breaker
	Expected func(error) bool
}

// Response is a fully read response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// JSON decodes the body into v
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.BackendError("failed to decode response body", err)
	}
	return nil
}

// Client performs requests against one base URL
type Client struct {
	client     *http.Client
	baseURL    string
	headers    map[string]string
	authorize  func(*http.Request)
	breaker    *circuitbreaker.Breaker
	limiter    ratelimit.Limiter
	limiterKey string
	retry      utils.RetryConfig
	logger     logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithBearerToken sends an Authorization: Bearer header
func WithBearerToken(token string) Option {
	return func(cl *Client) {
		cl.authorize = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
}

// WithTokenAuth sends an Authorization: token header, the GitHub convention
func WithTokenAuth(token string) Option {
	return func(cl *Client) {
		cl.authorize = func(r *http.Request) { r.Header.Set("Authorization", "token "+token) }
	}
}

// WithBasicAuth sends basic credentials
func WithBasicAuth(username, password string) Option {
	return func(cl *Client) {
		cl.authorize = func(r *http.Request) { r.SetBasicAuth(username, password) }
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.headers[key] = value }
}

// WithCircuitBreaker guards every attempt with b
func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// WithRateLimiter paces requests using the bucket for key; an empty key uses the global bucket
func WithRateLimiter(l ratelimit.Limiter, key string) Option {
	return func(cl *Client) {
		cl.limiter = l
		cl.limiterKey = key
	}
}

// WithRetryConfig replaces the transient-failure retry policy
func WithRetryConfig(cfg utils.RetryConfig) Option {
	return func(cl *Client) { cl.retry = cfg }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// DefaultRetryConfig retries connection failures and 429/502/503/504 responses
func DefaultRetryConfig() utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		JitterFactor:    0.1,
		RetryableErrors: IsTransient,
	}
}

// IsTransient reports connection failures and overloaded-server responses
func IsTransient(err error) bool {
	if errors.IsType(err, errors.ErrTypeConnection) {
		return true
	}
	switch StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewClient creates a client for baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		client:  NewHTTPClient(DefaultClientConfig()),
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{"Accept": "application/json"},
		limiter: ratelimit.Unlimited(),
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	return c
}

// BaseURL returns the URL paths are resolved against
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do performs req, retrying transient failures. Non-2xx responses become typed errors
// wrapping a *StatusError: 404 is not_found, 409 and 412 are conflict, other 4xx are
// validation and everything else is backend.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = utils.RetryWithBackoff(ctx, c.retry, func() error {
		var attemptErr error
		resp, attemptErr = c.attempt(ctx, req, body, contentType)
		return attemptErr
	})
	if err != nil {
		return resp, unwrapRetry(err)
	}
	return resp, nil
}

// GetJSON performs a GET and decodes the response into out
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) (*Response, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return resp, err
	}
	if out != nil {
		return resp, resp.JSON(out)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte, contentType string) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, errors.TimeoutError("waiting for rate limiter")
	}

	var resp *Response
	call := func() error {
		var err error
		resp, err = c.send(ctx, req, body, contentType)
		return err
	}
	if c.breaker != nil {
		return resp, c.breaker.ExecuteExpecting(call, req.Expected)
	}
	return resp, call()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiterKey == "" {
		return c.limiter.Wait(ctx)
	}
	return c.limiter.WaitForKey(ctx, c.limiterKey)
}

func (c *Client) send(ctx context.Context, req Request, body []byte, contentType string) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.authorize != nil {
		c.authorize(httpReq)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("%s %s failed", req.Method, target), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.ConnectionError("failed to read response body", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}
	c.logger.Debug("API request",
		logging.String("method", req.Method),
		logging.String("url", target),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", resp.Duration),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return resp, statusError(req.Method, target, resp)
}

func statusError(method, target string, resp *Response) error {
	se := &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	var appErr *errors.AppError
	switch {
	case resp.StatusCode == http.StatusNotFound:
		appErr = errors.NotFoundError(target)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		appErr = errors.ConflictError(se.Error())
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests &&
		resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden:
		appErr = errors.ValidationError(se.Error())
	default:
		appErr = errors.BackendError(se.Error(), nil)
	}
	appErr.Cause = se
	return appErr
}

func encodeBody(req Request) ([]byte, string, error) {
	if req.RawBody != nil {
		return req.RawBody, req.ContentType, nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", errors.InternalError("failed to encode request body", err)
	}
	return data, "application/json", nil
}

// unwrapRetry drops the retry wrapper so callers see the typed error of the last attempt
func unwrapRetry(err error) error {
	if stderrors.Is(err, utils.ErrMaxRetriesExceeded) {
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			return appErr
		}
	}
	return err
}
