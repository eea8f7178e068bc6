package client

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

const RequestIDHeader = "X-Request-ID"

// Authenticator attaches credentials to an outgoing request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *fasthttp.Request) error
}

type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Body    any
	Headers map[string]string
	// Timeout overrides the client timeout for this call.
	Timeout time.Duration
}

type Response struct {
	Status    int
	RequestID string
	Body      []byte
}

type Option func(*HTTPClient)

// WithDial replaces the network dialer, mainly for in-memory tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *HTTPClient) {
		c.client.Dial = dial
	}
}

// WithBackoff sets the base delay between retries.
func WithBackoff(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.backoff = d
	}
}

// HTTPClient talks JSON to the marketplace backend. Failures come back as
// *types.NetworkError when no response arrived and *types.APIError for
// non-2xx responses. Only idempotent methods are retried.
type HTTPClient struct {
	logger  types.Logger
	metrics types.MetricsManager
	auth    Authenticator
	config  *types.ClientConfig
	client  *fasthttp.Client
	breaker *CircuitBreaker
	baseURL string
	backoff time.Duration
	state   atomic.Value
}

func NewHTTPClient(config *types.ClientConfig, logger types.Logger, metrics types.MetricsManager, auth Authenticator, opts ...Option) (*HTTPClient, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "client base url is required")
	}

	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sai-query"
	}

	c := &HTTPClient{
		logger:  logger,
		metrics: metrics,
		auth:    auth,
		config:  &cfg,
		client: &fasthttp.Client{
			Name:                     cfg.UserAgent,
			ReadTimeout:              cfg.Timeout,
			WriteTimeout:             cfg.Timeout,
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		},
		breaker: NewCircuitBreaker(cfg.CircuitBreaker, logger),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		backoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.state.Store(StateStopped)

	return c, nil
}

func (c *HTTPClient) Start() error {
	if !c.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServiceIsRunning
	}

	c.logger.Info("HTTP client started",
		zap.String("base_url", c.baseURL),
		zap.Duration("timeout", c.config.Timeout),
		zap.Int("retries", c.config.Retries),
		zap.String("breaker", c.breaker.State().String()),
	)
	return nil
}

func (c *HTTPClient) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServiceIsNotRunning
	}

	c.client.CloseIdleConnections()
	c.logger.Info("HTTP client stopped")
	return nil
}

func (c *HTTPClient) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Breaker() *CircuitBreaker {
	return c.breaker
}

func (c *HTTPClient) Get(ctx context.Context, path string, query map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodGet, Path: path, Query: query})
}

func (c *HTTPClient) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodPost, Path: path, Body: body})
}

func (c *HTTPClient) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodPut, Path: path, Body: body})
}

func (c *HTTPClient) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodPatch, Path: path, Body: body})
}

func (c *HTTPClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodDelete, Path: path})
}

// Do sends r and returns the raw 2xx response.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	if !c.IsRunning() {
		return nil, types.ErrClientNotRunning
	}

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = fasthttp.MethodGet
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = utils.Marshal(r.Body)
		if err != nil {
			return nil, types.WrapError(err, "failed to marshal request body")
		}
	}

	timeout := c.config.Timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	retries := 0
	if isIdempotent(method) {
		retries = c.config.Retries
	}

	requestID := uuid.NewString()
	start := time.Now()

	var (
		resp *Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = c.attempt(ctx, method, r, body, requestID, timeout)
		if err == nil || attempt >= retries || ctx.Err() != nil || !types.IsRetryable(err) {
			break
		}

		delay := time.Duration(attempt+1) * c.backoff
		c.logger.Debug("Retrying request",
			zap.String("method", method),
			zap.String("path", r.Path),
			zap.String("request_id", requestID),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if waitErr := wait(ctx, delay); waitErr != nil {
			err = waitErr
			break
		}
	}

	c.recordMetrics(method, resp, err, start)

	if err != nil {
		if _, ok := types.AsAPIError(err); !ok {
			c.logger.Warn("Request failed",
				zap.String("method", method),
				zap.String("path", r.Path),
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) attempt(ctx context.Context, method string, r *Request, body []byte, requestID string, timeout time.Duration) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, networkError(method, r.Path, err)
	}

	req := fasthttp.AcquireRequest()
	if err := c.build(ctx, req, method, r, body, requestID); err != nil {
		fasthttp.ReleaseRequest(req)
		return nil, err
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		if err := c.client.DoTimeout(req, resp, timeout); err != nil {
			c.breaker.RecordFailure()
			done <- result{err: networkError(method, r.Path, err)}
			return
		}

		status := resp.StatusCode()
		if isTransientStatus(status) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}

		payload, err := decodeBody(resp)
		if err != nil {
			done <- result{err: types.Errorf(types.ErrClientResponseInvalid, "decode body: %v", err)}
			return
		}

		if status < 200 || status >= 300 {
			done <- result{err: apiError(status, payload)}
			return
		}

		done <- result{resp: &Response{Status: status, RequestID: requestID, Body: payload}}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *HTTPClient) build(ctx context.Context, req *fasthttp.Request, method string, r *Request, body []byte, requestID string) error {
	req.SetRequestURI(c.baseURL + r.Path)
	req.Header.SetMethod(method)
	req.Header.SetUserAgent(c.config.UserAgent)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	if c.config.Compression {
		req.Header.Set(fasthttp.HeaderAcceptEncoding, "br, gzip")
	}

	if len(r.Query) > 0 {
		keys := make([]string, 0, len(r.Query))
		for k := range r.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		args := req.URI().QueryArgs()
		for _, k := range keys {
			args.Add(k, r.Query[k])
		}
	}

	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, req); err != nil {
			return types.WrapError(err, "failed to apply credentials")
		}
	}
	return nil
}

// decodeBody returns a copy of the body with any content encoding removed.
func decodeBody(resp *fasthttp.Response) ([]byte, error) {
	switch string(bytes.ToLower(resp.Header.ContentEncoding())) {
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(resp.Body())))
	case "gzip":
		return resp.BodyGunzip()
	default:
		return append([]byte(nil), resp.Body()...), nil
	}
}

func isIdempotent(method string) bool {
	switch method {
	case fasthttp.MethodGet, fasthttp.MethodHead, fasthttp.MethodOptions:
		return true
	default:
		return false
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *HTTPClient) recordMetrics(method string, resp *Response, err error, start time.Time) {
	if c.metrics == nil {
		return
	}

	status := "2xx"
	switch {
	case resp != nil:
	case types.IsNetwork(err):
		status = "network"
	default:
		if apiErr, ok := types.AsAPIError(err); ok {
			status = strconv.Itoa(apiErr.Status/100) + "xx"
		} else {
			status = "error"
		}
	}

	c.metrics.Counter("client_requests_total", map[string]string{
		"method": method,
		"status": status,
	}).Inc()

	c.metrics.Histogram("client_request_duration_seconds", types.DefaultDurationBuckets, map[string]string{
		"method": method,
	}).Observe(time.Since(start).Seconds())

	c.metrics.Gauge("client_circuit_breaker_state", nil).Set(float64(c.breaker.State()))
}
