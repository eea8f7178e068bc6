package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/types"
)

type staticToken string

func (s staticToken) Authenticate(_ context.Context, req *fasthttp.Request) error {
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+string(s))
	return nil
}

type job struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newTestClient(t *testing.T, config *types.ClientConfig, auth Authenticator, handler fasthttp.RequestHandler) *HTTPClient {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()

	if config == nil {
		config = &types.ClientConfig{}
	}
	config.BaseURL = "http://marketplace.test"

	c, err := NewHTTPClient(config, logger.NewNop(), nil, auth,
		WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		WithBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	t.Cleanup(func() {
		_ = c.Stop()
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	return c
}

func TestGetDecodesEnvelope(t *testing.T) {
	c := newTestClient(t, nil, staticToken("session-1"), func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/api/jobs", string(ctx.Path()))
		assert.Equal(t, "plumbing", string(ctx.QueryArgs().Peek("category")))
		assert.Equal(t, "Bearer session-1", string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))

		_, err := uuid.Parse(string(ctx.Request.Header.Peek(RequestIDHeader)))
		assert.NoError(t, err)

		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"success":true,"data":[{"id":"j1","title":"Fix sink"}]}`)
	})

	jobs, err := Get[[]job](context.Background(), c, "/api/jobs", map[string]string{"category": "plumbing"})
	require.NoError(t, err)
	assert.Equal(t, []job{{ID: "j1", Title: "Fix sink"}}, jobs)
}

func TestSendSerializesBodyAndAcceptsBareDocument(t *testing.T) {
	c := newTestClient(t, nil, nil, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, fasthttp.MethodPost, string(ctx.Method()))
		assert.Equal(t, "application/json", string(ctx.Request.Header.ContentType()))
		assert.JSONEq(t, `{"title":"Tile bathroom"}`, string(ctx.PostBody()))
		assert.Empty(t, ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))

		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(`{"id":"j2","title":"Tile bathroom"}`)
	})

	created, err := Send[job](context.Background(), c, fasthttp.MethodPost, "/api/jobs", map[string]string{"title": "Tile bathroom"})
	require.NoError(t, err)
	assert.Equal(t, "j2", created.ID)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	c := newTestClient(t, nil, nil, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusConflict)
		ctx.SetBodyString(`{"success":false,"error":"Profile type already assigned"}`)
	})

	_, err := c.Post(context.Background(), "/api/profile/type", map[string]string{"type": "WORKER"})
	require.Error(t, err)

	apiErr, ok := types.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 409, apiErr.Status)
	assert.Equal(t, "Profile type already assigned", apiErr.Message)
	assert.False(t, types.IsRetryable(err))
}

func TestUnsuccessfulEnvelopeOn2xxIsAPIError(t *testing.T) {
	c := newTestClient(t, nil, nil, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/api/jobs/j3":
			ctx.SetBodyString(`{"success":false,"error":{"message":"Job closed","code":"E_CLOSED"}}`)
		default:
			ctx.SetBodyString(`{"success":true,"data":{"id":7}}`)
		}
	})

	got, err := Get[job](context.Background(), c, "/api/jobs/j3", nil)
	require.Error(t, err)
	assert.Equal(t, job{}, got)

	apiErr, ok := types.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, fasthttp.StatusOK, apiErr.Status)
	assert.Equal(t, "Job closed", apiErr.Message)
	assert.Equal(t, "E_CLOSED", apiErr.Code)

	_, err = Send[job](context.Background(), c, fasthttp.MethodPost, "/api/jobs", nil)
	assert.ErrorIs(t, err, types.ErrClientResponseInvalid)
}

func TestAPIErrorMessageFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
		code    string
	}{
		{"error string", 400, `{"error":"Title is required"}`, "Title is required", ""},
		{"error object", 422, `{"error":{"message":"Bad input","code":"E_INPUT","details":{"field":"title"}}}`, "Bad input", "E_INPUT"},
		{"message field", 404, `{"message":"Job not found","code":404}`, "Job not found", "404"},
		{"plain text", 500, `upstream exploded`, "Request failed with status 500", ""},
		{"empty", 502, ``, "Request failed with status 502", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apiError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.status, err.Status)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, tt.code, err.Code)
		})
	}

	withDetails := apiError(422, []byte(`{"error":{"message":"Bad input","details":{"field":"title"}}}`))
	assert.Equal(t, map[string]any{"field": "title"}, withDetails.Details)
}

func TestRetriesOnlyIdempotentMethods(t *testing.T) {
	var gets, posts atomic.Int32
	c := newTestClient(t, &types.ClientConfig{Retries: 2}, nil, func(ctx *fasthttp.RequestCtx) {
		if ctx.IsGet() {
			if gets.Add(1) < 3 {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			}
			ctx.SetBodyString(`{"success":true,"data":{"id":"j1"}}`)
			return
		}
		posts.Add(1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})

	got, err := Get[job](context.Background(), c, "/api/jobs/j1", nil)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, int32(3), gets.Load())

	_, err = c.Post(context.Background(), "/api/jobs/j1/applications", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), posts.Load())
}

func TestApplicationErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, &types.ClientConfig{Retries: 3}, nil, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "/api/jobs/missing", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNoResponseIsNetworkError(t *testing.T) {
	c, err := NewHTTPClient(&types.ClientConfig{BaseURL: "http://marketplace.test", Retries: 1}, logger.NewNop(), nil, nil,
		WithDial(func(string) (net.Conn, error) { return nil, errors.New("connection refused") }),
		WithBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer func() { _ = c.Stop() }()

	_, err = c.Get(context.Background(), "/api/jobs", nil)
	require.Error(t, err)
	assert.True(t, types.IsNetwork(err))
	assert.True(t, types.IsRetryable(err))

	var netErr *types.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, fasthttp.MethodGet, netErr.Method)
	assert.Equal(t, "/api/jobs", netErr.Path)
}

func TestBrotliResponse(t *testing.T) {
	c := newTestClient(t, &types.ClientConfig{Compression: true}, nil, func(ctx *fasthttp.RequestCtx) {
		assert.Contains(t, string(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding)), "br")

		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"j9","title":"Paint fence"}}`))
		_ = w.Close()

		ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, "br")
		ctx.SetBody(buf.Bytes())
	})

	got, err := Get[job](context.Background(), c, "/api/jobs/j9", nil)
	require.NoError(t, err)
	assert.Equal(t, "Paint fence", got.Title)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	c := newTestClient(t, &types.ClientConfig{
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  time.Minute,
			HalfOpenRequests: 1,
		},
	}, nil, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		if !healthy.Load() {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			return
		}
		ctx.SetBodyString(`{"success":true,"data":null}`)
	})

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "/api/conversations", nil)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, c.Breaker().State())

	_, err := c.Get(context.Background(), "/api/conversations", nil)
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.True(t, types.IsNetwork(err))
	assert.Equal(t, int32(2), calls.Load())

	healthy.Store(true)
	later := time.Now().Add(2 * time.Minute)
	c.Breaker().mu.Lock()
	c.Breaker().now = func() time.Time { return later }
	c.Breaker().mu.Unlock()

	_, err = c.Get(context.Background(), "/api/conversations", nil)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, c.Breaker().State())
}

func TestClientLifecycle(t *testing.T) {
	_, err := NewHTTPClient(&types.ClientConfig{}, logger.NewNop(), nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	c, err := NewHTTPClient(&types.ClientConfig{BaseURL: "http://marketplace.test/"}, logger.NewNop(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://marketplace.test", c.BaseURL())

	_, err = c.Get(context.Background(), "/api/jobs", nil)
	assert.ErrorIs(t, err, types.ErrClientNotRunning)

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), types.ErrServiceIsRunning)
	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
}

func TestCancelledContext(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, nil, nil, func(ctx *fasthttp.RequestCtx) {
		<-release
		ctx.SetBodyString(`{}`)
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "/api/jobs", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
