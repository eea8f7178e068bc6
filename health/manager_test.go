package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/goleak"

	"github.com/saiset-co/sai-query/client"
	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/persist"
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m := NewManager(context.Background(), types.ServiceInfo{Name: "marketctl", Version: "1.4.0"}, logger.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestCheckAggregatesStatus(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]types.HealthChecker
		want    types.HealthStatus
		summary types.HealthSummary
	}{
		{
			name:    "all healthy",
			checks:  map[string]types.HealthChecker{"a": healthy, "b": healthy},
			want:    types.StatusHealthy,
			summary: types.HealthSummary{Total: 2, Healthy: 2},
		},
		{
			name: "degraded wins over healthy",
			checks: map[string]types.HealthChecker{"a": healthy, "realtime": ConnectionChecker(func() bool {
				return false
			})},
			want:    types.StatusDegraded,
			summary: types.HealthSummary{Total: 2, Healthy: 1, Degraded: 1},
		},
		{
			name: "unhealthy wins over everything",
			checks: map[string]types.HealthChecker{
				"a": ConnectionChecker(func() bool { return false }),
				"b": func(context.Context) types.HealthCheck {
					return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
				},
			},
			want:    types.StatusUnhealthy,
			summary: types.HealthSummary{Total: 2, Degraded: 1, Unhealthy: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			for name, c := range tt.checks {
				m.RegisterChecker(name, c)
			}

			report := m.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.summary, report.Summary)
			assert.Equal(t, "marketctl", report.Service.Name)
			assert.Equal(t, report.Status, m.Last().Status)
		})
	}
}

func TestCheckPanicAndTimeout(t *testing.T) {
	m := newTestManager(t)
	m.checkTimeout = 20 * time.Millisecond

	m.RegisterChecker("panics", func(context.Context) types.HealthCheck { panic("nil storage") })
	m.RegisterChecker("hangs", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := m.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["panics"].Message, "nil storage")
	assert.Equal(t, "hangs", report.Checks["hangs"].Name)
	assert.Equal(t, types.StatusUnhealthy, report.Checks["hangs"].Status)

	time.Sleep(20 * time.Millisecond)
}

func TestComponentCheckers(t *testing.T) {
	ctx := context.Background()

	storage := persist.NewMemoryStorage()
	assert.Equal(t, types.StatusHealthy, StorageChecker(storage)(ctx).Status)

	breaker := client.NewCircuitBreaker(&types.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1}, logger.NewNop())
	assert.Equal(t, types.StatusHealthy, BreakerChecker(breaker)(ctx).Status)
	breaker.RecordFailure()
	check := BreakerChecker(breaker)(ctx)
	assert.Equal(t, types.StatusUnhealthy, check.Status)
	assert.Equal(t, "open", check.Details["state"])

	queries := query.NewClient(nil, logger.NewNop(), nil, query.NewManualClock(time.Now()))
	assert.Equal(t, types.StatusUnhealthy, CacheChecker(queries)(ctx).Status)
	require.NoError(t, queries.Start())
	assert.Equal(t, types.StatusHealthy, CacheChecker(queries)(ctx).Status)
	require.NoError(t, queries.Stop())
}

func TestHandlers(t *testing.T) {
	m := NewManager(context.Background(), types.ServiceInfo{Name: "marketctl", Version: "1.4.0"}, logger.NewNop())

	ctx := &fasthttp.RequestCtx{}
	m.HandleHealth(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	m.RegisterChecker("storage", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: errors.New("disk full").Error()}
	})

	ctx = &fasthttp.RequestCtx{}
	m.HandleHealth(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, "disk full", report.Checks["storage"].Message)

	ctx = &fasthttp.RequestCtx{}
	m.HandleVersion(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var version types.VersionInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &version))
	assert.Equal(t, "1.4.0", version.Version)
	assert.NotEmpty(t, version.BuildInfo)
}
