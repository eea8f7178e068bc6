package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/goleak"

	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStartedManager(t *testing.T, config *types.MetricsConfig) *Manager {
	t.Helper()

	m, err := NewManager(config, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager(&types.MetricsConfig{}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	_, err = NewManager(&types.MetricsConfig{Enabled: true, Type: "statsd"}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestInstrumentsAcrossBackends(t *testing.T) {
	for _, kind := range []string{"memory", "prometheus"} {
		t.Run(kind, func(t *testing.T) {
			m := newStartedManager(t, &types.MetricsConfig{
				Enabled: true,
				Type:    kind,
				Config:  map[string]interface{}{"enable_go_metrics": false},
			})

			hits := m.Counter("query_operations_total", map[string]string{"operation": "fetch", "result": "hit"})
			hits.Inc()
			hits.Add(2)
			hits.Add(-5)
			assert.Equal(t, 3.0, m.Counter("query_operations_total", map[string]string{"result": "hit", "operation": "fetch"}).Get())

			g := m.Gauge("query_cache_entries", nil)
			g.Set(10)
			g.Inc()
			g.Sub(4)
			assert.Equal(t, 7.0, g.Get())

			h := m.Histogram("client_request_duration_seconds", types.DefaultDurationBuckets, map[string]string{"method": "GET"})
			h.Observe(0.2)
			h.Observe(0.3)
			assert.Equal(t, uint64(2), h.GetCount())
			assert.InDelta(t, 0.5, h.GetSum(), 1e-9)

			values, err := m.GetMetrics()
			require.NoError(t, err)
			assert.NotEmpty(t, values)

			stats, err := m.GetStats()
			require.NoError(t, err)
			assert.Equal(t, 1, stats.CounterMetrics)
			assert.Equal(t, 1, stats.HistogramMetrics)
		})
	}
}

func TestStoppedManagerHandsOutNoops(t *testing.T) {
	m, err := NewManager(&types.MetricsConfig{Enabled: true, Type: "memory"}, logger.NewNop())
	require.NoError(t, err)

	c := m.Counter("mutation_operations_total", nil)
	c.Inc()
	assert.Zero(t, c.Get())

	_, err = m.GetMetrics()
	assert.ErrorIs(t, err, types.ErrMetricsNotRunning)

	ctx := &fasthttp.RequestCtx{}
	m.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestMemoryHandlerServesJSON(t *testing.T) {
	m := newStartedManager(t, &types.MetricsConfig{
		Enabled: true,
		Type:    "memory",
		Labels:  map[string]string{"app": "marketctl"},
	})
	m.Counter("storage_operations_total", map[string]string{"operation": "get"}).Inc()

	ctx := &fasthttp.RequestCtx{}
	m.Handler()(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &values))
	require.Len(t, values, 1)
	assert.Equal(t, "storage_operations_total", values[0].Name)
	assert.Equal(t, map[string]string{"app": "marketctl", "operation": "get"}, values[0].Labels)
}

func TestPrometheusHandlerAndLabelMismatch(t *testing.T) {
	m := newStartedManager(t, &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"namespace": "market", "enable_go_metrics": false},
	})

	m.Counter("client_requests_total", map[string]string{"method": "GET", "status": "2xx"}).Inc()

	other := m.Counter("client_requests_total", map[string]string{"method": "GET"})
	other.Inc()
	assert.Zero(t, other.Get())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	m.Handler()(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, strings.Contains(string(ctx.Response.Body()), `market_client_requests_total{method="GET",status="2xx"} 1`))
}

func TestMemoryLimit(t *testing.T) {
	mem, err := NewMemoryMetrics(logger.NewNop(), &types.MetricsConfig{Config: map[string]interface{}{"max_metrics": 2}})
	require.NoError(t, err)
	require.NoError(t, mem.Start())
	defer func() { _ = mem.Stop() }()

	mem.Gauge("a", nil).Set(1)
	mem.Gauge("b", nil).Set(1)
	over := mem.Gauge("c", nil)
	over.Set(5)
	assert.Equal(t, 5.0, over.Get())

	values, err := mem.GetMetrics()
	require.NoError(t, err)
	assert.Len(t, values, 2)
}

func TestCollector(t *testing.T) {
	m := newStartedManager(t, &types.MetricsConfig{Enabled: true, Type: "memory"})

	c := NewCollector(m, logger.NewNop(), time.Hour)
	c.AddSource("query_cache", func() map[string]float64 {
		return map[string]float64{"entries": 4, "in_flight": 1}
	})
	c.AddSource("broken", func() map[string]float64 { panic("boom") })
	c.AddSource("runtime", RuntimeSource())

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), types.ErrServiceIsRunning)

	assert.Eventually(t, func() bool {
		return m.Gauge("query_cache_entries", nil).Get() == 4
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.Equal(t, 1.0, m.Gauge("query_cache_in_flight", nil).Get())
	assert.Greater(t, m.Gauge("runtime_goroutines", nil).Get(), 0.0)
}
