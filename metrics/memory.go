package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type MemoryConfig struct {
	MaxMetrics int `yaml:"max_metrics" json:"max_metrics"`
}

// MemoryMetrics keeps every series in process memory. It backs the CLI,
// where nothing scrapes, and tests that read values back.
type MemoryMetrics struct {
	logger      types.Logger
	config      *MemoryConfig
	labels      map[string]string
	counters    map[string]*MemoryCounter
	gauges      map[string]*MemoryGauge
	histograms  map[string]*MemoryHistogram
	running     int32
	collections uint64
	dropped     uint64
	mu          sync.RWMutex
}

func NewMemoryMetrics(logger types.Logger, config *types.MetricsConfig) (*MemoryMetrics, error) {
	memConfig := &MemoryConfig{MaxMetrics: 10000}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	m := &MemoryMetrics{
		logger:     logger,
		config:     memConfig,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}
	if config != nil {
		m.labels = config.Labels
	}

	return m, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServiceIsRunning
	}
	m.logger.Debug("Memory metrics started", zap.Int("max_metrics", m.config.MaxMetrics))
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServiceIsNotRunning
	}
	m.logger.Debug("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.RLock()
	counter, exists := m.counters[key]
	m.mu.RUnlock()
	if exists {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter = &MemoryCounter{name: name, labels: m.merge(labels)}
	if m.full() {
		return counter
	}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.RLock()
	gauge, exists := m.gauges[key]
	m.mu.RUnlock()
	if exists {
		return gauge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge = &MemoryGauge{name: name, labels: m.merge(labels)}
	if m.full() {
		return gauge
	}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.RLock()
	histogram, exists := m.histograms[key]
	m.mu.RUnlock()
	if exists {
		return histogram
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)

	histogram = &MemoryHistogram{
		name:    name,
		labels:  m.merge(labels),
		buckets: bounds,
		counts:  make([]uint64, len(bounds)+1),
	}
	if m.full() {
		return histogram
	}
	m.histograms[key] = histogram
	return histogram
}

// full reports whether the series limit is reached. Series created past
// the limit still work but are not exported.
func (m *MemoryMetrics) full() bool {
	if m.config.MaxMetrics <= 0 {
		return false
	}
	if len(m.counters)+len(m.gauges)+len(m.histograms) < m.config.MaxMetrics {
		return false
	}
	if atomic.AddUint64(&m.dropped, 1) == 1 {
		m.logger.Warn("Metrics limit reached, new series are not exported", zap.Int("max_metrics", m.config.MaxMetrics))
	}
	return true
}

func (m *MemoryMetrics) merge(labels map[string]string) map[string]string {
	if len(m.labels) == 0 {
		return labels
	}

	out := make(map[string]string, len(m.labels)+len(labels))
	for k, v := range m.labels {
		out[k] = v
	}
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// GetMetrics returns every series ordered by name then labels. Histograms
// report their sum.
func (m *MemoryMetrics) GetMetrics() ([]types.MetricValue, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	now := time.Now()

	m.mu.RLock()
	out := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))
	for _, c := range m.counters {
		out = append(out, types.MetricValue{Name: c.name, Type: "counter", Value: c.Get(), Labels: c.labels, Timestamp: now})
	}
	for _, g := range m.gauges {
		out = append(out, types.MetricValue{Name: g.name, Type: "gauge", Value: g.Get(), Labels: g.labels, Timestamp: now})
	}
	for _, h := range m.histograms {
		out = append(out, types.MetricValue{Name: h.name, Type: "histogram", Value: h.GetSum(), Labels: h.labels, Timestamp: now})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return buildKey("", out[i].Labels) < buildKey("", out[j].Labels)
	})

	atomic.AddUint64(&m.collections, 1)
	return out, nil
}

func (m *MemoryMetrics) GetStats() (*types.MetricsStats, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return &types.MetricsStats{
		TotalMetrics:     len(m.counters) + len(m.gauges) + len(m.histograms),
		CounterMetrics:   len(m.counters),
		GaugeMetrics:     len(m.gauges),
		HistogramMetrics: len(m.histograms),
		LastUpdate:       time.Now(),
		Collections:      atomic.LoadUint64(&m.collections),
	}, nil
}

// Handler serves the series as JSON.
func (m *MemoryMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		values, err := m.GetMetrics()
		if err != nil {
			m.logger.Error("Failed to collect metrics", zap.Error(err))
			utils.CreateErrorResponse(ctx)
			return
		}
		utils.WriteJSON(ctx, fasthttp.StatusOK, values)
	}
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('{')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte('}')
	}
	return utils.Intern([]byte(b.String()))
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  atomicFloat
}

func (c *MemoryCounter) Inc() {
	c.value.add(1)
}

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	c.value.add(value)
}

func (c *MemoryCounter) Get() float64 {
	return c.value.load()
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  atomicFloat
}

func (g *MemoryGauge) Set(value float64) {
	g.value.store(value)
}

func (g *MemoryGauge) Inc() {
	g.value.add(1)
}

func (g *MemoryGauge) Dec() {
	g.value.add(-1)
}

func (g *MemoryGauge) Add(value float64) {
	g.value.add(value)
}

func (g *MemoryGauge) Sub(value float64) {
	g.value.add(-value)
}

func (g *MemoryGauge) Get() float64 {
	return g.value.load()
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     atomicFloat
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	i := sort.SearchFloat64s(h.buckets, value)
	atomic.AddUint64(&h.counts[i], 1)
	atomic.AddUint64(&h.count, 1)
	h.sum.add(value)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return h.sum.load()
}

type atomicFloat struct {
	bits uint64
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(atomic.LoadUint64(&f.bits))
}

func (f *atomicFloat) store(v float64) {
	atomic.StoreUint64(&f.bits, math.Float64bits(v))
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := atomic.LoadUint64(&f.bits)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&f.bits, old, next) {
			return
		}
	}
}
