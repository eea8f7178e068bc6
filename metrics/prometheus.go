package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type PrometheusConfig struct {
	Namespace       string `yaml:"namespace" json:"namespace"`
	Subsystem       string `yaml:"subsystem" json:"subsystem"`
	EnableGoMetrics bool   `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type vec struct {
	collector  prometheus.Collector
	labelNames []string
}

// PrometheusMetrics registers every series on a private registry. A name
// is bound to the label names of its first use; later calls with other
// label names get a no-op instrument.
type PrometheusMetrics struct {
	logger   types.Logger
	config   *PrometheusConfig
	labels   map[string]string
	registry *prometheus.Registry
	vecs     map[string]*vec
	mu       sync.Mutex
	running  int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "sai_query",
		EnableGoMetrics: true,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	p := &PrometheusMetrics{
		logger:   logger,
		config:   promConfig,
		registry: registry,
		vecs:     make(map[string]*vec),
	}
	if config != nil {
		p.labels = config.Labels
	}

	logger.Debug("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics),
	)

	return p, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServiceIsRunning
	}
	p.logger.Debug("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServiceIsNotRunning
	}
	p.logger.Debug("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	v := p.lookup(name, labels, func(names []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Counter metric %s", name),
			ConstLabels: p.labels,
		}, names)
	})

	if cv, ok := v.(*prometheus.CounterVec); ok {
		return &PrometheusCounter{logger: p.logger, counter: cv.With(labels)}
	}
	return noopCounter{}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	v := p.lookup(name, labels, func(names []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Gauge metric %s", name),
			ConstLabels: p.labels,
		}, names)
	})

	if gv, ok := v.(*prometheus.GaugeVec); ok {
		return &PrometheusGauge{logger: p.logger, gauge: gv.With(labels)}
	}
	return noopGauge{}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	v := p.lookup(name, labels, func(names []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Histogram metric %s", name),
			Buckets:     buckets,
			ConstLabels: p.labels,
		}, names)
	})

	if hv, ok := v.(*prometheus.HistogramVec); ok {
		if observer, ok := hv.With(labels).(prometheus.Histogram); ok {
			return &PrometheusHistogram{histogram: observer}
		}
	}
	return noopHistogram{}
}

func (p *PrometheusMetrics) lookup(name string, labels map[string]string, create func(names []string) prometheus.Collector) prometheus.Collector {
	names := labelNames(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.vecs[name]; ok {
		if !sameNames(existing.labelNames, names) {
			p.logger.Warn("Metric label names mismatch",
				zap.String("name", name),
				zap.Strings("registered", existing.labelNames),
				zap.Strings("requested", names),
			)
			return nil
		}
		return existing.collector
	}

	collector := create(names)
	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
		return nil
	}

	p.vecs[name] = &vec{collector: collector, labelNames: names}
	return collector
}

// GetMetrics gathers the registry. Histograms and summaries report their
// sample sum.
func (p *PrometheusMetrics) GetMetrics() ([]types.MetricValue, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather prometheus metrics")
	}

	now := time.Now()
	var out []types.MetricValue
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out = append(out, types.MetricValue{
				Name:      mf.GetName(),
				Type:      strings.ToLower(mf.GetType().String()),
				Value:     sampleValue(m),
				Labels:    labelMap(m),
				Timestamp: now,
				Help:      mf.GetHelp(),
			})
		}
	}
	return out, nil
}

func (p *PrometheusMetrics) GetStats() (*types.MetricsStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := &types.MetricsStats{
		TotalMetrics: len(p.vecs),
		LastUpdate:   time.Now(),
	}
	for _, v := range p.vecs {
		switch v.collector.(type) {
		case *prometheus.CounterVec:
			stats.CounterMetrics++
		case *prometheus.GaugeVec:
			stats.GaugeMetrics++
		case *prometheus.HistogramVec:
			stats.HistogramMetrics++
		}
	}
	return stats, nil
}

// Handler serves the text exposition format.
func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	case m.Summary != nil:
		return m.Summary.GetSampleSum()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func labelMap(m *dto.Metric) map[string]string {
	pairs := m.GetLabel()
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, l := range pairs {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type PrometheusCounter struct {
	logger  types.Logger
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	if value < 0 {
		return
	}
	c.counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.Add(value)
}

func (g *PrometheusGauge) Sub(value float64) {
	g.gauge.Sub(value)
}

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram prometheus.Histogram
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	metric := &dto.Metric{}
	if err := h.histogram.Write(metric); err != nil {
		return 0
	}
	return metric.GetHistogram().GetSampleCount()
}

func (h *PrometheusHistogram) GetSum() float64 {
	metric := &dto.Metric{}
	if err := h.histogram.Write(metric); err != nil {
		return 0
	}
	return metric.GetHistogram().GetSampleSum()
}
