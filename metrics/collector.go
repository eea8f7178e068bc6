package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
)

// Source returns gauge values keyed by series name.
type Source func() map[string]float64

// Collector samples registered sources into gauges on an interval.
type Collector struct {
	logger   types.Logger
	metrics  types.MetricsManager
	interval time.Duration
	sources  map[string]Source
	mu       sync.RWMutex
	running  int32
	stop     chan struct{}
	done     chan struct{}
}

func NewCollector(metrics types.MetricsManager, logger types.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		sources:  make(map[string]Source),
	}
}

// AddSource registers src. Its series are published as "<name>_<key>".
func (c *Collector) AddSource(name string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = src
}

func (c *Collector) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return types.ErrServiceIsRunning
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.loop(c.stop, c.done)

	c.logger.Debug("Metrics collector started", zap.Duration("interval", c.interval))
	return nil
}

func (c *Collector) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	close(c.stop)
	<-c.done

	c.logger.Debug("Metrics collector stopped")
	return nil
}

func (c *Collector) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

func (c *Collector) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-stop:
			return
		}
	}
}

// Collect samples every source once.
func (c *Collector) Collect() {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make(map[string]Source, len(c.sources))
	for name, src := range c.sources {
		sources[name] = src
	}
	c.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		c.sample(name, sources[name])
	}
}

func (c *Collector) sample(name string, src Source) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Metrics source panicked", zap.String("source", name), zap.Any("panic", r))
		}
	}()

	for key, value := range src() {
		c.metrics.Gauge(name+"_"+key, nil).Set(value)
	}
}

// RuntimeSource reports goroutines, heap and gc figures of the process.
func RuntimeSource() Source {
	start := time.Now()

	return func() map[string]float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		return map[string]float64{
			"goroutines":       float64(runtime.NumGoroutine()),
			"heap_alloc_bytes": float64(m.HeapAlloc),
			"heap_inuse_bytes": float64(m.HeapInuse),
			"heap_objects":     float64(m.HeapObjects),
			"gc_cycles":        float64(m.NumGC),
			"uptime_seconds":   time.Since(start).Seconds(),
		}
	}
}
