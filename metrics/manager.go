package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager fronts the configured backend. Instruments requested while it is
// not running are no-ops, so components never check for nil metrics.
type Manager struct {
	logger  types.Logger
	manager types.MetricsManager
	kind    string
	state   atomic.Value
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

func NewManager(config *types.MetricsConfig, logger types.Logger) (*Manager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	var manager types.MetricsManager
	var err error

	switch config.Type {
	case "memory":
		manager, err = NewMemoryMetrics(logger, config)
	case "prometheus":
		manager, err = NewPrometheusMetrics(logger, config)
	default:
		if creator, exists := customMetricsCreators.Load(config.Type); exists {
			manager, err = creator.(types.MetricsManagerCreator)(config.Config)
		} else {
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	w := &Manager{
		logger:  logger,
		manager: manager,
		kind:    config.Type,
	}
	w.state.Store(ManagerStateStopped)

	logger.Info("Metrics manager initialized", zap.String("type", config.Type))
	return w, nil
}

func (w *Manager) Start() error {
	if !w.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServiceIsRunning
	}

	if err := w.manager.Start(); err != nil {
		w.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start metrics manager")
	}

	w.setState(ManagerStateRunning)
	w.logger.Info("Metrics manager started", zap.String("type", w.kind))
	return nil
}

func (w *Manager) Stop() error {
	if !w.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer w.setState(ManagerStateStopped)

	if err := w.manager.Stop(); err != nil {
		w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		return err
	}

	w.logger.Info("Metrics manager stopped gracefully")
	return nil
}

func (w *Manager) IsRunning() bool {
	return w.getState() == ManagerStateRunning
}

func (w *Manager) getState() ManagerState {
	return w.state.Load().(ManagerState)
}

func (w *Manager) setState(newState ManagerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Manager) transitionState(from, to ManagerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.IsRunning() {
		return w.manager.Counter(name, labels)
	}
	return noopCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.IsRunning() {
		return w.manager.Gauge(name, labels)
	}
	return noopGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.IsRunning() {
		return w.manager.Histogram(name, buckets, labels)
	}
	return noopHistogram{}
}

func (w *Manager) GetMetrics() ([]types.MetricValue, error) {
	if !w.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}
	return w.manager.GetMetrics()
}

func (w *Manager) GetStats() (*types.MetricsStats, error) {
	if !w.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}
	return w.manager.GetStats()
}

func (w *Manager) Handler() fasthttp.RequestHandler {
	inner := w.manager.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if !w.IsRunning() {
			utils.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
				"error": types.ErrMetricsNotRunning.Error(),
			})
			return
		}
		inner(ctx)
	}
}

type noopCounter struct{}

func (noopCounter) Inc()          {}
func (noopCounter) Add(_ float64) {}
func (noopCounter) Get() float64  { return 0 }

type noopGauge struct{}

func (noopGauge) Set(_ float64) {}
func (noopGauge) Inc()          {}
func (noopGauge) Dec()          {}
func (noopGauge) Add(_ float64) {}
func (noopGauge) Sub(_ float64) {}
func (noopGauge) Get() float64  { return 0 }

type noopHistogram struct{}

func (noopHistogram) Observe(_ float64)           {}
func (noopHistogram) ObserveDuration(_ time.Time) {}
func (noopHistogram) GetCount() uint64            { return 0 }
func (noopHistogram) GetSum() float64             { return 0 }
