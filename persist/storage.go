package persist

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customStorageCreators = make(map[string]types.StorageCreator)

func RegisterStorage(storageType string, creator types.StorageCreator) {
	customStorageCreators[storageType] = creator
}

// NewStorage builds the key-value store selected by config.Type and wraps
// it with operation metrics.
func NewStorage(config *types.StorageConfig, logger types.Logger, metrics types.MetricsManager) (types.Storage, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrStorageIsDisabled
	}

	var impl types.Storage
	var err error

	switch config.Type {
	case "memory":
		impl = NewMemoryStorage()
	case "clover":
		impl, err = NewCloverStorage(config, logger)
	case "sqlite":
		impl, err = NewSQLiteStorage(config, logger)
	case "redis":
		impl, err = NewRedisStorage(config, logger)
	default:
		if creator, exists := customStorageCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStorageTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStorage(config.Type, logger, metrics, impl), nil
}

type instrumentedStorage struct {
	name    string
	impl    types.Storage
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedStorage(name string, logger types.Logger, metrics types.MetricsManager, impl types.Storage) types.Storage {
	s := &instrumentedStorage{
		name:    name,
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}

	s.state.Store(StateStopped)
	return s
}

func (s *instrumentedStorage) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	if err := s.impl.Start(); err != nil {
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	s.logger.Info("Storage started", zap.String("type", s.name))
	return nil
}

func (s *instrumentedStorage) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer s.setState(StateStopped)

	if err := s.impl.Stop(); err != nil {
		s.logger.Error("Failed to stop storage", zap.String("type", s.name), zap.Error(err))
		return err
	}

	s.logger.Info("Storage stopped gracefully", zap.String("type", s.name))
	return nil
}

func (s *instrumentedStorage) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *instrumentedStorage) GetItem(ctx context.Context, key string) (string, error) {
	if !s.IsRunning() {
		return "", types.ErrStorageNotRunning
	}

	start := time.Now()
	value, err := s.impl.GetItem(ctx, key)

	result := "hit"
	switch {
	case types.IsError(err, types.ErrStorageKeyNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	s.recordMetric("get", result, start)

	return value, err
}

func (s *instrumentedStorage) SetItem(ctx context.Context, key, value string) error {
	if !s.IsRunning() {
		return types.ErrStorageNotRunning
	}

	start := time.Now()
	err := s.impl.SetItem(ctx, key, value)
	s.recordMetric("set", resultOf(err), start)
	return err
}

func (s *instrumentedStorage) RemoveItem(ctx context.Context, key string) error {
	if !s.IsRunning() {
		return types.ErrStorageNotRunning
	}

	start := time.Now()
	err := s.impl.RemoveItem(ctx, key)
	s.recordMetric("remove", resultOf(err), start)
	return err
}

func (s *instrumentedStorage) Keys(ctx context.Context) ([]string, error) {
	if !s.IsRunning() {
		return nil, types.ErrStorageNotRunning
	}

	start := time.Now()
	keys, err := s.impl.Keys(ctx)
	s.recordMetric("keys", resultOf(err), start)
	return keys, err
}

func (s *instrumentedStorage) Ping(ctx context.Context) error {
	if !s.IsRunning() {
		return types.ErrStorageNotRunning
	}
	return s.impl.Ping(ctx)
}

func (s *instrumentedStorage) recordMetric(operation, result string, start time.Time) {
	if s.metrics == nil {
		return
	}

	labels := map[string]string{
		"storage":   s.name,
		"operation": operation,
		"result":    result,
	}

	s.metrics.Counter("storage_operations_total", labels).Inc()
	s.metrics.Histogram("storage_operation_duration_seconds", types.DefaultDurationBuckets, labels).
		Observe(time.Since(start).Seconds())
}

func (s *instrumentedStorage) getState() State {
	return s.state.Load().(State)
}

func (s *instrumentedStorage) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *instrumentedStorage) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func validateKey(key string) error {
	if key == "" {
		return types.ErrStorageKeyEmpty
	}
	return nil
}
