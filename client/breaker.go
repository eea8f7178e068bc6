package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
	BreakerDisabled
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after FailureThreshold consecutive transient
// failures. Once RecoveryTimeout has passed it lets requests through
// half-open and closes again after HalfOpenRequests successes.
type CircuitBreaker struct {
	config *types.CircuitBreakerConfig
	logger types.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{logger: logger, now: time.Now}

	if config == nil || !config.Enabled {
		cb.config = &types.CircuitBreakerConfig{}
		cb.state = BreakerDisabled
		return cb
	}

	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}

	cb.config = &cfg
	cb.state = BreakerClosed
	return cb
}

// Allow reports whether a request may be sent now.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return types.ErrCircuitBreakerOpen
		}
		cb.transitionLocked(BreakerHalfOpen)
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.transitionLocked(BreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transitionLocked(BreakerOpen)
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerDisabled || cb.state == BreakerClosed {
		return
	}
	cb.transitionLocked(BreakerClosed)
}

func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0

	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
		cb.logger.Warn("Circuit breaker opened",
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.config.FailureThreshold))
	case BreakerClosed:
		cb.failures = 0
		cb.logger.Info("Circuit breaker closed", zap.String("from", from.String()))
	case BreakerHalfOpen:
		cb.logger.Info("Circuit breaker transitioned to half-open")
	}
}

// isTransientStatus reports whether a response counts against the
// backend. Application errors are the caller's problem and do not.
func isTransientStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}
