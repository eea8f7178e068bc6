package health

import (
	"context"

	"github.com/saiset-co/sai-query/client"
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

func StorageChecker(storage types.Storage) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := storage.Ping(ctx); err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// BreakerChecker reports an open breaker as unhealthy and a probing one as
// degraded.
func BreakerChecker(breaker *client.CircuitBreaker) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		state := breaker.State()
		details := map[string]interface{}{"state": state.String()}

		switch state {
		case client.BreakerOpen:
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "backend circuit open", Details: details}
		case client.BreakerHalfOpen:
			return types.HealthCheck{Status: types.StatusDegraded, Message: "backend circuit probing", Details: details}
		default:
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		}
	}
}

func CacheChecker(queries *query.Client) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		if !queries.IsRunning() {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: types.ErrCacheClosed.Error()}
		}

		stats := queries.Stats()
		return types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"entries":     stats.Entries,
				"subscribers": stats.Subscribers,
				"in_flight":   stats.InFlight,
			},
		}
	}
}

// ConnectionChecker reports a dropped connection as degraded: the cache
// still works, only push invalidation is lost.
func ConnectionChecker(connected func() bool) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		if connected() {
			return types.HealthCheck{Status: types.StatusHealthy}
		}
		return types.HealthCheck{Status: types.StatusDegraded, Message: types.ErrRealtimeNotConnected.Error()}
	}
}
