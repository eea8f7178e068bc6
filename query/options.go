package query

import (
	"context"
	"math"
	"time"

	"github.com/saiset-co/sai-query/types"
)

// StaleNever keeps data fresh until it is invalidated.
const StaleNever = time.Duration(math.MaxInt64)

// Loader produces the data for one key. It is called at most once at a time
// per key.
type Loader func(ctx context.Context) (any, error)

// Options tune a single query. Zero fields inherit from the per-prefix
// defaults and then from the client configuration.
type Options struct {
	// StaleTime is how long data stays fresh after a successful fetch.
	StaleTime time.Duration
	// GCTime is how long an entry without subscribers is kept. Negative
	// keeps it forever.
	GCTime time.Duration
	// Retry is the number of extra attempts after a failed fetch. Negative
	// disables retries.
	Retry      int
	RetryDelay func(attempt int, err error) time.Duration
	RetryOn    func(err error) bool
	// Timeout bounds a single loader call. Zero means none.
	Timeout time.Duration
	// Disabled entries are never fetched automatically by subscriptions,
	// invalidation or refetch.
	Disabled bool
}

type resolvedOptions struct {
	staleTime  time.Duration
	gcTime     time.Duration
	retry      int
	retryDelay func(attempt int, err error) time.Duration
	retryOn    func(err error) bool
	timeout    time.Duration
	disabled   bool
}

type prefixDefaults struct {
	segs []string
	opts Options
}

func baseOptions(config *types.QueryConfig) resolvedOptions {
	base := resolvedOptions{
		gcTime:  5 * time.Minute,
		retry:   3,
		retryOn: types.IsRetryable,
	}

	initial, ceiling := time.Second, 30*time.Second
	if config != nil {
		base.staleTime = config.StaleTime
		if config.GCTime != 0 {
			base.gcTime = config.GCTime
		}
		base.retry = config.Retry
		base.timeout = config.Timeout
		if config.RetryDelay > 0 {
			initial = config.RetryDelay
		}
		if config.MaxRetryDelay > 0 {
			ceiling = config.MaxRetryDelay
		}
	}

	base.retryDelay = ExponentialBackoff(initial, ceiling)
	return base
}

func (r resolvedOptions) merge(o Options) resolvedOptions {
	if o.StaleTime != 0 {
		r.staleTime = o.StaleTime
	}
	if o.GCTime != 0 {
		r.gcTime = o.GCTime
	}
	if o.Retry > 0 {
		r.retry = o.Retry
	} else if o.Retry < 0 {
		r.retry = 0
	}
	if o.RetryDelay != nil {
		r.retryDelay = o.RetryDelay
	}
	if o.RetryOn != nil {
		r.retryOn = o.RetryOn
	}
	if o.Timeout != 0 {
		r.timeout = o.Timeout
	}
	if o.Disabled {
		r.disabled = true
	}
	return r
}

// ExponentialBackoff waits initial·2^attempt, capped at ceiling.
func ExponentialBackoff(initial, ceiling time.Duration) func(int, error) time.Duration {
	return func(attempt int, _ error) time.Duration {
		if attempt > 30 {
			return ceiling
		}
		delay := initial << uint(attempt)
		if delay <= 0 || delay > ceiling {
			return ceiling
		}
		return delay
	}
}
