package types

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
)

var (
	ErrCacheKeyInvalid      = errors.New("cache key invalid")
	ErrCacheEntryNotFound   = errors.New("cache entry not found")
	ErrCacheLoaderMissing   = errors.New("cache loader missing")
	ErrCacheFetchSuperseded = errors.New("cache fetch superseded")
	ErrCacheClosed          = errors.New("cache closed")
)

var (
	ErrMutationFnMissing = errors.New("mutation function missing")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning  = errors.New("metrics manager is not running")
)

var (
	ErrClientNotRunning      = errors.New("client not running")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
)

var (
	ErrStorageTypeUnknown = errors.New("storage type unknown")
	ErrStorageIsDisabled  = errors.New("storage is disabled")
	ErrStorageNotRunning  = errors.New("storage not running")
	ErrStorageKeyEmpty    = errors.New("storage key empty")
	ErrStorageKeyNotFound = errors.New("storage key not found")
)

var (
	ErrSnapshotExpired  = errors.New("snapshot expired")
	ErrSnapshotBusted   = errors.New("snapshot buster mismatch")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenCorrupted    = errors.New("token corrupted")
	ErrAuthSecretMissing = errors.New("auth secret missing")
)

var (
	ErrRealtimeNotConnected = errors.New("realtime not connected")
	ErrRealtimeIsDisabled   = errors.New("realtime is disabled")
)

var (
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidState     = errors.New("invalid state")
)

// APIError is an application-level failure: the backend answered with a
// non-2xx status and, usually, a structured error body.
type APIError struct {
	Status  int                    `json:"status"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// NetworkError is a transport-level failure where no response was received.
type NetworkError struct {
	Method  string
	Path    string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString("network error")
	if e.Method != "" {
		b.WriteString(" on ")
		b.WriteString(e.Method)
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Timeout {
		b.WriteString(" (timeout)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError is raised before any network call when input fails its
// schema check. Fields maps the offending field to the failed rule.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidationFailed.Error()
	}

	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, field+" "+rule)
	}
	sort.Strings(parts)
	return ErrValidationFailed.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsRetryable reports whether err is transient. Only network failures and
// gateway-style statuses qualify; application errors are surfaced as-is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if IsNetwork(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if apiErr, ok := AsAPIError(err); ok {
		switch apiErr.Status {
		case 408, 429, 502, 503, 504:
			return true
		}
	}

	return false
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
