package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger" validate:"required"`
	Query     *QueryConfig     `yaml:"query" json:"query" validate:"required"`
	Mutation  *MutationConfig  `yaml:"mutation" json:"mutation"`
	Client    *ClientConfig    `yaml:"client" json:"client" validate:"required"`
	Auth      *AuthConfig      `yaml:"auth" json:"auth"`
	Storage   *StorageConfig   `yaml:"storage" json:"storage"`
	Persist   *PersistConfig   `yaml:"persist" json:"persist"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
	Server    *ServerConfig    `yaml:"server" json:"server"`
	Realtime  *RealtimeConfig  `yaml:"realtime" json:"realtime"`
	Refresh   *RefreshConfig   `yaml:"refresh" json:"refresh"`
	Scheduler *SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// QueryConfig holds the client-wide defaults for cached queries. A negative
// GCTime keeps unused entries forever.
type QueryConfig struct {
	StaleTime          time.Duration `yaml:"stale_time" json:"stale_time" validate:"min=0"`
	GCTime             time.Duration `yaml:"gc_time" json:"gc_time"`
	Retry              int           `yaml:"retry" json:"retry" validate:"min=0,max=10"`
	RetryDelay         time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" validate:"min=0"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	RefetchOnSubscribe bool          `yaml:"refetch_on_subscribe" json:"refetch_on_subscribe"`
}

type MutationConfig struct {
	InvalidateOnError bool `yaml:"invalidate_on_error" json:"invalidate_on_error"`
	AwaitInvalidation bool `yaml:"await_invalidation" json:"await_invalidation"`
}

type ClientConfig struct {
	BaseURL        string                `yaml:"base_url" json:"base_url" validate:"required,url"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	// Retries applies to idempotent methods. Query loaders already retry
	// under Query.Retry, so a GET against a dead backend is sent
	// (Query.Retry+1)*(Retries+1) times.
	Retries        int                   `yaml:"retries" json:"retries" validate:"min=0,max=10"`
	UserAgent      string                `yaml:"user_agent" json:"user_agent"`
	Compression    bool                  `yaml:"compression" json:"compression"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"min=0"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type AuthConfig struct {
	TokenKey string `yaml:"token_key" json:"token_key"`
	Secret   string `yaml:"secret" json:"secret"`
}

type StorageConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type PersistConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Key      string        `yaml:"key" json:"key" validate:"required_if=Enabled true"`
	MaxAge   time.Duration `yaml:"max_age" json:"max_age" validate:"min=0"`
	Buster   string        `yaml:"buster" json:"buster"`
	Throttle time.Duration `yaml:"throttle" json:"throttle" validate:"min=0"`
	Schedule string        `yaml:"schedule" json:"schedule"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// RealtimeConfig configures the backend event stream. With
// InvalidateOnReconnect every cached query is marked stale after a
// reconnect, since events may have been missed while offline.
type RealtimeConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	URL                   string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay" json:"max_reconnect_delay"`
	PingInterval          time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait              time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait             time.Duration `yaml:"write_wait" json:"write_wait"`
	InvalidateOnReconnect bool          `yaml:"invalidate_on_reconnect" json:"invalidate_on_reconnect"`
}

type SchedulerConfig struct {
	Timezone        string        `yaml:"timezone" json:"timezone"`
	JobTimeout      time.Duration `yaml:"job_timeout" json:"job_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
}

type RefreshConfig struct {
	Jobs []RefreshJobConfig `yaml:"jobs" json:"jobs" validate:"dive"`
}

// RefreshJobConfig invalidates Prefix on Schedule. Prefix segments are
// strings; numeric ids are matched by their canonical form.
type RefreshJobConfig struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Schedule string   `yaml:"schedule" json:"schedule" validate:"required"`
	Prefix   []string `yaml:"prefix" json:"prefix" validate:"required,min=1"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}
