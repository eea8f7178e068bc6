package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-query/types"
)

const (
	EnvBaseURL     = "SAI_QUERY_BASE_URL"
	EnvAuthSecret  = "SAI_QUERY_AUTH_SECRET"
	EnvLogLevel    = "SAI_QUERY_LOG_LEVEL"
	EnvRealtimeURL = "SAI_QUERY_REALTIME_URL"
)

type Loader struct {
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv: os.LookupEnv,
	}
}

// Load reads configPath on top of Defaults. An empty path yields the
// defaults. Environment overrides are applied last, before validation.
func (l *Loader) Load(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		config := l.Defaults()
		l.applyEnv(config)
		if err := l.Validate(config); err != nil {
			return nil, err
		}
		return config, nil
	}

	return l.LoadFromFile(ctx, configPath)
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (config *types.ServiceConfig, err error) {
	if configPath == "" {
		return config, types.ErrConfigNotFound
	}

	if _, err = os.Stat(configPath); os.IsNotExist(err) {
		return config, types.Errorf(types.ErrConfigNotFound, "file: %s", configPath)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return config, types.Errorf(types.ErrConfigLoadFailed, "%v", err)
	}

	return l.Parse(data)
}

func (l *Loader) Parse(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	l.applyEnv(config)

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) applyEnv(config *types.ServiceConfig) {
	if v, ok := l.lookupEnv(EnvBaseURL); ok && v != "" {
		if config.Client == nil {
			config.Client = &types.ClientConfig{}
		}
		config.Client.BaseURL = v
	}

	if v, ok := l.lookupEnv(EnvAuthSecret); ok && v != "" {
		if config.Auth == nil {
			config.Auth = &types.AuthConfig{}
		}
		config.Auth.Secret = v
	}

	if v, ok := l.lookupEnv(EnvLogLevel); ok && v != "" {
		if config.Logger == nil {
			config.Logger = &types.LoggerConfig{}
		}
		config.Logger.Level = v
	}

	if v, ok := l.lookupEnv(EnvRealtimeURL); ok && v != "" {
		if config.Realtime == nil {
			config.Realtime = &types.RealtimeConfig{}
		}
		config.Realtime.URL = v
		config.Realtime.Enabled = true
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-query",
		Version: "0.1.0",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Query: &types.QueryConfig{
			StaleTime:          0,
			GCTime:             5 * time.Minute,
			Retry:              3,
			RetryDelay:         time.Second,
			MaxRetryDelay:      30 * time.Second,
			RefetchOnSubscribe: true,
		},
		Mutation: &types.MutationConfig{},
		Client: &types.ClientConfig{
			BaseURL:     "http://localhost:3000",
			Timeout:     30 * time.Second,
			Retries:     0,
			UserAgent:   "sai-query/0.1",
			Compression: true,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Auth: &types.AuthConfig{
			TokenKey: "auth-token",
		},
		Storage: &types.StorageConfig{
			Enabled: true,
			Type:    "memory",
		},
		Persist: &types.PersistConfig{
			Enabled:  false,
			Key:      "query-cache",
			MaxAge:   24 * time.Hour,
			Throttle: time.Second,
			Schedule: "@every 1m",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Server: &types.ServerConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: &types.RealtimeConfig{
			Enabled:               false,
			ReconnectDelay:        time.Second,
			MaxReconnectDelay:     30 * time.Second,
			PingInterval:          30 * time.Second,
			PongWait:              60 * time.Second,
			WriteWait:             10 * time.Second,
			InvalidateOnReconnect: true,
		},
		Refresh: &types.RefreshConfig{},
		Scheduler: &types.SchedulerConfig{
			Timezone:        "UTC",
			JobTimeout:      5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}
