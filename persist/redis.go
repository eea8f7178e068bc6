package persist

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type RedisConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	KeyPrefix    string        `json:"key_prefix"`
}

// RedisStorage shares persisted state between processes through redis.
// Every key lives under KeyPrefix.
type RedisStorage struct {
	logger types.Logger
	config *RedisConfig
	client *redis.Client
}

func NewRedisStorage(config *types.StorageConfig, logger types.Logger) (*RedisStorage, error) {
	redisConfig := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "sai-query",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis storage config")
		}
	}

	return &RedisStorage{logger: logger, config: redisConfig}, nil
}

func (r *RedisStorage) Start() error {
	r.client = redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(r.config.Host, strconv.Itoa(r.config.Port)),
		Password:     r.config.Password,
		DB:           r.config.DB,
		PoolSize:     r.config.PoolSize,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DialTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		r.client = nil
		return types.WrapError(err, "failed to connect to redis")
	}

	r.logger.Debug("Redis storage connected",
		zap.String("host", r.config.Host),
		zap.Int("port", r.config.Port),
		zap.String("prefix", r.config.KeyPrefix),
	)
	return nil
}

func (r *RedisStorage) Stop() error {
	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	return types.WrapError(err, "failed to close redis client")
}

func (r *RedisStorage) IsRunning() bool {
	return r.client != nil
}

func (r *RedisStorage) GetItem(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	value, err := r.client.Get(ctx, r.fullKey(key)).Result()
	if types.IsError(err, redis.Nil) {
		return "", types.Errorf(types.ErrStorageKeyNotFound, "key: %s", key)
	}
	if err != nil {
		return "", types.WrapError(err, "failed to read redis item")
	}
	return value, nil
}

func (r *RedisStorage) SetItem(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := r.client.Set(ctx, r.fullKey(key), value, 0).Err()
	return types.WrapError(err, "failed to write redis item")
}

func (r *RedisStorage) RemoveItem(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := r.client.Del(ctx, r.fullKey(key)).Err()
	return types.WrapError(err, "failed to delete redis item")
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	prefix := r.fullKey("")

	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, types.WrapError(err, "failed to scan redis keys")
	}

	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) fullKey(key string) string {
	return r.config.KeyPrefix + ":" + key
}
