package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/types"
)

func newStartedStorage(t *testing.T, config *types.StorageConfig) types.Storage {
	t.Helper()

	s, err := NewStorage(config, logger.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestStorageBackends(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		config *types.StorageConfig
	}{
		{
			name:   "memory",
			config: &types.StorageConfig{Enabled: true, Type: "memory"},
		},
		{
			name: "sqlite",
			config: &types.StorageConfig{Enabled: true, Type: "sqlite", Config: map[string]interface{}{
				"dsn": "file:" + filepath.Join(dir, "kv.db") + "?_journal_mode=WAL",
			}},
		},
		{
			name: "clover",
			config: &types.StorageConfig{Enabled: true, Type: "clover", Config: map[string]interface{}{
				"path": filepath.Join(dir, "clover"),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStartedStorage(t, tt.config)

			_, err := s.GetItem(ctx, "token")
			assert.ErrorIs(t, err, types.ErrStorageKeyNotFound)

			require.NoError(t, s.SetItem(ctx, "token", "abc"))
			require.NoError(t, s.SetItem(ctx, "cache", "{}"))
			require.NoError(t, s.SetItem(ctx, "token", "def"))

			value, err := s.GetItem(ctx, "token")
			require.NoError(t, err)
			assert.Equal(t, "def", value)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"cache", "token"}, keys)

			require.NoError(t, s.RemoveItem(ctx, "token"))
			require.NoError(t, s.RemoveItem(ctx, "token"))

			_, err = s.GetItem(ctx, "token")
			assert.ErrorIs(t, err, types.ErrStorageKeyNotFound)

			assert.ErrorIs(t, s.SetItem(ctx, "", "x"), types.ErrStorageKeyEmpty)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestSQLiteStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	config := &types.StorageConfig{Enabled: true, Type: "sqlite", Config: map[string]interface{}{
		"dsn": "file:" + filepath.Join(t.TempDir(), "kv.db"),
	}}

	first, err := NewStorage(config, logger.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	require.NoError(t, first.SetItem(ctx, "query-cache", `{"queries":[]}`))
	require.NoError(t, first.Stop())

	second := newStartedStorage(t, config)
	value, err := second.GetItem(ctx, "query-cache")
	require.NoError(t, err)
	assert.Equal(t, `{"queries":[]}`, value)
}

func TestNewStorageErrors(t *testing.T) {
	_, err := NewStorage(nil, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrStorageIsDisabled)

	_, err = NewStorage(&types.StorageConfig{Enabled: true, Type: "etcd"}, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrStorageTypeUnknown)
}

func TestCustomStorage(t *testing.T) {
	var received interface{}
	RegisterStorage("scratch", func(config interface{}) (types.Storage, error) {
		received = config
		return NewMemoryStorage(), nil
	})
	t.Cleanup(func() { delete(customStorageCreators, "scratch") })

	s := newStartedStorage(t, &types.StorageConfig{Enabled: true, Type: "scratch", Config: "opts"})
	assert.Equal(t, "opts", received)
	assert.NoError(t, s.SetItem(context.Background(), "k", "v"))
}

func TestInstrumentedStorageLifecycle(t *testing.T) {
	s, err := NewStorage(&types.StorageConfig{Enabled: true, Type: "memory"}, logger.NewNop(), nil)
	require.NoError(t, err)

	_, err = s.GetItem(context.Background(), "k")
	assert.ErrorIs(t, err, types.ErrStorageNotRunning)
	assert.ErrorIs(t, s.Stop(), types.ErrServiceIsNotRunning)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(), types.ErrServiceIsRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestRedisStorageStartFails(t *testing.T) {
	s, err := NewStorage(&types.StorageConfig{Enabled: true, Type: "redis", Config: map[string]interface{}{
		"host": "127.0.0.1",
		"port": 1,
	}}, logger.NewNop(), nil)
	require.NoError(t, err)

	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}
