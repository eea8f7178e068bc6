package persist

import (
	"context"
	"sort"
	"sync"

	"github.com/saiset-co/sai-query/types"
)

// MemoryStorage keeps items in process memory. Everything is lost on exit;
// it backs tests and one-off sessions.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) Start() error { return nil }

func (m *MemoryStorage) Stop() error { return nil }

func (m *MemoryStorage) IsRunning() bool { return true }

func (m *MemoryStorage) GetItem(_ context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.items[key]
	if !ok {
		return "", types.Errorf(types.ErrStorageKeyNotFound, "key: %s", key)
	}
	return value, nil
}

func (m *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStorage) Ping(_ context.Context) error {
	return nil
}
