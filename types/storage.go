package types

import (
	"context"
)

// Storage is a string key-value store that survives process restarts.
// GetItem returns ErrStorageKeyNotFound for absent keys.
type Storage interface {
	LifecycleManager
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

type StorageCreator func(config interface{}) (Storage, error)
