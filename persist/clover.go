package persist

import (
	"context"
	"os"
	"sort"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverStorage stores every item as a {key, value} document in one
// collection of an embedded clover database.
type CloverStorage struct {
	logger types.Logger
	config *CloverConfig
	db     *clover.DB
}

func NewCloverStorage(config *types.StorageConfig, logger types.Logger) (*CloverStorage, error) {
	cloverConfig := &CloverConfig{
		Path:       "data/sai-query",
		Collection: "kv",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover storage config")
		}
	}

	return &CloverStorage{logger: logger, config: cloverConfig}, nil
}

func (c *CloverStorage) Start() error {
	if err := os.MkdirAll(c.config.Path, 0o755); err != nil {
		return types.WrapError(err, "failed to create clover directory")
	}

	db, err := clover.Open(c.config.Path)
	if err != nil {
		return types.WrapError(err, "failed to open CloverDB")
	}

	exists, err := db.HasCollection(c.config.Collection)
	if err == nil && !exists {
		err = db.CreateCollection(c.config.Collection)
	}
	if err != nil {
		_ = db.Close()
		return types.WrapError(err, "failed to prepare clover collection")
	}

	c.db = db
	c.logger.Debug("CloverDB opened",
		zap.String("path", c.config.Path),
		zap.String("collection", c.config.Collection),
	)
	return nil
}

func (c *CloverStorage) Stop() error {
	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil
	return types.WrapError(err, "failed to close CloverDB")
}

func (c *CloverStorage) IsRunning() bool {
	return c.db != nil
}

func (c *CloverStorage) byKey(key string) *clover.Query {
	return c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key))
}

func (c *CloverStorage) GetItem(_ context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	doc, err := c.byKey(key).FindFirst()
	if err != nil {
		return "", types.WrapError(err, "failed to read clover item")
	}
	if doc == nil {
		return "", types.Errorf(types.ErrStorageKeyNotFound, "key: %s", key)
	}

	value, _ := doc.Get("value").(string)
	return value, nil
}

func (c *CloverStorage) SetItem(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	q := c.byKey(key)
	count, err := q.Count()
	if err != nil {
		return types.WrapError(err, "failed to count clover items")
	}

	if count > 0 {
		err = q.Update(map[string]interface{}{"value": value})
		return types.WrapError(err, "failed to update clover item")
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("value", value)

	err = c.db.Insert(c.config.Collection, doc)
	return types.WrapError(err, "failed to insert clover item")
}

func (c *CloverStorage) RemoveItem(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := c.byKey(key).Delete()
	return types.WrapError(err, "failed to delete clover item")
}

func (c *CloverStorage) Keys(_ context.Context) ([]string, error) {
	docs, err := c.db.Query(c.config.Collection).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list clover items")
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if k, ok := doc.Get("key").(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *CloverStorage) Ping(_ context.Context) error {
	_, err := c.db.HasCollection(c.config.Collection)
	return err
}
