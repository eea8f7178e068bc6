package persist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type SQLiteConfig struct {
	DSN string `json:"dsn"`
}

// SQLiteStorage keeps items in a single kv table.
type SQLiteStorage struct {
	logger types.Logger
	config *SQLiteConfig
	db     *sql.DB
}

func NewSQLiteStorage(config *types.StorageConfig, logger types.Logger) (*SQLiteStorage, error) {
	sqliteConfig := &SQLiteConfig{DSN: "file:sai-query.db?_journal_mode=WAL&_busy_timeout=5000"}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite storage config")
		}
	}

	return &SQLiteStorage{logger: logger, config: sqliteConfig}, nil
}

func (s *SQLiteStorage) Start() error {
	db, err := sql.Open("sqlite3", s.config.DSN)
	if err != nil {
		return types.WrapError(err, "failed to open sqlite database")
	}

	// :memory: databases live per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return types.WrapError(err, "failed to create kv table")
	}

	s.db = db
	s.logger.Debug("SQLite storage opened", zap.String("dsn", s.config.DSN))
	return nil
}

func (s *SQLiteStorage) Stop() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return types.WrapError(err, "failed to close sqlite database")
}

func (s *SQLiteStorage) IsRunning() bool {
	return s.db != nil
}

func (s *SQLiteStorage) GetItem(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.Errorf(types.ErrStorageKeyNotFound, "key: %s", key)
	}
	if err != nil {
		return "", types.WrapError(err, "failed to read sqlite item")
	}
	return value, nil
}

func (s *SQLiteStorage) SetItem(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return types.WrapError(err, "failed to write sqlite item")
}

func (s *SQLiteStorage) RemoveItem(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return types.WrapError(err, "failed to delete sqlite item")
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, types.WrapError(err, "failed to list sqlite items")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, types.WrapError(err, "failed to scan sqlite key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
