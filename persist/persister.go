package persist

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

const (
	DefaultKey      = "query-cache"
	DefaultMaxAge   = 24 * time.Hour
	DefaultThrottle = time.Second
)

// Snapshot is the stored form of the whole cache. Timestamp is in unix
// milliseconds.
type Snapshot struct {
	Timestamp int64              `json:"timestamp"`
	Buster    string             `json:"buster"`
	Queries   []query.Dehydrated `json:"queries"`
}

type storedSnapshot struct {
	Timestamp int64         `json:"timestamp"`
	Buster    string        `json:"buster"`
	Queries   []storedQuery `json:"queries"`
}

type storedQuery struct {
	Key       []any           `json:"key"`
	Hash      string          `json:"hash"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Persister mirrors successful cache entries into Storage. Writes are
// throttled and triggered by cache events; Stop writes once more.
type Persister struct {
	queries *query.Client
	storage types.Storage
	logger  types.Logger
	metrics types.MetricsManager

	key      string
	maxAge   time.Duration
	buster   string
	throttle time.Duration
	now      func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	pending sync.WaitGroup
	off     func()
	state   atomic.Value
}

func NewPersister(config *types.PersistConfig, queries *query.Client, storage types.Storage, logger types.Logger, metrics types.MetricsManager) (*Persister, error) {
	if storage == nil {
		return nil, types.ErrStorageIsDisabled
	}

	p := &Persister{
		queries:  queries,
		storage:  storage,
		logger:   logger,
		metrics:  metrics,
		key:      DefaultKey,
		maxAge:   DefaultMaxAge,
		throttle: DefaultThrottle,
		now:      time.Now,
	}

	if config != nil {
		if config.Key != "" {
			p.key = config.Key
		}
		if config.MaxAge > 0 {
			p.maxAge = config.MaxAge
		}
		if config.Throttle > 0 {
			p.throttle = config.Throttle
		}
		p.buster = config.Buster
	}

	p.state.Store(StateStopped)
	return p, nil
}

// Start begins following cache events.
func (p *Persister) Start() error {
	if !p.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServiceIsRunning
	}

	off := p.queries.OnEvent(func(query.Event) { p.schedule() })

	p.mu.Lock()
	p.off = off
	p.mu.Unlock()

	p.logger.Info("Cache persister started",
		zap.String("key", p.key),
		zap.Duration("throttle", p.throttle),
		zap.Duration("max_age", p.maxAge),
	)
	return nil
}

// Stop detaches from the cache, waits for a running write and persists the
// final state.
func (p *Persister) Stop() error {
	if !p.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}
	defer p.state.Store(StateStopped)

	p.mu.Lock()
	if p.off != nil {
		p.off()
		p.off = nil
	}
	if p.timer != nil && p.timer.Stop() {
		p.pending.Done()
	}
	p.timer = nil
	p.mu.Unlock()

	p.pending.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Persist(ctx); err != nil {
		p.logger.Error("Final cache persist failed", zap.Error(err))
		return err
	}

	p.logger.Info("Cache persister stopped")
	return nil
}

func (p *Persister) IsRunning() bool {
	return p.state.Load().(State) == StateRunning
}

// Flush persists immediately.
func (p *Persister) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Persist(ctx)
}

// Persist writes the current successful entries.
func (p *Persister) Persist(ctx context.Context) error {
	start := time.Now()

	snap := Snapshot{
		Timestamp: p.now().UnixMilli(),
		Buster:    p.buster,
		Queries:   p.queries.Entries(),
	}

	payload, err := utils.Marshal(snap)
	if err != nil {
		p.recordMetric("persist", "error", start)
		return types.WrapError(err, "failed to encode cache snapshot")
	}

	if err := p.storage.SetItem(ctx, p.key, string(payload)); err != nil {
		p.recordMetric("persist", "error", start)
		return types.WrapError(err, "failed to store cache snapshot")
	}

	p.recordMetric("persist", "success", start)
	p.logger.Debug("Cache persisted",
		zap.Int("queries", len(snap.Queries)),
		zap.Int("bytes", len(payload)),
	)
	return nil
}

// Restore seeds the cache from storage. A snapshot older than the max age
// or written under another buster is deleted and nothing is restored.
func (p *Persister) Restore(ctx context.Context) (int, error) {
	start := time.Now()

	raw, err := p.storage.GetItem(ctx, p.key)
	if types.IsError(err, types.ErrStorageKeyNotFound) {
		p.recordMetric("restore", "miss", start)
		return 0, types.ErrSnapshotNotFound
	}
	if err != nil {
		p.recordMetric("restore", "error", start)
		return 0, types.WrapError(err, "failed to read cache snapshot")
	}

	var snap storedSnapshot
	if err := utils.Unmarshal([]byte(raw), &snap); err != nil {
		p.discard(ctx, "corrupted")
		p.recordMetric("restore", "error", start)
		return 0, types.WrapError(err, "failed to decode cache snapshot")
	}

	age := p.now().Sub(time.UnixMilli(snap.Timestamp))
	if age > p.maxAge {
		p.discard(ctx, "expired")
		p.recordMetric("restore", "expired", start)
		return 0, types.Errorf(types.ErrSnapshotExpired, "age %s exceeds %s", age.Round(time.Second), p.maxAge)
	}

	if snap.Buster != p.buster {
		p.discard(ctx, "busted")
		p.recordMetric("restore", "busted", start)
		return 0, types.Errorf(types.ErrSnapshotBusted, "stored %q, want %q", snap.Buster, p.buster)
	}

	items := make([]query.Dehydrated, 0, len(snap.Queries))
	for _, q := range snap.Queries {
		items = append(items, query.Dehydrated{
			Key:       query.Key(q.Key),
			Hash:      q.Hash,
			Data:      q.Data,
			UpdatedAt: q.UpdatedAt,
		})
	}

	restored := p.queries.Hydrate(items)
	p.recordMetric("restore", "success", start)
	p.logger.Info("Cache restored",
		zap.Int("queries", restored),
		zap.Duration("age", age),
	)
	return restored, nil
}

func (p *Persister) discard(ctx context.Context, reason string) {
	if err := p.storage.RemoveItem(ctx, p.key); err != nil {
		p.logger.Warn("Failed to remove cache snapshot", zap.String("reason", reason), zap.Error(err))
		return
	}
	p.logger.Info("Cache snapshot discarded", zap.String("reason", reason))
}

func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil || !p.IsRunning() {
		return
	}

	p.pending.Add(1)
	p.timer = time.AfterFunc(p.throttle, func() {
		defer p.pending.Done()

		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()

		if err := p.Flush(); err != nil {
			p.logger.Warn("Cache persist failed", zap.Error(err))
		}
	})
}

func (p *Persister) recordMetric(operation, result string, start time.Time) {
	if p.metrics == nil {
		return
	}

	labels := map[string]string{
		"operation": operation,
		"result":    result,
	}

	p.metrics.Counter("persist_operations_total", labels).Inc()
	p.metrics.Histogram("persist_operation_duration_seconds", types.DefaultDurationBuckets, labels).
		Observe(time.Since(start).Seconds())
}
