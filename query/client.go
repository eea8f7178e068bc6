package query

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-query/types"
)

type ClientState int32

const (
	ClientStateStopped ClientState = iota
	ClientStateStarting
	ClientStateRunning
	ClientStateStopping
)

type Stats struct {
	Entries     int    `json:"entries"`
	Subscribers int    `json:"subscribers"`
	InFlight    int    `json:"in_flight"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Dedups      uint64 `json:"dedups"`
	Fetches     uint64 `json:"fetches"`
	Failures    uint64 `json:"failures"`
	Evictions   uint64 `json:"evictions"`
}

type notification struct {
	state     State
	event     Event
	listeners []Listener
	handlers  []func(Event)
}

// Client is the query cache. All cache state sits behind one mutex that is
// never held across a loader call or a listener callback.
type Client struct {
	ctx                context.Context
	cancel             context.CancelFunc
	logger             types.Logger
	metrics            types.MetricsManager
	clock              Clock
	base               resolvedOptions
	refetchOnSubscribe bool
	state              atomic.Value

	mu        sync.Mutex
	root      *node
	entries   map[string]*entry
	defaults  []prefixDefaults
	group     singleflight.Group
	running   map[string]*flight
	handlers  map[uint64]func(Event)
	pending   []notification
	nextID    uint64
	revision  uint64
	closed    bool
	hits      uint64
	misses    uint64
	dedups    uint64
	fetches   uint64
	failures  uint64
	evictions uint64

	notifyMu sync.Mutex
}

func NewClient(config *types.QueryConfig, logger types.Logger, metrics types.MetricsManager, clock Clock) *Client {
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		base:     baseOptions(config),
		root:     newNode(),
		entries:  make(map[string]*entry),
		running:  make(map[string]*flight),
		handlers: make(map[uint64]func(Event)),
	}

	if config != nil {
		c.refetchOnSubscribe = config.RefetchOnSubscribe
	}

	c.state.Store(ClientStateStopped)

	return c
}

func (c *Client) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return types.ErrCacheClosed
	}

	if !c.transitionState(ClientStateStopped, ClientStateStarting) {
		return types.ErrServiceIsRunning
	}

	c.setState(ClientStateRunning)
	c.logger.Info("Query client started",
		zap.Duration("stale_time", c.base.staleTime),
		zap.Duration("gc_time", c.base.gcTime),
		zap.Int("retry", c.base.retry),
	)
	return nil
}

// Stop supersedes every in-flight fetch and cancels pending evictions.
// Cached data stays readable so it can still be persisted.
func (c *Client) Stop() error {
	if !c.transitionState(ClientStateRunning, ClientStateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer c.setState(ClientStateStopped)

	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		c.supersedeLocked(e)
		c.stopGCLocked(e)
	}
	c.mu.Unlock()

	c.cancel()
	c.logger.Info("Query client stopped")
	return nil
}

func (c *Client) IsRunning() bool {
	return c.getState() == ClientStateRunning
}

func (c *Client) getState() ClientState {
	return c.state.Load().(ClientState)
}

func (c *Client) setState(newState ClientState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Client) transitionState(from, to ClientState) bool {
	return c.state.CompareAndSwap(from, to)
}

// SetQueryDefaults registers options for every key under prefix. The
// longest matching prefix wins; per-call options still override.
func (c *Client) SetQueryDefaults(prefix Key, opts Options) error {
	rk, err := resolve(prefix)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, d := range c.defaults {
		if equalSegs(d.segs, rk.segs) {
			c.defaults[i].opts = opts
			return nil
		}
	}

	c.defaults = append(c.defaults, prefixDefaults{segs: rk.segs, opts: opts})
	return nil
}

// OnEvent registers fn for every cache change. Events are delivered in the
// order they were produced. The returned func removes the handler.
func (c *Client) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Read returns the current state of key without side effects.
func (c *Client) Read(key Key) (State, bool) {
	rk, err := resolve(key)
	if err != nil {
		return State{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[rk.hash]
	if !ok {
		return State{}, false
	}
	return e.snapshot(c.clock.Now(), c.optionsLocked(e)), true
}

func (c *Client) GetData(key Key) (any, bool) {
	st, ok := c.Read(key)
	if !ok || st.Data == nil {
		return nil, false
	}
	return st.Data, true
}

// Fetch returns fresh cached data for key or loads it. Concurrent callers
// share one loader call. A failed fetch keeps the previous data and marks
// the entry as errored. ctx bounds only this caller's wait.
func (c *Client) Fetch(ctx context.Context, key Key, loader Loader, opts *Options) (any, error) {
	rk, err := resolve(key)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.ErrCacheClosed
	}

	e, created := c.ensureLocked(rk)
	if created {
		c.enqueueLocked(e, EventAdded)
	}
	if loader != nil {
		e.loader = loader
	}
	if opts != nil {
		e.options = *opts
	}
	resolved := c.optionsLocked(e)

	if !e.isStale(c.clock.Now(), resolved.staleTime) {
		data := e.data
		c.hits++
		c.mu.Unlock()
		c.flush()
		c.recordMetric("fetch", "hit", start)
		return data, nil
	}

	if e.loader == nil {
		if created {
			c.removeLocked(e)
		}
		c.mu.Unlock()
		c.flush()
		return nil, types.Errorf(types.ErrCacheLoaderMissing, "key: %s", rk.hash)
	}

	var ch <-chan singleflight.Result
	if e.fetching() {
		c.dedups++
		ch = c.joinLocked(e)
	} else {
		c.misses++
		ch = c.startFetchLocked(e, resolved)
	}
	c.mu.Unlock()
	c.flush()

	return c.await(ctx, e, ch)
}

// Invalidate marks every entry under prefix stale before returning and
// refetches the ones with subscribers in the background. Stale data stays
// readable meanwhile. An empty prefix matches every entry.
func (c *Client) Invalidate(prefix Key) (*Refresh, error) {
	rk, err := resolve(prefix)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	refresh := &Refresh{}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return refresh, types.ErrCacheClosed
	}

	matched := c.root.collect(rk.segs, nil)
	for _, e := range matched {
		e.invalidated = true
		c.enqueueLocked(e, EventInvalidated)

		opts := c.optionsLocked(e)
		if len(e.observers) == 0 || e.loader == nil || opts.disabled {
			continue
		}

		c.supersedeLocked(e)
		refresh.add(c.startFetchLocked(e, opts))
	}
	c.mu.Unlock()
	c.flush()

	c.logger.Debug("Queries invalidated",
		zap.String("prefix", rk.hash),
		zap.Int("matched", len(matched)),
		zap.Int("refetching", refresh.Len()),
	)
	c.recordMetric("invalidate", "success", start)

	return refresh, nil
}

// Refetch reloads every entry under prefix that has a loader, whether or
// not anyone is subscribed.
func (c *Client) Refetch(prefix Key) (*Refresh, error) {
	rk, err := resolve(prefix)
	if err != nil {
		return nil, err
	}

	refresh := &Refresh{}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return refresh, types.ErrCacheClosed
	}

	for _, e := range c.root.collect(rk.segs, nil) {
		opts := c.optionsLocked(e)
		if e.loader == nil || opts.disabled {
			continue
		}
		c.supersedeLocked(e)
		refresh.add(c.startFetchLocked(e, opts))
	}
	c.mu.Unlock()
	c.flush()

	return refresh, nil
}

// Cancel supersedes in-flight fetches under prefix. Their results are
// dropped and entries that were loading for the first time go back to
// their previous status.
func (c *Client) Cancel(prefix Key) (int, error) {
	rk, err := resolve(prefix)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	cancelled := 0
	for _, e := range c.root.collect(rk.segs, nil) {
		if c.supersedeLocked(e) {
			cancelled++
			c.enqueueLocked(e, EventUpdated)
			if len(e.observers) == 0 {
				c.scheduleGCLocked(e)
			}
		}
	}
	c.mu.Unlock()
	c.flush()

	return cancelled, nil
}

// SetData replaces the data of key with updater(old). A nil result leaves
// the entry untouched. updater runs under the cache lock and must not call
// back into the Client.
func (c *Client) SetData(key Key, updater func(old any) any) (State, error) {
	rk, err := resolve(key)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return State{}, types.ErrCacheClosed
	}

	st := c.setDataLocked(rk, updater)
	c.mu.Unlock()
	c.flush()

	return st, nil
}

func (c *Client) setDataLocked(rk resolvedKey, updater func(old any) any) State {
	e, created := c.ensureLocked(rk)
	next := updater(e.data)
	if next == nil {
		if created {
			c.removeLocked(e)
			return State{Key: rk.key, Hash: rk.hash}
		}
		return e.snapshot(c.clock.Now(), c.optionsLocked(e))
	}

	e.data = next
	e.err = nil
	e.status = StatusSuccess
	e.dataUpdatedAt = c.clock.Now()
	e.invalidated = false
	c.bumpRevisionLocked(e)

	if len(e.observers) == 0 && !e.fetching() {
		c.scheduleGCLocked(e)
	}

	if created {
		c.enqueueLocked(e, EventAdded)
	} else {
		c.enqueueLocked(e, EventUpdated)
	}

	return e.snapshot(c.clock.Now(), c.optionsLocked(e))
}

// Remove drops every entry under prefix, superseding their fetches.
func (c *Client) Remove(prefix Key) (int, error) {
	rk, err := resolve(prefix)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	matched := c.root.collect(rk.segs, nil)
	for _, e := range matched {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	c.flush()

	return len(matched), nil
}

func (c *Client) Clear() int {
	n, _ := c.Remove(Key{})
	return n
}

func (c *Client) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := make([]string, 0, len(c.entries))
	for h := range c.entries {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	keys := make([]Key, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, c.entries[h].key)
	}
	return keys
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Dedups:    c.dedups,
		Fetches:   c.fetches,
		Failures:  c.failures,
		Evictions: c.evictions,
	}

	for _, e := range c.entries {
		s.Subscribers += len(e.observers)
		if e.fetching() {
			s.InFlight++
		}
	}
	return s
}

func (c *Client) ensureLocked(rk resolvedKey) (*entry, bool) {
	if e, ok := c.entries[rk.hash]; ok {
		return e, false
	}

	e := newEntry(rk)
	c.entries[rk.hash] = e
	c.root.insert(rk.segs, e)
	return e, true
}

func (c *Client) removeLocked(e *entry) {
	if c.entries[e.hash] != e {
		return
	}

	c.supersedeLocked(e)
	c.stopGCLocked(e)
	c.enqueueLocked(e, EventRemoved)

	delete(c.entries, e.hash)
	c.root.remove(e.segs)
}

func (c *Client) bumpRevisionLocked(e *entry) {
	c.revision++
	e.revision = c.revision
}

func (c *Client) optionsLocked(e *entry) resolvedOptions {
	opts := c.base

	best := -1
	for i, d := range c.defaults {
		if hasSegPrefix(e.segs, d.segs) && (best < 0 || len(d.segs) > len(c.defaults[best].segs)) {
			best = i
		}
	}
	if best >= 0 {
		opts = opts.merge(c.defaults[best].opts)
	}

	return opts.merge(e.options)
}

func (c *Client) enqueueLocked(e *entry, typ EventType) {
	st := e.snapshot(c.clock.Now(), c.optionsLocked(e))
	n := notification{state: st, event: Event{Type: typ, State: st}}

	if len(e.observers) > 0 {
		ids := make([]uint64, 0, len(e.observers))
		for id := range e.observers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if l := e.observers[id].listener; l != nil {
				n.listeners = append(n.listeners, l)
			}
		}
	}

	if len(c.handlers) > 0 {
		ids := make([]uint64, 0, len(c.handlers))
		for id := range c.handlers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			n.handlers = append(n.handlers, c.handlers[id])
		}
	}

	if len(n.listeners) == 0 && len(n.handlers) == 0 {
		return
	}
	c.pending = append(c.pending, n)
}

// flush delivers queued notifications outside the cache lock. Only one
// goroutine drains at a time; a call that finds a drain in progress
// returns and leaves its items to that drain.
func (c *Client) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}

		for {
			c.mu.Lock()
			batch := c.pending
			c.pending = nil
			c.mu.Unlock()

			if len(batch) == 0 {
				break
			}

			for _, n := range batch {
				c.deliver(n)
			}
		}

		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func (c *Client) deliver(n notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Query listener panicked",
				zap.String("key", n.state.Hash),
				zap.Any("panic", r),
			)
		}
	}()

	for _, l := range n.listeners {
		l(n.state)
	}
	for _, h := range n.handlers {
		h(n.event)
	}
}

func (c *Client) recordMetric(operation, result string, start time.Time) {
	if c.metrics == nil {
		return
	}

	labels := map[string]string{
		"operation": operation,
		"result":    result,
	}

	c.metrics.Counter("query_operations_total", labels).Inc()
	c.metrics.Histogram("query_operation_duration_seconds", types.DefaultDurationBuckets, labels).
		Observe(c.clock.Now().Sub(start).Seconds())
}

func equalSegs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return hasSegPrefix(a, b)
}

func hasSegPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

func isSuperseded(err error) bool {
	return errors.Is(err, types.ErrCacheFetchSuperseded)
}
