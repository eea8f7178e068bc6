package query

import (
	"context"
	"sync/atomic"

	"github.com/saiset-co/sai-query/types"
)

// Subscription is one consumer's interest in a key. While any subscription
// is active the entry is never evicted.
type Subscription struct {
	client   *Client
	id       uint64
	rk       resolvedKey
	loader   Loader
	listener Listener
	options  *Options
	closed   atomic.Bool
}

// Subscribe registers listener for every state change of key. The entry is
// fetched right away when it has no data, failed, was invalidated, or is
// stale and refetch on subscribe is enabled.
func (c *Client) Subscribe(key Key, loader Loader, listener Listener, opts *Options) (*Subscription, error) {
	rk, err := resolve(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.ErrCacheClosed
	}

	c.nextID++
	sub := &Subscription{
		client:   c,
		id:       c.nextID,
		rk:       rk,
		loader:   loader,
		listener: listener,
		options:  opts,
	}

	e := c.attachLocked(sub)
	resolved := c.optionsLocked(e)
	if c.shouldFetchOnSubscribeLocked(e, resolved) {
		c.misses++
		c.startFetchLocked(e, resolved)
	}
	c.mu.Unlock()
	c.flush()

	return sub, nil
}

func (c *Client) shouldFetchOnSubscribeLocked(e *entry, opts resolvedOptions) bool {
	if opts.disabled || e.loader == nil || e.fetching() {
		return false
	}

	switch {
	case e.status == StatusIdle, e.status == StatusError, e.invalidated:
		return true
	default:
		return c.refetchOnSubscribe && e.isStale(c.clock.Now(), opts.staleTime)
	}
}

// attachLocked binds sub to the live entry for its key, creating it when
// it was removed or evicted meanwhile.
func (c *Client) attachLocked(sub *Subscription) *entry {
	e, created := c.ensureLocked(sub.rk)
	c.stopGCLocked(e)

	if sub.loader != nil {
		e.loader = sub.loader
	}
	if sub.options != nil {
		e.options = *sub.options
	}
	if created {
		c.enqueueLocked(e, EventAdded)
	}

	e.observers[sub.id] = sub
	return e
}

func (s *Subscription) Key() Key {
	return s.rk.key
}

func (s *Subscription) State() State {
	c := s.client

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[s.rk.hash]
	if !ok {
		return State{Key: s.rk.key, Hash: s.rk.hash, Status: StatusIdle}
	}
	return e.snapshot(c.clock.Now(), c.optionsLocked(e))
}

// Refetch is the manual retry: it supersedes any in-flight fetch and loads
// the key again, even when disabled.
func (s *Subscription) Refetch(ctx context.Context) (any, error) {
	if s.closed.Load() {
		return nil, types.Errorf(types.ErrInvalidState, "subscription closed")
	}

	c := s.client

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.ErrCacheClosed
	}

	e := c.attachLocked(s)
	if e.loader == nil {
		c.mu.Unlock()
		c.flush()
		return nil, types.Errorf(types.ErrCacheLoaderMissing, "key: %s", e.hash)
	}

	c.supersedeLocked(e)
	c.misses++
	ch := c.startFetchLocked(e, c.optionsLocked(e))
	c.mu.Unlock()
	c.flush()

	return c.await(ctx, e, ch)
}

// Unsubscribe is idempotent. It never cancels an in-flight fetch; when the
// last subscriber leaves, the eviction countdown starts.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	c := s.client

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[s.rk.hash]
	if !ok {
		return
	}

	if _, observed := e.observers[s.id]; !observed {
		return
	}

	delete(e.observers, s.id)
	if len(e.observers) == 0 && !e.fetching() {
		c.scheduleGCLocked(e)
	}
}
