package query

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-query/types"
)

// startFetchLocked begins a new fetch generation for e. The loader runs
// detached from any caller; only the client context and Cancel stop it.
// A generation whose predecessor loader has not returned yet waits for it,
// so a key never has two loader calls running.
func (c *Client) startFetchLocked(e *entry, opts resolvedOptions) <-chan singleflight.Result {
	e.generation++
	gen := e.generation
	loader := e.loader

	ctx, cancel := context.WithCancel(c.ctx)
	f := &flight{gen: gen, cancel: cancel, prevStatus: e.status, done: make(chan struct{})}
	prev := c.running[e.hash]
	c.running[e.hash] = f
	f.fn = func() (interface{}, error) {
		defer c.release(e.hash, f)

		if prev != nil {
			<-prev.done
		}
		if err := ctx.Err(); err != nil {
			return c.settle(e, gen, nil, err, 0, c.clock.Now())
		}
		return c.run(ctx, e, gen, loader, opts)
	}

	e.flight = f
	e.fetchCount++
	c.fetches++
	if e.status == StatusIdle || e.status == StatusError {
		e.status = StatusLoading
	}

	c.stopGCLocked(e)
	c.enqueueLocked(e, EventUpdated)

	return c.group.DoChan(e.hash, f.fn)
}

// release marks the loader of f as returned.
func (c *Client) release(hash string, f *flight) {
	c.mu.Lock()
	if c.running[hash] == f {
		delete(c.running, hash)
	}
	c.mu.Unlock()
	close(f.done)
}

func (c *Client) joinLocked(e *entry) <-chan singleflight.Result {
	return c.group.DoChan(e.hash, e.flight.fn)
}

// supersedeLocked abandons the in-flight fetch of e, if any. Waiters of the
// abandoned fetch follow the next one.
func (c *Client) supersedeLocked(e *entry) bool {
	if e.flight == nil {
		return false
	}

	e.generation++
	e.flight.cancel()
	c.group.Forget(e.hash)
	if e.status == StatusLoading {
		e.status = e.flight.prevStatus
	}
	e.flight = nil
	return true
}

func (c *Client) await(ctx context.Context, e *entry, ch <-chan singleflight.Result) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if !isSuperseded(r.Err) {
				return r.Val, r.Err
			}
		}

		c.mu.Lock()
		cur := c.entries[e.hash]
		switch {
		case cur != nil && cur.fetching():
			e = cur
			ch = c.joinLocked(cur)
			c.mu.Unlock()
		case cur != nil && cur.status == StatusSuccess:
			data := cur.data
			c.mu.Unlock()
			return data, nil
		default:
			c.mu.Unlock()
			return nil, types.ErrCacheFetchSuperseded
		}
	}
}

func (c *Client) run(ctx context.Context, e *entry, gen uint64, loader Loader, opts resolvedOptions) (any, error) {
	start := c.clock.Now()

	for attempt := 0; ; attempt++ {
		data, err := c.callLoader(ctx, loader, opts.timeout)
		if err == nil || ctx.Err() != nil || attempt >= opts.retry || !opts.retryOn(err) {
			return c.settle(e, gen, data, err, attempt+1, start)
		}

		if !c.recordAttemptFailure(e, gen, err, attempt+1) {
			return nil, types.ErrCacheFetchSuperseded
		}

		if err := c.sleep(ctx, opts.retryDelay(attempt, err)); err != nil {
			return c.settle(e, gen, nil, err, attempt+1, start)
		}
	}
}

func (c *Client) callLoader(ctx context.Context, loader Loader, timeout time.Duration) (data any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			data, err = nil, types.NewErrorf("query loader panicked: %v", r)
		}
	}()

	return loader(ctx)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

func (c *Client) recordAttemptFailure(e *entry, gen uint64, err error, attempts int) bool {
	c.mu.Lock()
	if e.generation != gen || c.entries[e.hash] != e {
		c.mu.Unlock()
		return false
	}
	e.failureCount++
	c.enqueueLocked(e, EventUpdated)
	c.mu.Unlock()
	c.flush()

	c.logger.Debug("Query fetch attempt failed, retrying",
		zap.String("key", e.hash),
		zap.Int("attempt", attempts),
		zap.Error(err),
	)
	return true
}

// settle writes the outcome of generation gen. Results of a superseded
// generation are dropped.
func (c *Client) settle(e *entry, gen uint64, data any, err error, attempts int, start time.Time) (any, error) {
	c.mu.Lock()
	if e.generation != gen || c.entries[e.hash] != e {
		c.mu.Unlock()
		c.logger.Debug("Query fetch superseded", zap.String("key", e.hash))
		c.recordMetric("fetch", "superseded", start)
		return nil, types.ErrCacheFetchSuperseded
	}

	e.flight.cancel()
	e.flight = nil
	c.group.Forget(e.hash)

	now := c.clock.Now()
	if err == nil {
		e.data = data
		e.err = nil
		e.status = StatusSuccess
		e.dataUpdatedAt = now
		e.invalidated = false
		e.failureCount = 0
		c.bumpRevisionLocked(e)
	} else {
		e.err = err
		e.errorUpdatedAt = now
		e.status = StatusError
		e.failureCount++
		c.failures++
	}

	if len(e.observers) == 0 {
		c.scheduleGCLocked(e)
	}

	c.enqueueLocked(e, EventUpdated)
	c.mu.Unlock()
	c.flush()

	if err != nil {
		c.logger.Warn("Query fetch failed",
			zap.String("key", e.hash),
			zap.Int("attempts", attempts),
			zap.Bool("network", types.IsNetwork(err)),
			zap.Error(err),
		)
		c.recordMetric("fetch", "error", start)
		return nil, err
	}

	c.recordMetric("fetch", "success", start)
	return data, nil
}
