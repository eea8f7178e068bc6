package query

import (
	"go.uber.org/zap"
)

// scheduleGCLocked starts the eviction countdown for an entry nobody
// subscribes to. A new subscriber or fetch stops it.
func (c *Client) scheduleGCLocked(e *entry) {
	c.stopGCLocked(e)

	opts := c.optionsLocked(e)
	if opts.gcTime < 0 || c.closed {
		return
	}

	seq := e.gcSeq
	e.gcTimer = c.clock.AfterFunc(opts.gcTime, func() {
		c.collect(e, seq)
	})
}

func (c *Client) stopGCLocked(e *entry) {
	e.gcSeq++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
}

func (c *Client) collect(e *entry, seq uint64) {
	c.mu.Lock()
	if e.gcSeq != seq || c.entries[e.hash] != e || len(e.observers) > 0 || e.fetching() {
		c.mu.Unlock()
		return
	}

	e.gcTimer = nil
	c.removeLocked(e)
	c.evictions++
	c.mu.Unlock()
	c.flush()

	c.logger.Debug("Query entry evicted", zap.String("key", e.hash))
	c.recordMetric("evict", "success", c.clock.Now())
}
