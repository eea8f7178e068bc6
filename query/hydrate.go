package query

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Dehydrated is the persisted form of one successful entry.
type Dehydrated struct {
	Key       Key       `json:"key"`
	Hash      string    `json:"hash"`
	Data      any       `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entries returns every entry holding successfully fetched data, ordered by
// hash.
func (c *Client) Entries() []Dehydrated {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Dehydrated, 0, len(c.entries))
	for _, e := range c.entries {
		if e.data == nil || e.dataUpdatedAt.IsZero() {
			continue
		}
		out = append(out, Dehydrated{
			Key:       e.key,
			Hash:      e.hash,
			Data:      e.data,
			UpdatedAt: e.dataUpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Hydrate seeds the cache from persisted entries. Entries already holding
// newer data, or currently fetching, are left alone. It returns the number
// of entries restored.
func (c *Client) Hydrate(items []Dehydrated) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}

	restored := 0
	for _, item := range items {
		rk, err := resolve(item.Key)
		if err != nil || item.Data == nil {
			c.logger.Warn("Skipping persisted query", zap.String("hash", item.Hash), zap.Error(err))
			continue
		}

		e, created := c.ensureLocked(rk)
		if !created && (e.fetching() || e.status == StatusSuccess && !e.dataUpdatedAt.Before(item.UpdatedAt)) {
			continue
		}

		e.data = item.Data
		e.err = nil
		e.status = StatusSuccess
		e.dataUpdatedAt = item.UpdatedAt
		e.invalidated = false
		c.bumpRevisionLocked(e)

		if len(e.observers) == 0 {
			c.scheduleGCLocked(e)
		}

		if created {
			c.enqueueLocked(e, EventAdded)
		} else {
			c.enqueueLocked(e, EventUpdated)
		}
		restored++
	}
	c.mu.Unlock()
	c.flush()

	return restored
}
