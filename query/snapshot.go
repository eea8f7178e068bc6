package query

import (
	"time"

	"github.com/saiset-co/sai-query/types"
)

// Snapshot is the exact prior state of one entry, taken before an
// optimistic write.
type Snapshot struct {
	rk             resolvedKey
	exists         bool
	data           any
	err            error
	status         Status
	dataUpdatedAt  time.Time
	errorUpdatedAt time.Time
	invalidated    bool
	revision       uint64
}

func (s Snapshot) Key() Key {
	return s.rk.key
}

func (s Snapshot) Exists() bool {
	return s.exists
}

func (s Snapshot) Data() any {
	return s.data
}

func (s Snapshot) Revision() uint64 {
	return s.revision
}

func (c *Client) Snapshot(key Key) (Snapshot, error) {
	rk, err := resolve(key)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked(rk), nil
}

// Swap supersedes the in-flight fetch of key, takes its snapshot and
// writes updater(old), all under one lock, so no fetch result or other
// write can land between the snapshot and the write. A nil updater result
// leaves the entry untouched and the returned state carries the snapshot
// revision.
func (c *Client) Swap(key Key, updater func(old any) any) (Snapshot, State, error) {
	rk, err := resolve(key)
	if err != nil {
		return Snapshot{}, State{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, State{}, types.ErrCacheClosed
	}

	if e, ok := c.entries[rk.hash]; ok && c.supersedeLocked(e) {
		c.enqueueLocked(e, EventUpdated)
	}

	snap := c.snapshotLocked(rk)
	st := c.setDataLocked(rk, updater)
	c.mu.Unlock()
	c.flush()

	return snap, st, nil
}

func (c *Client) snapshotLocked(rk resolvedKey) Snapshot {
	snap := Snapshot{rk: rk}
	e, ok := c.entries[rk.hash]
	if !ok {
		return snap
	}

	snap.exists = true
	snap.data = e.data
	snap.err = e.err
	snap.status = e.status
	snap.dataUpdatedAt = e.dataUpdatedAt
	snap.errorUpdatedAt = e.errorUpdatedAt
	snap.invalidated = e.invalidated
	snap.revision = e.revision
	return snap
}

// Restore puts snap back when the entry still carries revision expected,
// that is, when nothing wrote it since the caller's own write. It reports
// false and changes nothing when a later write owns the entry. An
// invalidation that happened after the caller's write survives the
// restore.
func (c *Client) Restore(snap Snapshot, expected uint64) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, types.ErrCacheClosed
	}

	e, ok := c.entries[snap.rk.hash]
	if !ok {
		c.mu.Unlock()
		return !snap.exists, nil
	}

	if e.revision != expected {
		c.mu.Unlock()
		return false, nil
	}

	if !snap.exists && len(e.observers) == 0 && !e.fetching() {
		c.removeLocked(e)
		c.mu.Unlock()
		c.flush()
		return true, nil
	}

	e.data = snap.data
	e.err = snap.err
	e.status = snap.status
	e.dataUpdatedAt = snap.dataUpdatedAt
	e.errorUpdatedAt = snap.errorUpdatedAt
	e.invalidated = snap.invalidated || e.invalidated
	if !snap.exists {
		e.status = StatusIdle
	}
	if e.fetching() && (e.status == StatusIdle || e.status == StatusError) {
		e.status = StatusLoading
	}
	c.bumpRevisionLocked(e)

	c.enqueueLocked(e, EventUpdated)
	c.mu.Unlock()
	c.flush()

	return true, nil
}
