package mutation

import (
	"time"

	"github.com/saiset-co/sai-query/query"
)

// Patch is one optimistic write: Update receives the cached value of Key
// and returns its replacement. Returning nil leaves the entry untouched.
type Patch struct {
	Key    query.Key
	Update func(old any) any
}

// applied pairs the pre-mutation snapshot of a patched entry with the
// revision the patch produced. Rollback only happens while the entry still
// carries that revision.
type applied struct {
	snapshot query.Snapshot
	revision uint64
}

type pending struct {
	id          string
	name        string
	submittedAt time.Time
	applied     []applied
	invalidates []query.Key
}

func (p *pending) touches(prefix query.Key) bool {
	for _, a := range p.applied {
		if a.snapshot.Key().HasPrefix(prefix) {
			return true
		}
	}
	for _, k := range p.invalidates {
		if k.HasPrefix(prefix) || prefix.HasPrefix(k) {
			return true
		}
	}
	return false
}

// apply writes every patch, recording what each entry looked like before.
// In-flight fetches of a patched key are superseded first so a response
// that predates the write cannot land on top of it.
func (c *Coordinator) apply(p *pending, patches []Patch) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	for _, patch := range patches {
		if patch.Update == nil {
			continue
		}

		snap, st, err := c.queries.Swap(patch.Key, patch.Update)
		if err != nil {
			return err
		}

		if st.Revision == snap.Revision() {
			continue
		}

		p.applied = append(p.applied, applied{snapshot: snap, revision: st.Revision})
	}
	return nil
}

// rollback restores patched entries newest first. An entry rewritten since
// this mutation touched it is invalidated instead so the later value is
// never clobbered.
func (c *Coordinator) rollback(p *pending) (restored int, invalidated []query.Key) {
	for i := len(p.applied) - 1; i >= 0; i-- {
		a := p.applied[i]

		ok, err := c.queries.Restore(a.snapshot, a.revision)
		if err == nil && ok {
			restored++
			continue
		}
		invalidated = append(invalidated, a.snapshot.Key())
	}
	return restored, invalidated
}
