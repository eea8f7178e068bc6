package query

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type applicationView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestRestoreIsExact(t *testing.T) {
	c, clock := newTestClient(t, nil)
	key := K("job-applications", 7)

	_, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
		return applicationView{ID: "a-1", Status: "pending"}, nil
	}, nil)
	require.NoError(t, err)
	_, err = c.Invalidate(key)
	require.NoError(t, err)

	before, _ := c.Read(key)

	snap, err := c.Snapshot(key)
	require.NoError(t, err)
	assert.True(t, snap.Exists())

	clock.Advance(time.Second)
	written, err := c.SetData(key, func(old any) any {
		v := old.(applicationView)
		v.Status = "accepted"
		return v
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", written.Data.(applicationView).Status)
	assert.False(t, written.Invalidated)

	ok, err := c.Restore(snap, written.Revision)
	require.NoError(t, err)
	assert.True(t, ok)

	after, _ := c.Read(key)
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Invalidated, after.Invalidated)
	assert.Greater(t, after.Revision, written.Revision)
}

func TestRestoreRefusedAfterLaterWrite(t *testing.T) {
	c, _ := newTestClient(t, nil)
	key := K("conversations", "c-1")

	_, err := c.SetData(key, func(any) any { return []string{"hi"} })
	require.NoError(t, err)

	snap, err := c.Snapshot(key)
	require.NoError(t, err)

	mine, err := c.SetData(key, func(any) any { return []string{"hi", "optimistic"} })
	require.NoError(t, err)

	_, err = c.SetData(key, func(any) any { return []string{"hi", "from-server"} })
	require.NoError(t, err)

	ok, err := c.Restore(snap, mine.Revision)
	require.NoError(t, err)
	assert.False(t, ok)

	data, _ := c.GetData(key)
	assert.Equal(t, []string{"hi", "from-server"}, data)
}

func TestRestoreOfMissingEntryRemovesIt(t *testing.T) {
	c, _ := newTestClient(t, nil)
	key := K("reviews", "w-1")

	snap, err := c.Snapshot(key)
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	st, err := c.SetData(key, func(any) any { return "optimistic" })
	require.NoError(t, err)

	ok, err := c.Restore(snap, st.Revision)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := c.Read(key)
	assert.False(t, found)
}

func TestRestoreKeepsLaterInvalidation(t *testing.T) {
	c, _ := newTestClient(t, nil)
	key := K("job-applications", 8)

	_, err := c.SetData(key, func(any) any { return applicationView{ID: "a-8", Status: "pending"} })
	require.NoError(t, err)

	snap, err := c.Snapshot(key)
	require.NoError(t, err)

	mine, err := c.SetData(key, func(any) any { return applicationView{ID: "a-8", Status: "rejected"} })
	require.NoError(t, err)

	_, err = c.Invalidate(K("job-applications"))
	require.NoError(t, err)

	ok, err := c.Restore(snap, mine.Revision)
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := c.Read(key)
	assert.Equal(t, "pending", st.Data.(applicationView).Status)
	assert.True(t, st.Invalidated)
	assert.True(t, st.Stale)
}

func TestSwapSupersedesInFlightFetch(t *testing.T) {
	c, _ := newTestClient(t, nil)
	key := K("jobs", 1)

	var calls int32
	var mu sync.Mutex
	loader := func(ctx context.Context) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "v1", nil
		}
		<-ctx.Done()
		return "late", nil
	}

	_, err := c.Fetch(context.Background(), key, loader, nil)
	require.NoError(t, err)

	refresh, err := c.Refetch(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	snap, st, err := c.Swap(key, func(old any) any { return old.(string) + "+optimistic" })
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Data())
	assert.Equal(t, "v1+optimistic", st.Data)
	assert.False(t, st.IsFetching)
	assert.Greater(t, st.Revision, snap.Revision())

	require.NoError(t, refresh.Wait(context.Background()))

	data, _ := c.GetData(key)
	assert.Equal(t, "v1+optimistic", data)
}

func TestSetDataNilLeavesEntry(t *testing.T) {
	c, _ := newTestClient(t, nil)

	st, err := c.SetData(K("jobs"), func(any) any { return nil })
	require.NoError(t, err)
	assert.False(t, st.HasData())
	assert.Empty(t, c.Keys())
}

func TestGCEvictsOnlyUnobservedEntries(t *testing.T) {
	c, clock := newTestClient(t, nil)
	key := K("profile", "u-1")
	opts := &Options{GCTime: time.Minute, StaleTime: StaleNever}

	loads := 0
	loader := func(ctx context.Context) (any, error) {
		loads++
		return "profile", nil
	}

	_, err := c.Fetch(context.Background(), key, loader, opts)
	require.NoError(t, err)
	first, _ := c.Read(key)

	clock.Advance(30 * time.Second)
	sub, err := c.Subscribe(key, nil, nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	st := sub.State()
	assert.Equal(t, first.Revision, st.Revision)
	assert.Equal(t, first.FetchCount, st.FetchCount)
	assert.Equal(t, 1, loads)

	sub.Unsubscribe()
	sub.Unsubscribe()

	clock.Advance(59 * time.Second)
	_, ok := c.Read(key)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Read(key)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestNegativeGCTimeKeepsEntries(t *testing.T) {
	c, clock := newTestClient(t, nil)

	_, err := c.SetData(K("categories"), func(any) any { return []string{"plumbing"} })
	require.NoError(t, err)
	require.NoError(t, c.SetQueryDefaults(K("categories"), Options{GCTime: -1}))
	_, err = c.SetData(K("categories"), func(any) any { return []string{"plumbing", "tiling"} })
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, ok := c.Read(K("categories"))
	assert.True(t, ok)
}

func TestHydrateDecodesRawData(t *testing.T) {
	c, _ := newTestClient(t, nil)

	items := []Dehydrated{
		{
			Key:       K("job-applications", 7),
			Hash:      K("job-applications", 7).Hash(),
			Data:      json.RawMessage(`{"id":"a-1","status":"pending"}`),
			UpdatedAt: epoch.Add(-time.Minute),
		},
		{Key: K("broken"), Data: nil},
	}

	assert.Equal(t, 1, c.Hydrate(items))

	view, ok := DataAs[applicationView](c, K("job-applications", 7))
	require.True(t, ok)
	assert.Equal(t, applicationView{ID: "a-1", Status: "pending"}, view)

	st, _ := c.Read(K("job-applications", 7))
	assert.Equal(t, epoch.Add(-time.Minute), st.UpdatedAt)

	_, err := c.SetData(K("job-applications", 7), func(any) any { return applicationView{ID: "a-1", Status: "accepted"} })
	require.NoError(t, err)
	assert.Equal(t, 0, c.Hydrate(items[:1]))

	out := c.Entries()
	require.Len(t, out, 1)
	assert.Equal(t, "accepted", out[0].Data.(applicationView).Status)
}

func TestFetchAsTyped(t *testing.T) {
	c, _ := newTestClient(t, nil)

	view, err := FetchAs(context.Background(), c, K("job-applications", 9), func(ctx context.Context) (applicationView, error) {
		return applicationView{ID: "a-9", Status: "pending"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a-9", view.ID)

	asMap, err := Decode[map[string]string](view)
	require.NoError(t, err)
	assert.Equal(t, "pending", asMap["status"])

	_, err = Decode[applicationView](nil)
	assert.Error(t, err)
}
