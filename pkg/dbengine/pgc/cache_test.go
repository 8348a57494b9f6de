package pgc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

func newTestCache(flush FlushFunc, evict EvictFunc) *Cache {
	cfg := DefaultConfig()
	cfg.TargetSize = 1 << 20
	return New(cfg, flush, evict)
}

func TestAcquireCreatesAndReusesPage(t *testing.T) {
	c := newTestCache(func([]*Page) error { return nil }, nil)

	p1, ok, err := c.Acquire(core.TierID(0), core.Fingerprint(1), 1000, true, core.EncodingRaw32, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateHot, p1.State())

	p2, ok, err := c.Acquire(core.TierID(0), core.Fingerprint(1), 1000, false, core.EncodingRaw32, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, p1, p2)
	require.EqualValues(t, 2, p1.Refs())
}

func TestAcquireConcurrentCreateObservesSamePage(t *testing.T) {
	c := newTestCache(func([]*Page) error { return nil }, nil)

	var wg sync.WaitGroup
	pages := make([]*Page, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, ok, err := c.Acquire(core.TierID(0), core.Fingerprint(42), 0, true, core.EncodingRaw32, 8)
			require.NoError(t, err)
			require.True(t, ok)
			pages[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(pages); i++ {
		require.Same(t, pages[0], pages[i])
	}
}

func TestMarkDirtyThenFlushMovesToClean(t *testing.T) {
	var flushed [][]*Page
	c := newTestCache(func(batch []*Page) error {
		flushed = append(flushed, batch)
		return nil
	}, nil)

	p, _, err := c.Acquire(core.TierID(0), core.Fingerprint(1), 0, true, core.EncodingRaw32, 4)
	require.NoError(t, err)
	require.NoError(t, p.Append(1.5, 10))
	require.NoError(t, p.Append(2.5, 20))

	require.NoError(t, c.MarkDirty(p))
	require.Equal(t, StateDirty, p.State())

	require.NoError(t, c.FlushAll(core.TierID(0), core.FlushDirtyOnly))
	require.Equal(t, StateClean, p.State())
	require.Len(t, flushed, 1)
	require.Len(t, flushed[0], 1)

	stats := c.Statistics()
	require.EqualValues(t, 1, stats.Clean)
	require.EqualValues(t, 0, stats.Dirty)
}

func TestFlushFailureRetriesThenDiscards(t *testing.T) {
	boom := errors.New("extent write failed")
	var evicted []*Page
	c := newTestCache(func([]*Page) error { return boom }, func(p *Page) {
		evicted = append(evicted, p)
	})

	p, _, err := c.Acquire(core.TierID(0), core.Fingerprint(7), 0, true, core.EncodingRaw32, 2)
	require.NoError(t, err)
	require.NoError(t, p.Append(1, 1))
	require.NoError(t, c.MarkDirty(p))

	for i := 0; i < maxFlushRetries; i++ {
		err := c.FlushAll(core.TierID(0), core.FlushDirtyOnly)
		require.ErrorIs(t, err, boom)
		require.Equal(t, StateDirty, p.State())
	}

	err = c.FlushAll(core.TierID(0), core.FlushDirtyOnly)
	require.ErrorIs(t, err, boom)
	require.Len(t, evicted, 1)
	require.Same(t, p, evicted[0])

	stats := c.Statistics()
	require.EqualValues(t, 0, stats.Dirty)
	require.EqualValues(t, 0, stats.Flushing)
}

func TestEvictSkipsReferencedPages(t *testing.T) {
	var evicted []*Page
	c := newTestCache(func(batch []*Page) error { return nil }, func(p *Page) {
		evicted = append(evicted, p)
	})

	pinned, _, err := c.Acquire(core.TierID(0), core.Fingerprint(1), 0, true, core.EncodingRaw32, 2)
	require.NoError(t, err)
	free, _, err := c.Acquire(core.TierID(0), core.Fingerprint(2), 0, true, core.EncodingRaw32, 2)
	require.NoError(t, err)

	for _, p := range []*Page{pinned, free} {
		require.NoError(t, p.Append(1, 1))
		require.NoError(t, c.MarkDirty(p))
	}
	require.NoError(t, c.FlushAll(core.TierID(0), core.FlushDirtyOnly))

	// free's acquisition-time reference is released, making it eligible
	// for eviction; pinned's is never released, simulating an active
	// collector still holding the page.
	c.Release(free)

	n := c.Evict(core.TierID(0), 10)
	require.Equal(t, 1, n)
	require.Len(t, evicted, 1)
	require.Same(t, free, evicted[0])
	require.Equal(t, StateClean, pinned.State())
}

func TestOpenCacheAppendAndReleaseDatafile(t *testing.T) {
	oc, err := NewOpenCache(128)
	require.NoError(t, err)

	fp := core.Fingerprint(9)
	oc.Append(1, fp, ExtentDescriptor{Offset: 0, Size: 64, Start: 10, End: 20})
	oc.Append(1, fp, ExtentDescriptor{Offset: 64, Size: 32, Start: 21, End: 30})

	descs, ok := oc.Lookup(1, fp)
	require.True(t, ok)
	require.Len(t, descs, 2)

	oc.ReleaseDatafile(1, []core.Fingerprint{fp})
	_, ok = oc.Lookup(1, fp)
	require.False(t, ok)
}
