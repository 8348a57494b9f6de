package writer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

type mockDatafile struct {
	mu      sync.Mutex
	id      uint64
	sealed  bool
	extents [][]dfjournal.PageRecord
	synced  int
}

func (m *mockDatafile) ID() uint64   { return m.id }
func (m *mockDatafile) Sealed() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.sealed }

func (m *mockDatafile) AppendExtent(pages []dfjournal.PageRecord, algo core.CompressionAlgo) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(len(m.extents)) * 4096
	m.extents = append(m.extents, pages)
	return off, nil
}

func (m *mockDatafile) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced++
	return nil
}

type mockJournal struct {
	mu      sync.Mutex
	records [][]dfjournal.PageDescriptor
}

func (j *mockJournal) AppendRecord(offset int64, descs []dfjournal.PageDescriptor) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, descs)
	return nil
}

type mockOpenCache struct {
	mu      sync.Mutex
	entries map[uint64]map[core.Fingerprint][]pgc.ExtentDescriptor
}

func newMockOpenCache() *mockOpenCache {
	return &mockOpenCache{entries: make(map[uint64]map[core.Fingerprint][]pgc.ExtentDescriptor)}
}

func (o *mockOpenCache) Append(datafileID uint64, fp core.Fingerprint, d pgc.ExtentDescriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entries[datafileID] == nil {
		o.entries[datafileID] = make(map[core.Fingerprint][]pgc.ExtentDescriptor)
	}
	o.entries[datafileID][fp] = append(o.entries[datafileID][fp], d)
}

func newHotPage(t *testing.T, fp core.Fingerprint, start int64, value float64, ts int64) *pgc.Page {
	t.Helper()
	c := pgc.New(pgc.DefaultConfig(), func([]*pgc.Page) error { return nil }, nil)
	p, ok, err := c.Acquire(core.TierID(0), fp, start, true, core.EncodingRaw32, 4)
	require.NoError(t, err)
	require.True(t, ok)
	p.UpdateEveryS = 10
	require.NoError(t, p.Append(value, ts))
	require.NoError(t, c.MarkDirty(p))
	return p
}

func TestWriteBatchesSuccessPopulatesOpenCache(t *testing.T) {
	df := &mockDatafile{id: 1}
	j := &mockJournal{}
	oc := newMockOpenCache()
	w := New(Config{Workers: 2, CompressionAlgo: core.CompressionNone}, oc)

	p := newHotPage(t, core.Fingerprint(1), 100, 1.0, 100)
	err := w.WriteBatches([]Batch{{Datafile: df, Journal: j, Pages: []*pgc.Page{p}}})
	require.NoError(t, err)

	require.Len(t, df.extents, 1)
	require.Len(t, j.records, 1)
	descs, ok := oc.entries[1][core.Fingerprint(1)]
	require.True(t, ok)
	require.Len(t, descs, 1)
	require.Equal(t, int64(100), descs[0].Start)

	require.EqualValues(t, 100, w.lastStart[core.Fingerprint(1)])
	require.EqualValues(t, 10, descs[0].UpdateEveryS, "update_every_s must round-trip into the open-cache descriptor")
}

func TestWriteBatchesSealedDatafileFails(t *testing.T) {
	df := &mockDatafile{id: 2, sealed: true}
	oc := newMockOpenCache()
	w := New(Config{Workers: 1, CompressionAlgo: core.CompressionNone}, oc)

	p := newHotPage(t, core.Fingerprint(5), 0, 1.0, 1)
	err := w.WriteBatches([]Batch{{Datafile: df, Pages: []*pgc.Page{p}}})
	require.Error(t, err)
	require.Empty(t, df.extents)
}

func TestWriteBatchHoldsBackOutOfOrderBatch(t *testing.T) {
	df := &mockDatafile{id: 3}
	oc := newMockOpenCache()
	w := New(Config{Workers: 1, CompressionAlgo: core.CompressionNone}, oc)
	w.lastStart[core.Fingerprint(9)] = 500

	p := newHotPage(t, core.Fingerprint(9), 100, 1.0, 100)
	err := w.writeBatch(Batch{Datafile: df, Pages: []*pgc.Page{p}})
	require.Error(t, err)
	require.Empty(t, df.extents)
	require.EqualValues(t, 500, w.lastStart[core.Fingerprint(9)])
}
