package writer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

type mockIndexerOpenCache struct {
	entries     map[core.Fingerprint][]pgc.ExtentDescriptor
	released    uint64
	releasedFPs []core.Fingerprint
}

func (m *mockIndexerOpenCache) EntriesForDatafile(datafileID uint64) map[core.Fingerprint][]pgc.ExtentDescriptor {
	return m.entries
}

func (m *mockIndexerOpenCache) ReleaseDatafile(datafileID uint64, fingerprints []core.Fingerprint) {
	m.released = datafileID
	m.releasedFPs = fingerprints
}

func TestIndexerSealThreadsUpdateEveryIntoJournalV2(t *testing.T) {
	dir := t.TempDir()
	fp := core.Fingerprint(3)
	oc := &mockIndexerOpenCache{
		entries: map[core.Fingerprint][]pgc.ExtentDescriptor{
			fp: {{
				Offset: 0, Size: 16, Start: 100, End: 140,
				UpdateEveryS: 10, SampleCount: 5, Encoding: core.EncodingRaw32,
			}},
		},
	}

	idx := NewIndexer(oc)
	j, err := idx.Seal(dir, 1, 1, 5)
	require.NoError(t, err)

	entries := j.Lookup(fp, 100, 140)
	require.Len(t, entries, 1)
	require.EqualValues(t, 10, entries[0].UpdateEveryS)
	require.EqualValues(t, 5, entries[0].SampleCount)
	require.Equal(t, core.EncodingRaw32, entries[0].Encoding)

	require.EqualValues(t, 5, oc.released)
	require.Equal(t, []core.Fingerprint{fp}, oc.releasedFPs)
}
