package mrg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

func TestGetOrCreateReturnsSameEntry(t *testing.T) {
	r := New()
	fp := Fingerprint(0x42)

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			handles[i] = r.GetOrCreate(fp)
		}()
	}
	wg.Wait()

	for _, h := range handles {
		require.Same(t, handles[0].entry, h.entry)
	}
	require.EqualValues(t, n, handles[0].entry.refs.Load())
}

func TestDeleteRefusedWhileReferenced(t *testing.T) {
	r := New()
	fp := Fingerprint(1)
	h := r.GetOrCreate(fp)

	err := r.Delete(fp)
	require.Error(t, err)
	var inUse *core.ErrMetricInUse
	require.ErrorAs(t, err, &inUse)

	r.Release(h)
	require.NoError(t, r.Delete(fp))
}

func TestDeleteRefusedWhileWriting(t *testing.T) {
	r := New()
	fp := Fingerprint(2)
	h := r.GetOrCreate(fp)
	r.Release(h)

	r.BeginWrite(h)
	require.Error(t, r.Delete(fp))
	r.EndWrite(h)
	require.NoError(t, r.Delete(fp))
}

func TestUpdateRetention(t *testing.T) {
	r := New()
	h := r.GetOrCreate(Fingerprint(3))
	defer r.Release(h)

	r.UpdateRetention(h, core.TierID(0), 1000, 2000)
	require.EqualValues(t, 1000, h.EarliestRetained(0))
	require.EqualValues(t, 2000, h.LatestTimestamp())

	r.UpdateRetention(h, core.TierID(0), 1500, 1800)
	require.EqualValues(t, 1500, h.EarliestRetained(0))
	require.EqualValues(t, 2000, h.LatestTimestamp())
}
