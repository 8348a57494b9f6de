package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{Fingerprint: core.Fingerprint(42), Tier: core.TierID(1), TimestampS: 1700000000, Value: 3.25, Flags: 7}
	got, err := Decode(Encode(rec))
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestDecodeShortBufferFails(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestMonotonicGuardDropsNonIncreasing(t *testing.T) {
	g := NewMonotonicGuard()
	fp, tier := core.Fingerprint(1), core.TierID(0)
	require.True(t, g.Admit(fp, tier, 100))
	require.True(t, g.Admit(fp, tier, 110))
	require.False(t, g.Admit(fp, tier, 110))
	require.False(t, g.Admit(fp, tier, 50))
	require.Equal(t, int64(2), g.Dropped())
}

func TestRollupEmitsOnWindowBoundary(t *testing.T) {
	r := NewRollup(10)
	_, _, ok := r.Feed(1, 100, 1.0)
	require.False(t, ok)
	_, _, ok = r.Feed(1, 105, 3.0)
	require.False(t, ok)

	ts, v, ok := r.Feed(1, 111, 5.0)
	require.True(t, ok)
	require.Equal(t, int64(100), ts)
	require.Equal(t, 2.0, v)
}

type recordingSink struct {
	recs []Record
}

func (s *recordingSink) Ingest(rec Record) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestPipelineRecursesIntoNextTierOnRollupBoundary(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(sink, []int64{10})

	require.NoError(t, p.Ingest(Record{Fingerprint: 1, Tier: 0, TimestampS: 100, Value: 1.0}))
	require.NoError(t, p.Ingest(Record{Fingerprint: 1, Tier: 0, TimestampS: 105, Value: 3.0}))
	require.NoError(t, p.Ingest(Record{Fingerprint: 1, Tier: 0, TimestampS: 111, Value: 5.0}))

	require.Len(t, sink.recs, 4) // 3 tier-0 appends + 1 rolled-up tier-1 emit
	last := sink.recs[len(sink.recs)-1]
	require.Equal(t, core.TierID(1), last.Tier)
	require.Equal(t, int64(100), last.TimestampS)
	require.Equal(t, 2.0, last.Value)

	stats := p.Statistics()
	require.Equal(t, int64(4), stats.Ingested)
	require.Equal(t, int64(1), stats.RollupsEmitted)
}

func TestPipelineDropsOutOfOrderSample(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(sink, nil)

	require.NoError(t, p.Ingest(Record{Fingerprint: 1, Tier: 0, TimestampS: 100, Value: 1.0}))
	require.NoError(t, p.Ingest(Record{Fingerprint: 1, Tier: 0, TimestampS: 50, Value: 9.0}))

	require.Len(t, sink.recs, 1)
	require.Equal(t, int64(1), p.Statistics().DroppedOutOfOrder)
}
