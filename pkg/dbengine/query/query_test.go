package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/encoding"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

func newTestMainCache() *pgc.Cache {
	return pgc.New(pgc.DefaultConfig(), func([]*pgc.Page) error { return nil }, nil)
}

func TestPlanMainCacheOnly(t *testing.T) {
	mc := newTestMainCache()
	p, ok, err := mc.Acquire(core.TierID(0), core.Fingerprint(1), 100, true, core.EncodingRaw32, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Append(1.0, 100))
	require.NoError(t, p.Append(2.0, 110))
	mc.Release(p)

	planner := NewPlanner(Config{Section: core.TierID(0), MainCache: mc})
	it, err := planner.Plan(context.Background(), core.Fingerprint(1), 100, 110, PriorityNormal, nil)
	require.NoError(t, err)

	res, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindPoints, res.Kind)
	require.Len(t, res.Points, 2)
	require.Equal(t, 1.0, res.Points[0].Value)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPlanMainCachePageStartsMidWindow reproduces a page whose cache key
// (window-aligned Start) is earlier than its first appended sample: the
// reconstructed timestamps must follow the samples, not the window.
func TestPlanMainCachePageStartsMidWindow(t *testing.T) {
	mc := newTestMainCache()
	p, ok, err := mc.Acquire(core.TierID(0), core.Fingerprint(1), 0, true, core.EncodingRaw32, 8)
	require.NoError(t, err)
	require.True(t, ok)
	p.UpdateEveryS = 1
	require.NoError(t, p.Append(1.0, 1000))
	require.NoError(t, p.Append(2.0, 1001))
	require.NoError(t, p.Append(3.0, 1002))
	mc.Release(p)

	planner := NewPlanner(Config{Section: core.TierID(0), MainCache: mc})
	it, err := planner.Plan(context.Background(), core.Fingerprint(1), 1000, 1002, PriorityNormal, nil)
	require.NoError(t, err)

	res, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindPoints, res.Kind)
	require.Len(t, res.Points, 3)
	require.Equal(t, int64(1000), res.Points[0].TimestampS)
	require.Equal(t, int64(1001), res.Points[1].TimestampS)
	require.Equal(t, int64(1002), res.Points[2].TimestampS)
}

func TestPlanEmitsGapWhenNothingCovers(t *testing.T) {
	mc := newTestMainCache()
	planner := NewPlanner(Config{Section: core.TierID(0), MainCache: mc})
	it, err := planner.Plan(context.Background(), core.Fingerprint(42), 1000, 2000, PriorityNormal, nil)
	require.NoError(t, err)

	res, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindGap, res.Kind)
	require.Equal(t, int64(1000), res.StartTimeS)
	require.Equal(t, int64(2000), res.EndTimeS)

	_, ok, _ = it.Next()
	require.False(t, ok)
}

func TestPlanOpenCachePass(t *testing.T) {
	dir := t.TempDir()
	df, err := dfjournal.Create(dir, core.TierID(0), 1, 1, 0)
	require.NoError(t, err)

	fp := core.Fingerprint(7)
	rec := dfjournal.PageRecord{
		Fingerprint: fp, StartTimeS: 100, EndTimeS: 140,
		UpdateEveryS: 10, SampleCount: 5, Encoding: core.EncodingRaw32,
		Payload: encodeRaw32Payload(t, []float64{1, 2, 3, 4, 5}),
	}
	offset, err := df.AppendExtent([]dfjournal.PageRecord{rec}, core.CompressionNone)
	require.NoError(t, err)

	oc, err := pgc.NewOpenCache(16)
	require.NoError(t, err)
	oc.Append(df.ID(), fp, pgc.ExtentDescriptor{Offset: offset, Start: 100, End: 140})

	mc := newTestMainCache()
	planner := NewPlanner(Config{
		Section: core.TierID(0), MainCache: mc,
		OpenCache: oc, ActiveDatafileID: df.ID(), ActiveSource: df,
	})

	it, err := planner.Plan(context.Background(), fp, 100, 140, PriorityNormal, nil)
	require.NoError(t, err)

	res, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindPoints, res.Kind)
	require.Len(t, res.Points, 5)
	require.Equal(t, 1.0, res.Points[0].Value)
}

func TestPlanJournalV2Pass(t *testing.T) {
	dir := t.TempDir()
	df, err := dfjournal.Create(dir, core.TierID(0), 2, 1, 0)
	require.NoError(t, err)

	fp := core.Fingerprint(9)
	rec := dfjournal.PageRecord{
		Fingerprint: fp, StartTimeS: 200, EndTimeS: 220,
		UpdateEveryS: 10, SampleCount: 3, Encoding: core.EncodingRaw32,
		Payload: encodeRaw32Payload(t, []float64{10, 20, 30}),
	}
	offset, err := df.AppendExtent([]dfjournal.PageRecord{rec}, core.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, df.Seal())

	path, err := dfjournal.BuildJournalV2(dir, 2, 1, map[core.Fingerprint][]dfjournal.V2Entry{
		fp: {{ExtentOffset: offset, StartTimeS: 200, EndTimeS: 220}},
	})
	require.NoError(t, err)
	jv2, err := dfjournal.OpenJournalV2(path)
	require.NoError(t, err)

	mc := newTestMainCache()
	planner := NewPlanner(Config{
		Section: core.TierID(0), MainCache: mc,
		Sealed: []SealedSource{{Journal: jv2, Datafile: df}},
	})

	it, err := planner.Plan(context.Background(), fp, 200, 220, PriorityNormal, nil)
	require.NoError(t, err)

	res, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindPoints, res.Kind)
	require.Len(t, res.Points, 3)
	require.Equal(t, 10.0, res.Points[0].Value)
}

func TestPlanCancelledBeforeExecution(t *testing.T) {
	mc := newTestMainCache()
	planner := NewPlanner(Config{Section: core.TierID(0), MainCache: mc})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := planner.Plan(ctx, core.Fingerprint(1), 0, 10, PriorityNormal, nil)
	require.Error(t, err)
}

func TestSubtractRanges(t *testing.T) {
	total := timeRange{0, 100}
	covered := []timeRange{{10, 20}, {50, 60}}
	remaining := subtract(total, covered)
	require.Equal(t, []timeRange{{0, 9}, {21, 49}, {61, 100}}, remaining)
}

// encodeRaw32Payload builds a finalised raw32 payload for test fixtures
// without depending on encoding package internals beyond its public API.
func encodeRaw32Payload(t *testing.T, values []float64) []byte {
	t.Helper()
	a, err := encoding.New(core.EncodingRaw32, len(values))
	require.NoError(t, err)
	for _, v := range values {
		require.NoError(t, a.Append(v))
	}
	return a.Finalise()
}
