package dbengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/config"
	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/query"
)

func testConfig(t *testing.T, dirs ...string) *config.EngineConfig {
	t.Helper()
	tiers := make([]map[string]any, len(dirs))
	for i, dir := range dirs {
		tiers[i] = map[string]any{
			"id":               i,
			"page_type":        "raw32",
			"update_every_s":   1,
			"multiplier":       3,
			"disk_quota_bytes": "16MiB",
			"directory":        dir,
		}
	}
	raw, err := json.Marshal(map[string]any{
		"tiers":            tiers,
		"compression_algo": "none",
		"retention":        map[string]any{"tick_cron": "@every 1h", "mode": "delete"},
	})
	require.NoError(t, err)
	cfg, err := config.Load(raw)
	require.NoError(t, err)
	return cfg
}

func TestOpenIngestQueryShutdown(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, e.RunID())

	fp := core.Fingerprint(42)
	for ts := int64(1); ts <= 10; ts++ {
		require.NoError(t, e.Ingest(fp, core.TierID(0), ts, float64(ts), 0))
	}
	require.NoError(t, e.Flush(context.Background(), core.TierID(0), core.FlushAll))

	it, err := e.Query(context.Background(), fp, core.TierID(0), 1, 10, query.PriorityNormal, nil)
	require.NoError(t, err)
	defer it.Close()

	var seen int
	for {
		res, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if res.Kind == query.KindPoints {
			seen += len(res.Points)
		}
	}
	require.Equal(t, 10, seen)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()), "Shutdown must be idempotent")
}

func TestIngestUnknownTierIsDroppedNotFatal(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	err = e.Ingest(core.Fingerprint(1), core.TierID(9), 0, 1.0, 0)
	require.NoError(t, err, "Ingest never raises on a per-sample fault")
}

func TestQueryUnknownTierErrors(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	_, err = e.Query(context.Background(), core.Fingerprint(1), core.TierID(9), 0, 10, query.PriorityNormal, nil)
	require.Error(t, err)
}

func TestStatisticsReflectsIngestedSamples(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	fp := core.Fingerprint(7)
	for ts := int64(0); ts < 5; ts++ {
		require.NoError(t, e.Ingest(fp, core.TierID(0), ts, 1.0, 0))
	}

	stats := e.Statistics()
	require.Equal(t, 1, stats.Metrics)
	require.EqualValues(t, 5, stats.Ingest.Ingested)
	require.Contains(t, stats.Tiers, core.TierID(0))
}

func TestOpenRejectsEmptyTierList(t *testing.T) {
	_, err := Open(&config.EngineConfig{})
	require.Error(t, err)
}

func TestQuiesceStopsFurtherIngest(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	require.NoError(t, e.Quiesce(context.Background(), core.TierID(0)))
	require.NoError(t, e.Ingest(core.Fingerprint(1), core.TierID(0), 0, 1.0, 0))

	stats := e.Statistics()
	require.Equal(t, 0, stats.Metrics, "a quiesced tier must never reach the metrics registry")
}

// TestQueryReconstructsMidWindowPageStart exercises a page whose first
// sample does not land on its window boundary: ingestion starts at
// t=1000, well inside the [0,1024) window the first page is keyed
// under. The reconstructed timestamps must still track the samples
// actually appended, not the page's window-aligned Start.
func TestQueryReconstructsMidWindowPageStart(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	fp := core.Fingerprint(99)
	for ts := int64(1000); ts < 1024; ts++ {
		require.NoError(t, e.Ingest(fp, core.TierID(0), ts, float64(ts), 0))
	}

	it, err := e.Query(context.Background(), fp, core.TierID(0), 1000, 1020, query.PriorityNormal, nil)
	require.NoError(t, err)
	defer it.Close()

	var seen []int64
	for {
		res, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, query.KindPoints, res.Kind, "must not report a gap where data exists")
		for _, pt := range res.Points {
			seen = append(seen, pt.TimestampS)
		}
	}
	require.Equal(t, int64(1000), seen[0])
	require.Equal(t, int64(1020), seen[len(seen)-1])
	require.Len(t, seen, 21)
}

func TestRunIDsAreUniquePerOpen(t *testing.T) {
	e1, err := Open(testConfig(t, t.TempDir()))
	require.NoError(t, err)
	defer e1.Shutdown(context.Background())

	e2, err := Open(testConfig(t, t.TempDir()))
	require.NoError(t, err)
	defer e2.Shutdown(context.Background())

	require.NotEqual(t, e1.RunID(), e2.RunID())
}

func TestCollectorCollectsAfterIngest(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	require.NoError(t, e.Ingest(core.Fingerprint(3), core.TierID(0), 0, 1.0, 0))

	c := NewCollector(e)

	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	var descCount int
	for range descs {
		descCount++
	}
	require.Equal(t, 8, descCount)

	metrics := make(chan prometheus.Metric, 32)
	c.Collect(metrics)
	close(metrics)
	var metricCount int
	for range metrics {
		metricCount++
	}
	require.Greater(t, metricCount, 0)
}
