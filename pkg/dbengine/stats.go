package dbengine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/ingest"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

// TierStats summarizes one tier's cache, open-cache, and disk footprint.
type TierStats struct {
	Cache            pgc.Stats
	OpenCacheEntries int
	SealedDatafiles  int
	DiskUsageBytes   int64
	QuotaBytes       int64
}

// Stats is the snapshot returned by Engine.Statistics: per tier, the
// main cache's page counts by state and sizes (pgc.Stats), open-cache
// entries, sealed datafiles and disk usage against quota; plus the
// metric count and ingest pipeline counters. No cache hit ratio, queue
// depth or I/O figure is computed.
type Stats struct {
	Metrics int
	Ingest  ingest.Stats
	Tiers   map[core.TierID]TierStats
}

// Statistics returns a point-in-time snapshot across every tier.
func (e *Engine) Statistics() Stats {
	s := Stats{
		Metrics: e.mrg.Len(),
		Ingest:  e.pipeline.Statistics(),
		Tiers:   make(map[core.TierID]TierStats, len(e.tiers)),
	}
	for _, t := range e.tiers {
		s.Tiers[t.id] = t.statistics()
	}
	return s
}

// Collector exposes Engine.Statistics() to Prometheus, the way the
// teacher's own metric surfaces are scraped rather than polled.
type Collector struct {
	engine *Engine

	pages         *prometheus.Desc
	diskUsage     *prometheus.Desc
	diskQuota     *prometheus.Desc
	openEntries   *prometheus.Desc
	metricsTotal  *prometheus.Desc
	ingestedTotal *prometheus.Desc
	droppedTotal  *prometheus.Desc
	rollupsTotal  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(e *Engine) *Collector {
	// run_id is a constant label on every series this collector emits, so
	// metrics from successive engine restarts are distinguishable in a
	// scraper that retains history across process lifetimes.
	runID := prometheus.Labels{"run_id": e.RunID()}
	return &Collector{
		engine:        e,
		pages:         prometheus.NewDesc("dbengine_pgc_pages", "Pages in the main cache by state.", []string{"tier", "state"}, runID),
		diskUsage:     prometheus.NewDesc("dbengine_tier_disk_usage_bytes", "Current on-disk bytes for a tier.", []string{"tier"}, runID),
		diskQuota:     prometheus.NewDesc("dbengine_tier_disk_quota_bytes", "Configured disk quota for a tier.", []string{"tier"}, runID),
		openEntries:   prometheus.NewDesc("dbengine_open_cache_entries", "Entries in a tier's open cache.", []string{"tier"}, runID),
		metricsTotal:  prometheus.NewDesc("dbengine_metrics_total", "Live metric entries in the registry.", nil, runID),
		ingestedTotal: prometheus.NewDesc("dbengine_ingest_samples_total", "Samples accepted by the ingest pipeline.", nil, runID),
		droppedTotal:  prometheus.NewDesc("dbengine_ingest_dropped_total", "Samples dropped for being out of order.", nil, runID),
		rollupsTotal:  prometheus.NewDesc("dbengine_ingest_rollups_total", "Rollup samples emitted into coarser tiers.", nil, runID),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pages
	ch <- c.diskUsage
	ch <- c.diskQuota
	ch <- c.openEntries
	ch <- c.metricsTotal
	ch <- c.ingestedTotal
	ch <- c.droppedTotal
	ch <- c.rollupsTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.engine.Statistics()

	ch <- prometheus.MustNewConstMetric(c.metricsTotal, prometheus.GaugeValue, float64(stats.Metrics))
	ch <- prometheus.MustNewConstMetric(c.ingestedTotal, prometheus.CounterValue, float64(stats.Ingest.Ingested))
	ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue, float64(stats.Ingest.DroppedOutOfOrder))
	ch <- prometheus.MustNewConstMetric(c.rollupsTotal, prometheus.CounterValue, float64(stats.Ingest.RollupsEmitted))

	for tier, ts := range stats.Tiers {
		label := strconv.Itoa(int(tier))
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(ts.Cache.Hot), label, "hot")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(ts.Cache.Dirty), label, "dirty")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(ts.Cache.Flushing), label, "flushing")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(ts.Cache.Clean), label, "clean")
		ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(ts.Cache.Evicting), label, "evicting")
		ch <- prometheus.MustNewConstMetric(c.openEntries, prometheus.GaugeValue, float64(ts.OpenCacheEntries), label)
		ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(ts.DiskUsageBytes), label)
		ch <- prometheus.MustNewConstMetric(c.diskQuota, prometheus.GaugeValue, float64(ts.QuotaBytes), label)
	}
}
