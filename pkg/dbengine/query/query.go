// Package query implements the query planner/executor (spec §4.5): a
// four-pass plan over the main cache, the open cache, and sealed
// journal-v2 indexes, executed by a lazy iterator that decompresses
// extents on demand and emits explicit gap markers for any time range
// no tier could account for.
//
// The partial-error-tolerant, never-fail-the-whole-query shape is
// grounded on the teacher's pkg/metricstore/query.go (LoadData collects
// per-row errors into a list and still returns whatever data it could
// fetch, rather than aborting); the point-reduction step mirrors
// pkg/resampler's LargestTriangleThreeBucket/SimpleResampler, adapted
// here to reduce points per page instead of whole job series.
package query

import (
	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Priority mirrors the query priority named by spec §4.5's input
// contract ("a metric handle, [t0, t1], a tier, query priority,
// cancellation token").
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Point is a single decoded (timestamp, value) sample.
type Point struct {
	TimestampS int64
	Value      float64
}

// Kind tags what a Result carries.
type Kind uint8

const (
	KindPoints Kind = iota
	KindGap
)

// Result is one item yielded by an Iterator: either a run of decoded
// points from a page/extent, or an explicit gap marker (spec §4.5
// "Gaps... are emitted as explicit gap markers; consecutive gaps are
// coalesced").
type Result struct {
	Kind       Kind
	StartTimeS int64
	EndTimeS   int64
	Points     []Point // valid when Kind == KindPoints
}

// Reducer downsamples a page's decoded points before they are yielded,
// implementing spec §4.5 "or of resampled points, if the caller
// supplies a reducer". nil means no reduction.
type Reducer func(points []Point) []Point

// Stats accumulates the per-query counters named by spec §4.5's
// edge-case policies and §8's statistics surface.
type Stats struct {
	PagesSkippedInvalid   int64
	PagesFixedUpdateEvery int64
	GapsEmitted           int64
	ExtentReadsTotal      int64
	ExtentReadsDeduped    int64
}

// segmentSource tags which planning pass produced a scheduled segment.
type segmentSource uint8

const (
	sourceOpenCache segmentSource = iota
	sourceJournal
)

// scheduledRead is one not-yet-executed extent fetch discovered during
// planning passes 2-3.
type scheduledRead struct {
	source       segmentSource
	extentOffset int64
	extentSource ExtentSource
	fp           core.Fingerprint
	startS, endS int64
}

type timeRange struct{ start, end int64 }

// subtract returns total minus every range in covered, assuming total
// is a single range and covered is sorted ascending by start with no
// required non-overlap (overlaps are tolerated by the scan).
func subtract(total timeRange, covered []timeRange) []timeRange {
	if len(covered) == 0 {
		return []timeRange{total}
	}
	remaining := []timeRange{total}
	for _, c := range covered {
		var next []timeRange
		for _, r := range remaining {
			if c.end < r.start || c.start > r.end {
				next = append(next, r)
				continue
			}
			if c.start > r.start {
				next = append(next, timeRange{r.start, c.start - 1})
			}
			if c.end < r.end {
				next = append(next, timeRange{c.end + 1, r.end})
			}
		}
		remaining = next
	}
	return remaining
}
