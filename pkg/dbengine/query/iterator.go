package query

import (
	"context"
	"fmt"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/encoding"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

type itemKind uint8

const (
	itemKindPage itemKind = iota
	itemKindRead
	itemKindGap
)

type iterItem struct {
	kind       itemKind
	start, end int64
	page       *pgc.Page
	read       scheduledRead
}

// Iterator lazily executes a planned query: pass-1 pages are already
// pinned and decoded on demand; pass-2/3 scheduled reads are only
// fetched from disk when Next reaches them, after a pass-4 recheck
// against the main cache (spec §4.5 step 4).
type Iterator struct {
	ctx     context.Context
	cfg     Config
	fp      core.Fingerprint
	t0, t1  int64
	reducer Reducer

	pinned      []*pgc.Page // released on Close
	extraPinned []*pgc.Page // pass-4 recheck hits, also released on Close

	items []iterItem
	idx   int

	hasPendingGap               bool
	pendingGapStart, pendingEnd int64
	lastYieldedEnd              int64
	haveYielded                 bool

	outQueue []Result
	stats    Stats
	closed   bool
}

// Stats returns the running edge-case counters for this query.
func (it *Iterator) Stats() Stats { return it.stats }

// Close releases every page reference the iterator still holds. Safe
// to call multiple times and safe to call without having drained Next
// to completion (spec §4.5 "a cancelled query releases all pinned
// references promptly").
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	for _, p := range it.pinned {
		it.cfg.MainCache.Release(p)
	}
	for _, p := range it.extraPinned {
		it.cfg.MainCache.Release(p)
	}
	it.closed = true
}

// Next returns the next Result in time order, or ok=false once the
// query range is exhausted. err is set only on cancellation.
func (it *Iterator) Next() (res Result, ok bool, err error) {
	for len(it.outQueue) == 0 {
		if it.idx >= len(it.items) {
			if it.hasPendingGap {
				it.outQueue = append(it.outQueue, Result{Kind: KindGap, StartTimeS: it.pendingGapStart, EndTimeS: it.pendingEnd})
				it.hasPendingGap = false
				break
			}
			it.Close()
			return Result{}, false, nil
		}

		if cerr := it.ctx.Err(); cerr != nil {
			it.Close()
			return Result{}, false, fmt.Errorf("query: cancelled: %w", core.ErrQueryCancelled)
		}

		item := it.items[it.idx]
		it.idx++

		switch item.kind {
		case itemKindGap:
			it.bufferGap(item.start, item.end)
		case itemKindPage:
			it.executePage(item.page)
		case itemKindRead:
			it.executeRead(item.read)
		}
	}

	r := it.outQueue[0]
	it.outQueue = it.outQueue[1:]
	if r.Kind == KindGap {
		it.stats.GapsEmitted++
	}
	return r, true, nil
}

func (it *Iterator) bufferGap(start, end int64) {
	if it.hasPendingGap && start <= it.pendingEnd+1 {
		if end > it.pendingEnd {
			it.pendingEnd = end
		}
		return
	}
	if it.hasPendingGap {
		it.outQueue = append(it.outQueue, Result{Kind: KindGap, StartTimeS: it.pendingGapStart, EndTimeS: it.pendingEnd})
	}
	it.hasPendingGap = true
	it.pendingGapStart, it.pendingEnd = start, end
}

func (it *Iterator) emitPoints(start, end int64, pts []Point) {
	if it.haveYielded && start <= it.lastYieldedEnd {
		// overlaps an already-yielded range: skip and count (spec §4.5).
		it.stats.PagesSkippedInvalid++
		it.bufferGap(start, end)
		return
	}
	if it.hasPendingGap {
		it.outQueue = append(it.outQueue, Result{Kind: KindGap, StartTimeS: it.pendingGapStart, EndTimeS: it.pendingEnd})
		it.hasPendingGap = false
	}
	if it.reducer != nil {
		pts = it.reducer(pts)
	}
	it.outQueue = append(it.outQueue, Result{Kind: KindPoints, StartTimeS: start, EndTimeS: end, Points: pts})
	it.lastYieldedEnd = end
	it.haveYielded = true
}

func (it *Iterator) executePage(p *pgc.Page) {
	start, end, count := p.FirstTS(), p.End(), p.Count()
	if start == 0 || end < start || count <= 0 {
		it.stats.PagesSkippedInvalid++
		it.bufferGap(start, end)
		return
	}
	// The reconstruction origin is the first appended sample's own
	// timestamp, not the page's window-aligned Start: a page's first
	// sample need not land on its window boundary (the first page ever
	// opened for a metric, or the first page after a gap, both start
	// mid-window). Step comes from the tier's configured update_every_s,
	// never from (end-start)/(count-1), which divides the wrong span
	// whenever start != the first sample's timestamp.
	step := p.UpdateEveryS
	pts := make([]Point, 0, count)
	for i := 0; i < count; i++ {
		v, ok := p.ReadAt(i)
		if !ok {
			continue
		}
		ts := start + int64(i)*step
		if ts < it.t0 || ts > it.t1 {
			continue
		}
		pts = append(pts, Point{TimestampS: ts, Value: v})
	}
	it.emitPoints(start, end, pts)
}

func (it *Iterator) executeRead(r scheduledRead) {
	// Pass-4 recheck (spec §4.5 step 4): the page may have since been
	// acquired into the main cache by a concurrent writer or query.
	recheck := it.cfg.MainCache.Lookup(it.cfg.Section, r.fp, r.startS, r.endS)
	if len(recheck) > 0 {
		it.extraPinned = append(it.extraPinned, recheck...)
		for _, p := range recheck {
			it.executePage(p)
		}
		return
	}

	it.stats.ExtentReadsTotal++
	ext, err := r.extentSource.ReadExtentAt(r.extentOffset)
	if err != nil {
		// Corrupt/unreadable extent: quarantine as a gap, never a
		// fabricated value (spec §7 "extent-decompress-fail").
		it.stats.PagesSkippedInvalid++
		it.bufferGap(r.startS, r.endS)
		return
	}

	var desc *dfjournal.PageDescriptor
	for i := range ext.Descriptors {
		d := &ext.Descriptors[i]
		if d.Fingerprint == r.fp && d.StartTimeS == r.startS {
			desc = d
			break
		}
	}
	if desc == nil || desc.StartTimeS == 0 || desc.EndTimeS < desc.StartTimeS || desc.SampleCount == 0 {
		it.stats.PagesSkippedInvalid++
		it.bufferGap(r.startS, r.endS)
		return
	}

	// desc.StartTimeS is the first appended sample's own timestamp (the
	// writer persists it, not the page's window-aligned cache key), so
	// it is already the correct reconstruction origin. desc.UpdateEveryS
	// is the tier's configured sample interval and is the correct step
	// directly; PagesFixedUpdateEvery counts only descriptors where it
	// is missing outright (<=0, e.g. written before this field existed),
	// which is the one case a span-derived step is still needed.
	step := int64(desc.UpdateEveryS)
	if step <= 0 {
		it.stats.PagesFixedUpdateEvery++
		if desc.SampleCount > 1 {
			step = (desc.EndTimeS - desc.StartTimeS) / int64(desc.SampleCount-1)
		}
	}

	payload := ext.PagePayload(indexOf(ext.Descriptors, desc))
	appender, err := encoding.Decode(desc.Encoding, payload, int(desc.SampleCount))
	if err != nil {
		it.stats.PagesSkippedInvalid++
		it.bufferGap(r.startS, r.endS)
		return
	}

	pts := make([]Point, 0, desc.SampleCount)
	for i := 0; i < int(desc.SampleCount); i++ {
		v, ok := appender.ReadAt(i)
		if !ok {
			continue
		}
		ts := desc.StartTimeS + int64(i)*step
		if ts < it.t0 || ts > it.t1 {
			continue
		}
		pts = append(pts, Point{TimestampS: ts, Value: v})
	}
	it.emitPoints(desc.StartTimeS, desc.EndTimeS, pts)
}

func indexOf(descs []dfjournal.PageDescriptor, target *dfjournal.PageDescriptor) int {
	for i := range descs {
		if &descs[i] == target {
			return i
		}
	}
	return 0
}
