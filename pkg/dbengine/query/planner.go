package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

// MainCache is the subset of *pgc.Cache the planner needs.
type MainCache interface {
	Lookup(section core.TierID, fp core.Fingerprint, t0, t1 int64) []*pgc.Page
	Release(p *pgc.Page)
}

// OpenCacheLookup is the subset of *pgc.OpenCache the planner needs.
type OpenCacheLookup interface {
	Lookup(datafileID uint64, fp core.Fingerprint) ([]pgc.ExtentDescriptor, bool)
}

// ExtentSource reads a single extent by its on-disk byte offset, as
// satisfied by *dfjournal.Datafile (open or sealed).
type ExtentSource interface {
	ReadExtentAt(offset int64) (*dfjournal.Extent, error)
}

// JournalIndex is the subset of *dfjournal.JournalV2 the planner needs.
type JournalIndex interface {
	Lookup(fp core.Fingerprint, t0, t1 int64) []dfjournal.V2Entry
}

// SealedSource pairs a sealed datafile's journal-v2 index with a reader
// for its extents.
type SealedSource struct {
	Journal  JournalIndex
	Datafile ExtentSource
}

// Config wires a Planner to one tier instance's state.
type Config struct {
	Section          core.TierID
	MainCache        MainCache
	OpenCache        OpenCacheLookup
	ActiveDatafileID uint64
	ActiveSource     ExtentSource
	Sealed           []SealedSource
}

// Planner implements the four planning passes of spec §4.5.
type Planner struct {
	cfg Config
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Plan runs passes 1-3 for fp over [t0, t1] and returns an Iterator that
// lazily executes the remaining work (extent fetch, pass-4 recheck,
// decompression) as the caller calls Next.
func (p *Planner) Plan(ctx context.Context, fp core.Fingerprint, t0, t1 int64, priority Priority, reducer Reducer) (*Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query: cancelled before planning: %w", core.ErrQueryCancelled)
	}

	// Pass 1: main cache.
	pinned := p.cfg.MainCache.Lookup(p.cfg.Section, fp, t0, t1)
	covered := make([]timeRange, 0, len(pinned))
	for _, page := range pinned {
		covered = append(covered, timeRange{page.Start, page.End()})
	}

	if err := ctx.Err(); err != nil {
		releaseAll(p.cfg.MainCache, pinned)
		return nil, fmt.Errorf("query: cancelled after main-cache pass: %w", core.ErrQueryCancelled)
	}

	// Pass 2: open cache, for whatever [t0,t1] the main cache didn't cover.
	var reads []scheduledRead
	for _, gap := range subtract(timeRange{t0, t1}, covered) {
		if p.cfg.OpenCache != nil && p.cfg.ActiveSource != nil {
			if descs, ok := p.cfg.OpenCache.Lookup(p.cfg.ActiveDatafileID, fp); ok {
				for _, d := range descs {
					if d.End < gap.start || d.Start > gap.end {
						continue
					}
					reads = append(reads, scheduledRead{
						source: sourceOpenCache, extentOffset: d.Offset,
						extentSource: p.cfg.ActiveSource, fp: fp,
						startS: d.Start, endS: d.End,
					})
					covered = append(covered, timeRange{d.Start, d.End})
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		releaseAll(p.cfg.MainCache, pinned)
		return nil, fmt.Errorf("query: cancelled after open-cache pass: %w", core.ErrQueryCancelled)
	}

	// Pass 3: sealed journal-v2 indexes, for whatever's still uncovered.
	for _, gap := range subtract(timeRange{t0, t1}, covered) {
		for _, sealed := range p.cfg.Sealed {
			for _, e := range sealed.Journal.Lookup(fp, gap.start, gap.end) {
				reads = append(reads, scheduledRead{
					source: sourceJournal, extentOffset: e.ExtentOffset,
					extentSource: sealed.Datafile, fp: fp,
					startS: e.StartTimeS, endS: e.EndTimeS,
				})
				covered = append(covered, timeRange{e.StartTimeS, e.EndTimeS})
			}
		}
	}

	if err := ctx.Err(); err != nil {
		releaseAll(p.cfg.MainCache, pinned)
		return nil, fmt.Errorf("query: cancelled after journal pass: %w", core.ErrQueryCancelled)
	}

	finalGaps := subtract(timeRange{t0, t1}, covered)

	items := make([]iterItem, 0, len(pinned)+len(reads)+len(finalGaps))
	for _, pg := range pinned {
		items = append(items, iterItem{kind: itemKindPage, start: pg.Start, end: pg.End(), page: pg})
	}
	for _, r := range reads {
		items = append(items, iterItem{kind: itemKindRead, start: r.startS, end: r.endS, read: r})
	}
	for _, g := range finalGaps {
		items = append(items, iterItem{kind: itemKindGap, start: g.start, end: g.end})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].start < items[j].start })

	return &Iterator{
		ctx:     ctx,
		cfg:     p.cfg,
		fp:      fp,
		t0:      t0,
		t1:      t1,
		reducer: reducer,
		pinned:  pinned,
		items:   items,
	}, nil
}

func releaseAll(c MainCache, pages []*pgc.Page) {
	for _, p := range pages {
		c.Release(p)
	}
}
