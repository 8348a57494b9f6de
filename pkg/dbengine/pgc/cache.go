package pgc

import (
	"fmt"
	"sort"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// ErrWrongState is returned when an operation is attempted against a
// page outside the state it requires (spec §4.1 state machine).
var ErrWrongState = fmt.Errorf("pgc: page is not in the required state")

// AnySection is the wildcard section accepted by Evict and FlushAll when
// the caller wants to sweep across every tier section rather than one.
const AnySection core.TierID = 255

// maxFlushRetries bounds the number of times a failed extent write may
// be retried before its pages are discarded (spec §4.1 failure
// semantics). Discarded pages are handed to the EvictFunc; the cache
// does not adjust the metric's retention record.
const maxFlushRetries = 3

type pageKey struct {
	fp      core.Fingerprint
	section core.TierID
	start   int64
}

// FlushFunc writes a batch of DIRTY pages (already grouped by the
// caller's destination datafile) to storage. A non-nil error marks the
// whole batch failed: every page in it returns to DIRTY (or is discarded
// once maxFlushRetries is exceeded) and is offered again on the next
// FlushAll. There is no partial-success reporting.
type FlushFunc func(batch []*Page) error

// EvictFunc is invoked once per page right before it is dropped from
// the cache, so the caller can release any external accounting (MRG
// retention, open-cache entries, etc).
type EvictFunc func(p *Page)

// Config parametrises a Cache per spec §4.1: "target size, per-queue
// soft caps, per-page payload bounds, a flush callback (batched), and
// an eviction callback (per-page)".
type Config struct {
	TargetSize          int64
	MaxHotSize          int64
	MaxDirtySize        int64
	MaxPagePayload      int
	AggressiveFillRatio float64
	CriticalFillRatio   float64
}

// DefaultConfig returns sane defaults; callers are expected to override
// TargetSize from dbengine/config.CacheConfig.
func DefaultConfig() Config {
	return Config{
		AggressiveFillRatio: 0.80,
		CriticalFillRatio:   0.95,
		MaxPagePayload:      4096,
	}
}

// PressureMode reflects how close a Cache is to its TargetSize, per
// spec §4.1 "Aggressive and critical eviction modes trigger at
// configurable fill ratios".
type PressureMode uint8

const (
	PressureNormal PressureMode = iota
	PressureAggressive
	PressureCritical
)

// Stats is the snapshot returned by Statistics().
type Stats struct {
	Hot, Dirty, Flushing, Clean, Evicting int64
	CurrentSize, WantedSize, ReferencedSize int64
	Spins int64
}

// Cache is a page cache instance. Spec §4.1 names three: main, open,
// extent; each is a distinct *Cache (the open cache additionally uses
// OpenCache for its small immutable journal-metadata entries, see
// opencache.go).
type Cache struct {
	cfg   Config
	flush FlushFunc
	evict EvictFunc

	mu          sync.Mutex
	pages       map[pageKey]*Page
	cleanHead   *Page // most recently clean
	cleanTail   *Page // least recently clean, evicted first
	currentSize int64
	wantedSize  int64

	hot, dirty, flushing, clean, evicting int64
	spins                                 int64
}

func New(cfg Config, flush FlushFunc, evict EvictFunc) *Cache {
	return &Cache{
		cfg:   cfg,
		flush: flush,
		evict: evict,
		pages: make(map[pageKey]*Page),
	}
}

// Acquire implements the acquire(section, metric, start, create_if_absent)
// contract. ok is false if the page did not exist and createIfAbsent was
// false, or if the page is currently EVICTING — per spec §4.1
// "acquires on a page currently EVICTING fail and are retried via
// re-lookup", callers should retry by calling Acquire again.
func (c *Cache) Acquire(section core.TierID, fp core.Fingerprint, start int64, createIfAbsent bool, enc core.Encoding, capacityHint int) (h *Page, ok bool, err error) {
	k := pageKey{fp: fp, section: section, start: start}

	c.mu.Lock()
	if p, found := c.pages[k]; found {
		if p.State() == StateEvicting {
			c.spins++
			c.mu.Unlock()
			return nil, false, nil
		}
		p.refs.Add(1)
		c.mu.Unlock()
		return p, true, nil
	}
	if !createIfAbsent {
		c.mu.Unlock()
		return nil, false, nil
	}
	c.mu.Unlock()

	p, err := newPage(fp, section, start, enc, capacityHint)
	if err != nil {
		return nil, false, err
	}
	p.refs.Store(1)

	c.mu.Lock()
	if existing, found := c.pages[k]; found {
		// lost the race against a concurrent creator
		existing.refs.Add(1)
		c.mu.Unlock()
		return existing, true, nil
	}
	c.pages[k] = p
	c.hot++
	c.mu.Unlock()
	return p, true, nil
}

// Release drops a reference taken by Acquire.
func (c *Cache) Release(p *Page) {
	p.refs.Add(-1)
}

// Lookup pins and returns every non-evicting page for (section, fp) whose
// [start, end] span intersects [t0, t1], sorted by Start. Used by the
// query planner's main-cache pass (spec §4.5 step 1: "probe PGC for
// pages covering [t0, t1]; pin them"). Callers must Release each
// returned page once done with it.
func (c *Cache) Lookup(section core.TierID, fp core.Fingerprint, t0, t1 int64) []*Page {
	c.mu.Lock()
	var hits []*Page
	for _, p := range c.pages {
		if p.Fingerprint != fp || p.Section != section {
			continue
		}
		if p.State() == StateEvicting {
			continue
		}
		if p.Start > t1 || p.End() < t0 {
			continue
		}
		p.refs.Add(1)
		hits = append(hits, p)
	}
	c.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Start < hits[j].Start })
	return hits
}

// MarkDirty transitions a HOT page to DIRTY, finalising its live
// appender into an immutable payload. Per spec §4.1 invariant, this and
// DIRTY->FLUSHING are meant to happen only on the event loop; callers
// here are expected to be the single evloop goroutine.
func (c *Cache) MarkDirty(p *Page) error {
	p.mu.Lock()
	if p.state != StateHot {
		p.mu.Unlock()
		return ErrWrongState
	}
	if p.appender != nil {
		p.payload = p.appender.Finalise()
		p.count = p.appender.Count()
		p.appender = nil
	}
	p.state = StateDirty
	p.mu.Unlock()

	c.mu.Lock()
	c.hot--
	c.dirty++
	c.currentSize += int64(len(p.payload))
	c.mu.Unlock()
	return nil
}

// FlushAll collects DIRTY pages (and, unless mode is FlushDirtyOnly,
// promotes HOT pages to DIRTY first) for section, hands them to the
// configured FlushFunc as a single batch, and applies the resulting
// success/failure transition to every page in the batch.
func (c *Cache) FlushAll(section core.TierID, mode core.FlushMode) error {
	batch := c.collectForFlush(section, mode)
	if len(batch) == 0 {
		return nil
	}

	err := c.flush(batch)
	if err != nil {
		cclog.ComponentError("pgc", "extent write failed, pages stay dirty for retry", "section", section, "pages", len(batch), "error", err.Error())
		c.failFlush(batch)
		return err
	}
	c.completeFlush(batch)
	return nil
}

func (c *Cache) collectForFlush(section core.TierID, mode core.FlushMode) []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []*Page
	for _, p := range c.pages {
		if section != AnySection && p.Section != section {
			continue
		}
		p.mu.Lock()
		switch p.state {
		case StateDirty:
			batch = append(batch, p)
		case StateHot:
			if mode == core.FlushAll {
				if p.appender != nil {
					p.payload = p.appender.Finalise()
					p.count = p.appender.Count()
					p.appender = nil
				}
				p.state = StateDirty
				c.hot--
				c.dirty++
				batch = append(batch, p)
			}
		}
		p.mu.Unlock()
	}
	for _, p := range batch {
		p.mu.Lock()
		p.state = StateFlushing
		p.mu.Unlock()
	}
	c.dirty -= int64(len(batch))
	c.flushing += int64(len(batch))
	return batch
}

func (c *Cache) completeFlush(batch []*Page) {
	c.mu.Lock()
	for _, p := range batch {
		p.mu.Lock()
		p.state = StateClean
		p.flushAttempts = 0
		p.mu.Unlock()
		c.pushClean(p)
	}
	c.flushing -= int64(len(batch))
	c.clean += int64(len(batch))
	c.mu.Unlock()
}

// failFlush implements spec §4.1 "a write failure marks the extent
// poisoned, logs, and keeps pages DIRTY for retry up to a bounded
// count, after which the pages are discarded".
func (c *Cache) failFlush(batch []*Page) {
	c.mu.Lock()
	var discarded []*Page
	for _, p := range batch {
		p.mu.Lock()
		p.flushAttempts++
		if p.flushAttempts > maxFlushRetries {
			p.state = StateEvicting
			discarded = append(discarded, p)
		} else {
			p.state = StateDirty
		}
		p.mu.Unlock()
	}
	for _, p := range discarded {
		delete(c.pages, p.key())
		c.currentSize -= int64(len(p.Payload()))
	}
	c.flushing -= int64(len(batch))
	c.dirty += int64(len(batch) - len(discarded))
	c.mu.Unlock()

	for _, p := range discarded {
		if c.evict != nil {
			c.evict(p)
		}
	}
}

// Evict sweeps the CLEAN queue LRU-first for section (or AnySection),
// skipping referenced pages, evicting at most max pages. It returns the
// number evicted. Per spec §4.1, eviction "never blocks the event loop
// for more than one bounded sweep" — callers choose max accordingly.
func (c *Cache) Evict(section core.TierID, max int) int {
	c.mu.Lock()
	var freed []*Page
	node := c.cleanTail
	for node != nil && len(freed) < max {
		prev := node.prev
		if section == AnySection || node.Section == section {
			if node.refs.Load() == 0 {
				node.mu.Lock()
				node.state = StateEvicting
				node.mu.Unlock()
				c.unlinkClean(node)
				delete(c.pages, node.key())
				c.currentSize -= int64(len(node.Payload()))
				freed = append(freed, node)
			} else {
				c.spins++
			}
		}
		node = prev
	}
	c.clean -= int64(len(freed))
	c.mu.Unlock()

	for _, p := range freed {
		if c.evict != nil {
			c.evict(p)
		}
	}
	return len(freed)
}

// Pressure reports the cache's current fill state relative to TargetSize.
func (c *Cache) Pressure() PressureMode {
	c.mu.Lock()
	size, target := c.currentSize, c.cfg.TargetSize
	c.mu.Unlock()
	if target <= 0 {
		return PressureNormal
	}
	ratio := float64(size) / float64(target)
	switch {
	case ratio >= c.cfg.CriticalFillRatio:
		return PressureCritical
	case ratio >= c.cfg.AggressiveFillRatio:
		return PressureAggressive
	default:
		return PressureNormal
	}
}

// SetWantedSize updates the workload/query-pressure-driven target used
// by callers deciding how aggressively to evict (spec §3 "cache
// reservation / wanted-size model").
func (c *Cache) SetWantedSize(n int64) {
	c.mu.Lock()
	c.wantedSize = n
	c.mu.Unlock()
}

func (c *Cache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var referenced int64
	for _, p := range c.pages {
		if p.refs.Load() > 0 {
			referenced += int64(len(p.Payload()))
		}
	}

	return Stats{
		Hot:            c.hot,
		Dirty:          c.dirty,
		Flushing:       c.flushing,
		Clean:          c.clean,
		Evicting:       c.evicting,
		CurrentSize:    c.currentSize,
		WantedSize:     c.wantedSize,
		ReferencedSize: referenced,
		Spins:          c.spins,
	}
}

// pushClean inserts p at the MRU end of the clean LRU list. Caller must
// hold c.mu. Shape mirrors the teacher's lrucache.insertFront.
func (c *Cache) pushClean(p *Page) {
	p.next = c.cleanHead
	p.prev = nil
	if c.cleanHead != nil {
		c.cleanHead.prev = p
	}
	c.cleanHead = p
	if c.cleanTail == nil {
		c.cleanTail = p
	}
}

// unlinkClean removes p from the clean LRU list. Caller must hold c.mu.
func (c *Cache) unlinkClean(p *Page) {
	if p == c.cleanHead {
		c.cleanHead = p.next
	}
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p == c.cleanTail {
		c.cleanTail = p.prev
	}
	p.prev, p.next = nil, nil
}
