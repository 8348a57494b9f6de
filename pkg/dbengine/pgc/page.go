// Package pgc implements the page cache (spec §4.1): a bounded,
// reference-counted store of per-metric sample pages with hot/dirty/
// clean/flushing/evicting queues. The refcounted-entry-plus-doubly-
// linked-LRU-list shape is grounded on the teacher's pkg/lrucache/cache.go
// (waitingForComputation there plays the role refs play here); the
// chained-buffer idiom for in-progress sample storage is grounded on
// pkg/metricstore/buffer.go.
package pgc

import (
	"sync"
	"sync/atomic"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/encoding"
)

// State is a page's position in the state machine of spec §4.1.
type State uint8

const (
	StateHot State = iota
	StateDirty
	StateFlushing
	StateClean
	StateEvicting
)

func (s State) String() string {
	switch s {
	case StateHot:
		return "hot"
	case StateDirty:
		return "dirty"
	case StateFlushing:
		return "flushing"
	case StateClean:
		return "clean"
	case StateEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// Page is one (metric, time-window) sample run. While HOT it owns a live
// encoding.Appender; MarkDirty finalises that appender into an immutable
// payload, after which the page only moves through the cache, never
// appends again.
type Page struct {
	Fingerprint core.Fingerprint
	Section     core.TierID
	Start       int64
	Encoding    core.Encoding

	mu            sync.Mutex
	state         State
	appender      encoding.Appender
	payload       []byte
	count         int
	end           int64
	firstTS       int64
	flushAttempts int

	DatafileID   uint64
	ExtentOffset int64

	// UpdateEveryS is the tier's configured sample interval, set once by
	// the tier right after Acquire and read by the writer when it builds
	// this page's on-disk descriptor. Like DatafileID/ExtentOffset it is
	// plain, not mutex-guarded: the tier is the only writer and it never
	// changes after the page is created.
	UpdateEveryS int64

	refs atomic.Int32

	// prev/next form the clean-queue LRU list; guarded by the owning
	// Cache's mu, not by p.mu.
	prev, next *Page
}

func newPage(fp core.Fingerprint, section core.TierID, start int64, enc core.Encoding, capacityHint int) (*Page, error) {
	a, err := encoding.New(enc, capacityHint)
	if err != nil {
		return nil, err
	}
	return &Page{
		Fingerprint: fp,
		Section:     section,
		Start:       start,
		Encoding:    enc,
		state:       StateHot,
		appender:    a,
	}, nil
}

func (p *Page) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Page) Refs() int32 { return p.refs.Load() }

// Append adds a sample to a HOT page's live appender. Collectors hold
// exactly one writer per HOT page (spec §4.1 invariant).
func (p *Page) Append(value float64, timestamp int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateHot || p.appender == nil {
		return ErrWrongState
	}
	if err := p.appender.Append(value); err != nil {
		return err
	}
	if p.count == 0 {
		p.firstTS = timestamp
	}
	p.end = timestamp
	p.count = p.appender.Count()
	return nil
}

// End returns the timestamp of the last appended sample.
func (p *Page) End() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

// FirstTS returns the timestamp of the first appended sample. Unlike
// Start (the page's window-aligned cache key) this is the true
// reconstruction origin for every other sample's timestamp, since a
// page's first sample need not land on its window boundary: the first
// page ever opened for a metric, or the first page after a gap, both
// start mid-window.
func (p *Page) FirstTS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstTS
}

// Count returns the number of samples currently held by the page.
func (p *Page) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Payload returns the finalised byte payload. Valid only once the page
// has left the HOT state.
func (p *Page) Payload() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload
}

// ReadAt decodes and returns the value at sample index i, used by the
// query planner's main-cache pass against pages still resident in
// memory (HOT, DIRTY, FLUSHING or CLEAN).
func (p *Page) ReadAt(i int) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateHot && p.appender != nil {
		return p.appender.ReadAt(i)
	}
	d, err := encoding.Decode(p.Encoding, p.payload, p.count)
	if err != nil {
		return 0, false
	}
	return d.ReadAt(i)
}

func (p *Page) key() pageKey {
	return pageKey{fp: p.Fingerprint, section: p.Section, start: p.Start}
}
