// Package writer implements the page writer/indexer (spec §4.4): it
// drains PGC-flushed batches of DIRTY pages, grouped by destination
// datafile, and persists them as compressed extents with a journal-v1
// record each, following the teacher's fixed-worker-pool-via-buffered-
// channel-plus-WaitGroup shape (pkg/metricstore/checkpoint.go's
// ToCheckpoint).
package writer

import (
	"fmt"
	"sync"
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

// Datafile is the subset of *dfjournal.Datafile the writer needs; a
// narrow interface keeps writer testable without real files.
type Datafile interface {
	ID() uint64
	Sealed() bool
	AppendExtent(pages []dfjournal.PageRecord, algo core.CompressionAlgo) (offset int64, err error)
	Sync() error
}

// Journal is the subset of *dfjournal.JournalV1Writer the writer needs.
type Journal interface {
	AppendRecord(datafileOffset int64, descriptors []dfjournal.PageDescriptor) error
}

// OpenCacheSink receives extent descriptors for pages just written to
// a not-yet-sealed datafile (spec §4.4 step 5).
type OpenCacheSink interface {
	Append(datafileID uint64, fp core.Fingerprint, d pgc.ExtentDescriptor)
}

// Batch is one destination-datafile-grouped set of DIRTY pages.
type Batch struct {
	Datafile Datafile
	Journal  Journal
	Pages    []*pgc.Page
}

// ErrDatafileSealed is returned when a scheduled batch's destination
// datafile was sealed between scheduling and execution; per spec §4.1
// "a flush may be cancelled if the destination datafile has been
// sealed... cancelled pages remain DIRTY and are rescheduled".
var ErrDatafileSealed = fmt.Errorf("writer: destination datafile sealed before batch executed")

// Config parametrises a Writer.
type Config struct {
	Workers         int
	CompressionAlgo core.CompressionAlgo
}

// Writer persists DIRTY page batches to datafiles. One Writer serves
// every tier's flush traffic; its worker pool is sized independently
// of any one tier's PGC.
type Writer struct {
	cfg       Config
	openCache OpenCacheSink

	orderMu   sync.Mutex
	lastStart map[core.Fingerprint]int64 // last extent start written per metric, for the non-decreasing-order guarantee
}

func New(cfg Config, openCache OpenCacheSink) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Writer{
		cfg:       cfg,
		openCache: openCache,
		lastStart: make(map[core.Fingerprint]int64),
	}
}

// WriteBatches persists batches concurrently across cfg.Workers
// goroutines, mirroring ToCheckpoint's worker pool, and returns the
// first aggregate error, if any. The PGC caller is expected to treat
// every page in a batch that returned an error as failed (kept DIRTY
// for retry, per spec §4.1 failure semantics) — this writer does not
// attempt partial-batch success/failure reporting.
func (w *Writer) WriteBatches(batches []Batch) error {
	var wg sync.WaitGroup
	work := make(chan Batch, len(batches))
	var errs int32

	workers := w.cfg.Workers
	if workers > len(batches) {
		workers = len(batches)
	}
	if workers == 0 {
		return nil
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for b := range work {
				if err := w.writeBatch(b); err != nil {
					cclog.ComponentError("writer", "extent write failed", "datafile", b.Datafile.ID(), "pages", len(b.Pages), "error", err.Error())
					atomic.AddInt32(&errs, 1)
				}
			}
		}()
	}
	for _, b := range batches {
		work <- b
	}
	close(work)
	wg.Wait()

	if errs > 0 {
		return fmt.Errorf("writer: %d of %d batches failed", errs, len(batches))
	}
	return nil
}

// writeBatch implements spec §4.4 steps 1-5 for a single batch.
//
// Ordering is enforced at batch granularity rather than per-page: if
// any page in the batch would regress a metric's last-written extent
// start, the whole batch is held for the next flush cycle instead of
// splitting it, since PGC's flush callback contract (spec §4.1) only
// reports batch-level success or failure. This is a deliberate
// simplification over the spec's per-page holdback, recorded in
// DESIGN.md.
func (w *Writer) writeBatch(b Batch) error {
	if b.Datafile.Sealed() {
		return ErrDatafileSealed
	}
	if len(b.Pages) == 0 {
		return nil
	}

	w.orderMu.Lock()
	for _, p := range b.Pages {
		if p.Start < w.lastStart[p.Fingerprint] {
			w.orderMu.Unlock()
			return fmt.Errorf("writer: page for metric %s at start=%d would violate non-decreasing order (last=%d), holding batch back", p.Fingerprint, p.Start, w.lastStart[p.Fingerprint])
		}
	}
	for _, p := range b.Pages {
		w.lastStart[p.Fingerprint] = p.Start
	}
	w.orderMu.Unlock()

	records := make([]dfjournal.PageRecord, len(b.Pages))
	descriptors := make([]dfjournal.PageDescriptor, len(b.Pages))
	for i, p := range b.Pages {
		// StartTimeS is the first appended sample's own timestamp, not
		// p.Start (the page's window-aligned cache key): the query
		// iterator reconstructs every other sample's timestamp from this
		// field, and a page's first sample need not land on its window
		// boundary.
		records[i] = dfjournal.PageRecord{
			Fingerprint:  p.Fingerprint,
			StartTimeS:   p.FirstTS(),
			EndTimeS:     p.End(),
			UpdateEveryS: int32(p.UpdateEveryS),
			SampleCount:  uint32(p.Count()),
			Encoding:     p.Encoding,
			Payload:      p.Payload(),
		}
		descriptors[i] = dfjournal.PageDescriptor{
			Fingerprint:  p.Fingerprint,
			StartTimeS:   p.FirstTS(),
			EndTimeS:     p.End(),
			UpdateEveryS: int32(p.UpdateEveryS),
			SampleCount:  uint32(p.Count()),
			Encoding:     p.Encoding,
		}
	}

	offset, err := b.Datafile.AppendExtent(records, w.cfg.CompressionAlgo)
	if err != nil {
		return fmt.Errorf("writer: append extent: %w", err)
	}
	if err := b.Datafile.Sync(); err != nil {
		return fmt.Errorf("writer: fsync extent: %w", err)
	}

	if b.Journal != nil {
		if err := b.Journal.AppendRecord(offset, descriptors); err != nil {
			return fmt.Errorf("writer: append journal-v1 record: %w", err)
		}
	}

	if w.openCache != nil {
		for _, r := range records {
			w.openCache.Append(b.Datafile.ID(), r.Fingerprint, pgc.ExtentDescriptor{
				Offset:       offset,
				Size:         int32(len(r.Payload)),
				Start:        r.StartTimeS,
				End:          r.EndTimeS,
				UpdateEveryS: r.UpdateEveryS,
				SampleCount:  r.SampleCount,
				Encoding:     r.Encoding,
			})
		}
	}

	return nil
}
