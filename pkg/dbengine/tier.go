package dbengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/config"
	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/dfjournal"
	"github.com/netdata/dbengine/pkg/dbengine/evloop"
	"github.com/netdata/dbengine/pkg/dbengine/mrg"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
	"github.com/netdata/dbengine/pkg/dbengine/query"
	"github.com/netdata/dbengine/pkg/dbengine/retention"
	"github.com/netdata/dbengine/pkg/dbengine/writer"
)

// pagePointsPerPage sizes a fresh page's append buffer and, combined with
// a tier's update_every, defines the page-window a sample's timestamp is
// aligned into. It is a capacity hint only: encoding.Appender
// implementations grow past it rather than rejecting further samples.
const pagePointsPerPage = 1024

// minRotationBytes floors the size-based rotation threshold so a tier
// with a very small disk_quota still gets datafiles large enough to
// amortise header/footer/journal overhead.
const minRotationBytes = 64 * 1024 * 1024

// retentionDeleteGrace stands in for true mmap-reference refcounting: a
// bounded pause intended to let in-flight query reads against a sealed
// datafile's extents finish before it is removed from disk. See
// DESIGN.md for why this is a documented simplification rather than a
// refcount threaded through query/iterator.go.
const retentionDeleteGrace = 50 * time.Millisecond

var datafileNameRe = regexp.MustCompile(`^datafile-(\d+)-(\d+)\.ndf$`)

func parseDatafileName(name string) (epoch, sequence uint32, ok bool) {
	m := datafileNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	e, err1 := strconv.ParseUint(m[1], 10, 32)
	s, err2 := strconv.ParseUint(m[2], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(e), uint32(s), true
}

// sealedEntry bundles a sealed datafile with its journal-v2 index (nil
// until indexed) and the byte size cached at seal time, since a sealed
// *dfjournal.Datafile's Size() no longer changes.
type sealedEntry struct {
	datafile    *dfjournal.Datafile
	journal     *dfjournal.JournalV2
	journalPath string
	sizeBytes   int64
}

// tier owns one tier's slice of every subsystem: its main and open PGC
// caches, its active datafile/journal-v1 pair, its sealed datafiles, and
// the event loop serialising all of that state's mutations onto a single
// dispatch goroutine (spec §4.6). It implements retention.TierSource,
// retention.Deleter and retention.RetentionAdvancer directly so
// retention.Tick can run against it without adapters.
type tier struct {
	id  core.TierID
	cfg config.TierConfig
	dir string

	encoding core.Encoding

	mainCache *pgc.Cache
	openCache *pgc.OpenCache

	mu            sync.RWMutex
	active        *dfjournal.Datafile
	activeJournal *dfjournal.JournalV1Writer
	sealed        map[uint64]*sealedEntry
	epoch         uint32
	nextSequence  uint32

	diskUsage atomic.Int64

	loop    *evloop.Loop
	lock    *dfjournal.TierLock
	writer  *writer.Writer
	indexer *writer.Indexer
	router  *openCacheRouter
	mrg     *mrg.Registry
	archiver retention.Archiver

	quotaBytes int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newTier(engineCfg *config.EngineConfig, tcfg config.TierConfig, mrgReg *mrg.Registry, wr *writer.Writer, router *openCacheRouter, archiver retention.Archiver) (*tier, error) {
	enc, err := core.ParseEncoding(tcfg.PageType)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(tcfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("tier %d: create directory: %w", tcfg.ID, err)
	}

	lock, err := dfjournal.AcquireTierLock(tcfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("tier %d: %w", tcfg.ID, core.ErrLockHeld)
	}

	oc, err := pgc.NewOpenCache(openCacheCapacity(engineCfg.CacheOpen.SizeBytesValue))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("tier %d: open cache: %w", tcfg.ID, err)
	}

	t := &tier{
		id:         core.TierID(tcfg.ID),
		cfg:        tcfg,
		dir:        tcfg.Directory,
		encoding:   enc,
		openCache:  oc,
		sealed:     make(map[uint64]*sealedEntry),
		lock:       lock,
		writer:     wr,
		router:     router,
		mrg:        mrgReg,
		archiver:   archiver,
		quotaBytes: tcfg.DiskQuotaBytes,
	}
	t.indexer = writer.NewIndexer(oc)

	mainCfg := pgc.DefaultConfig()
	mainCfg.TargetSize = engineCfg.CacheMain.SizeBytesValue
	t.mainCache = pgc.New(mainCfg, t.flushBatch, t.evictPage)

	if err := t.bootstrap(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	handlers := evloop.HandlerTable{
		evloop.KindIngestPage:     t.handleIngestPage,
		evloop.KindFlushInit:      t.handleFlush,
		evloop.KindFlushBatch:     t.handleFlush,
		evloop.KindExtentWritten:  t.handleExtentWritten,
		evloop.KindSealDatafile:   t.handleSealDatafile,
		evloop.KindIndexJournal:   t.handleIndexJournal,
		evloop.KindEvict:          t.handleEvict,
		evloop.KindRetentionTick:  t.handleRetentionTick,
		evloop.KindQuiesce:        t.handleQuiesce,
		evloop.KindShutdown:       t.handleShutdown,
	}
	t.loop = evloop.New(evloop.Config{
		MinWorkers: engineCfg.Workers.Min,
		MaxWorkers: engineCfg.Workers.Max,
		Handlers:   handlers,
	})
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.loop.Start()

	return t, nil
}

// openCacheCapacity derives an LRU entry-count capacity from a
// configured byte budget: each open-cache entry is a short slice of
// small fixed structs, so a conservative fixed average size keeps this
// from requiring its own config knob.
func openCacheCapacity(sizeBytes int64) int {
	const avgEntryBytes = 256
	n := int(sizeBytes / avgEntryBytes)
	if n < 1024 {
		n = 1024
	}
	return n
}

// bootstrap scans dir for pre-existing datafiles and classifies each as
// sealed (a paired journal-v2 file exists) or a candidate active
// datafile (none does). At most one candidate is trusted as active —
// the newest by (epoch, sequence); any further unpaired datafile is
// logged and left untouched rather than guessed at, since a datafile
// with neither a live journal-v1 replay nor a journal-v2 cannot be
// indexed without risking silently dropping data.
func (t *tier) bootstrap() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("tier %d: read directory: %w", t.id, err)
	}

	type candidate struct{ epoch, sequence uint32 }
	var found []candidate
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if e, s, ok := parseDatafileName(de.Name()); ok {
			found = append(found, candidate{e, s})
		}
	}
	if len(found) == 0 {
		t.epoch = 1
		t.nextSequence = 1
		return t.rotateActive()
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch < found[j].epoch
		}
		return found[i].sequence < found[j].sequence
	})

	var activeCand *candidate
	for i := range found {
		c := found[i]
		v2Path := filepath.Join(t.dir, dfjournal.JournalV2Name(c.epoch, c.sequence))
		if _, statErr := os.Stat(v2Path); statErr == nil {
			if openErr := t.openSealed(c.epoch, c.sequence, v2Path); openErr != nil {
				cclog.ComponentError("dbengine", "skipping unreadable sealed datafile", "tier", t.id, "epoch", c.epoch, "sequence", c.sequence, "error", openErr.Error())
			}
			continue
		}
		if activeCand != nil {
			cclog.ComponentError("dbengine", "orphan datafile with no journal-v2, leaving untouched", "tier", t.id, "epoch", activeCand.epoch, "sequence", activeCand.sequence)
		}
		ac := c
		activeCand = &ac
	}

	t.epoch = found[len(found)-1].epoch
	t.nextSequence = found[len(found)-1].sequence + 1

	if activeCand == nil {
		return t.rotateActive()
	}

	path := filepath.Join(t.dir, dfjournal.DatafileName(activeCand.epoch, activeCand.sequence))
	df, err := dfjournal.OpenActive(path)
	if err != nil {
		return fmt.Errorf("tier %d: reopen active datafile %s: %w", t.id, path, err)
	}
	jw, err := dfjournal.CreateJournalV1(t.dir, activeCand.epoch, activeCand.sequence)
	if err != nil {
		_ = df.Close()
		return fmt.Errorf("tier %d: reopen journal-v1 for %s: %w", t.id, path, err)
	}
	t.active = df
	t.activeJournal = jw
	t.router.register(df.ID(), t.openCache)
	return nil
}

func (t *tier) openSealed(epoch, sequence uint32, v2Path string) error {
	path := filepath.Join(t.dir, dfjournal.DatafileName(epoch, sequence))
	df, err := dfjournal.OpenActive(path)
	if err != nil {
		return err
	}
	j, err := dfjournal.OpenJournalV2(v2Path)
	if err != nil {
		_ = df.Close()
		return err
	}
	t.sealed[df.ID()] = &sealedEntry{datafile: df, journal: j, journalPath: v2Path, sizeBytes: df.Size()}
	return nil
}

// rotateActive creates a fresh active datafile and journal-v1 pair,
// named from the tier's next sequence number within its current epoch,
// and registers its open cache with the shared router.
func (t *tier) rotateActive() error {
	t.mu.Lock()
	epoch := t.epoch
	seq := t.nextSequence
	t.nextSequence++
	t.mu.Unlock()

	df, err := dfjournal.Create(t.dir, t.id, epoch, seq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("tier %d: create datafile: %w", t.id, err)
	}
	jw, err := dfjournal.CreateJournalV1(t.dir, epoch, seq)
	if err != nil {
		_ = df.Close()
		return fmt.Errorf("tier %d: create journal-v1: %w", t.id, err)
	}

	t.mu.Lock()
	t.active = df
	t.activeJournal = jw
	t.mu.Unlock()

	t.router.register(df.ID(), t.openCache)
	return nil
}

// flushBatch is the tier's pgc.FlushFunc: it wraps a DIRTY-page batch
// collected by (*pgc.Cache).FlushAll as a single writer.Batch aimed at
// the tier's current active datafile and journal, and hands it to the
// shared writer.
func (t *tier) flushBatch(batch []*pgc.Page) error {
	t.mu.RLock()
	active := t.active
	journal := t.activeJournal
	t.mu.RUnlock()
	if active == nil {
		return fmt.Errorf("tier %d: no active datafile for flush", t.id)
	}

	b := writer.Batch{Datafile: active, Journal: journal, Pages: batch}
	if err := t.writer.WriteBatches([]writer.Batch{b}); err != nil {
		return err
	}

	t.loop.Submit(evloop.Op{Kind: evloop.KindExtentWritten, Tier: t.id, DatafileID: active.ID()})
	return nil
}

// evictPage is the tier's pgc.EvictFunc. It receives both CLEAN pages
// dropped by Evict (already durable) and pages discarded after
// maxFlushRetries failed writes (their samples are lost). In both cases
// it only logs; MRG retention is not adjusted.
func (t *tier) evictPage(p *pgc.Page) {
	cclog.ComponentDebug("dbengine", "page evicted", "tier", t.id, "fingerprint", p.Fingerprint.String())
}

func (t *tier) handleIngestPage(op evloop.Op, submit func(evloop.Op)) {
	err := t.appendSample(op.Fingerprint, op.TimestampS, op.Value, submit)
	op.Err = err
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) appendSample(fp core.Fingerprint, ts int64, value float64, submit func(evloop.Op)) error {
	pageSpanS := t.cfg.UpdateEveryS * pagePointsPerPage
	if pageSpanS <= 0 {
		pageSpanS = pagePointsPerPage
	}
	start := (ts / pageSpanS) * pageSpanS

	var page *pgc.Page
	for attempt := 0; attempt < 3; attempt++ {
		p, ok, err := t.mainCache.Acquire(t.id, fp, start, true, t.encoding, pagePointsPerPage)
		if err != nil {
			return fmt.Errorf("tier %d: acquire page: %w", t.id, err)
		}
		if ok {
			page = p
			break
		}
	}
	if page == nil {
		return fmt.Errorf("tier %d: page acquisition for %s spun out", t.id, fp)
	}
	defer t.mainCache.Release(page)

	page.UpdateEveryS = t.cfg.UpdateEveryS

	if err := page.Append(value, ts); err != nil {
		cclog.ComponentWarn("dbengine", "sample dropped, page not appendable", "tier", t.id, "fingerprint", fp.String(), "error", err.Error())
		return nil
	}

	h := t.mrg.GetOrCreate(fp)
	first := h.EarliestRetained(t.id)
	if first == 0 || start < first {
		first = start
	}
	t.mrg.UpdateRetention(h, t.id, first, ts)
	t.mrg.Release(h)

	if page.Count() >= pagePointsPerPage {
		if err := t.mainCache.MarkDirty(page); err != nil {
			cclog.ComponentWarn("dbengine", "mark dirty failed", "tier", t.id, "fingerprint", fp.String(), "error", err.Error())
		} else {
			submit(evloop.Op{Kind: evloop.KindFlushBatch, Tier: t.id, Mode: core.FlushDirtyOnly})
		}
	}
	return nil
}

// handleFlush serves both KindFlushInit and KindFlushBatch: FlushAll
// already collects the dirty/all batch and invokes flushBatch
// atomically, so there is no useful distinction left to make between
// "initiate a flush" and "flush a pre-collected batch" at this layer
// (see DESIGN.md).
func (t *tier) handleFlush(op evloop.Op, submit func(evloop.Op)) {
	err := t.mainCache.FlushAll(t.id, op.Mode)
	op.Err = err
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) handleExtentWritten(op evloop.Op, submit func(evloop.Op)) {
	usage, activeID, activeSize, threshold := t.diskFootprint()
	t.diskUsage.Store(usage)
	if activeSize > 0 && activeSize >= threshold {
		submit(evloop.Op{Kind: evloop.KindSealDatafile, Tier: t.id, DatafileID: activeID})
	}
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) diskFootprint() (usage int64, activeID uint64, activeSize int64, threshold int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.sealed {
		usage += e.sizeBytes
	}
	threshold = t.quotaBytes / 8
	if threshold < minRotationBytes {
		threshold = minRotationBytes
	}
	if t.active == nil {
		return usage, 0, 0, threshold
	}
	activeSize = t.active.Size()
	usage += activeSize
	return usage, t.active.ID(), activeSize, threshold
}

func (t *tier) handleSealDatafile(op evloop.Op, submit func(evloop.Op)) {
	err := t.sealActive(op.NoIndex)
	op.Err = err
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) sealActive(noIndex bool) error {
	t.mu.Lock()
	active := t.active
	activeJournal := t.activeJournal
	t.mu.Unlock()
	if active == nil {
		return nil
	}

	if err := active.Seal(); err != nil {
		return fmt.Errorf("tier %d: seal datafile %d: %w", t.id, active.ID(), err)
	}
	if activeJournal != nil {
		if err := activeJournal.Close(); err != nil {
			cclog.ComponentWarn("dbengine", "close journal-v1 after seal failed", "tier", t.id, "error", err.Error())
		}
	}

	entry := &sealedEntry{datafile: active, sizeBytes: active.Size()}
	if !noIndex {
		if j, err := t.indexer.Seal(t.dir, active.Epoch, active.Sequence, active.ID()); err != nil {
			cclog.ComponentError("dbengine", "journal-v2 indexing failed at seal time, datafile remains unindexed", "tier", t.id, "datafile", active.ID(), "error", err.Error())
		} else {
			entry.journal = j
			entry.journalPath = j.Path()
		}
	}

	t.router.unregister(active.ID())

	t.mu.Lock()
	t.sealed[active.ID()] = entry
	if noIndex {
		t.active = nil
		t.activeJournal = nil
	}
	t.mu.Unlock()

	if noIndex {
		return nil
	}
	return t.rotateActive()
}

func (t *tier) handleIndexJournal(op evloop.Op, submit func(evloop.Op)) {
	err := t.indexDatafile(op.DatafileID)
	op.Err = err
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) indexDatafile(datafileID uint64) error {
	t.mu.Lock()
	entry, ok := t.sealed[datafileID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tier %d: datafile %d is not sealed", t.id, datafileID)
	}
	if entry.journal != nil {
		return nil
	}

	j, err := t.indexer.Seal(t.dir, entry.datafile.Epoch, entry.datafile.Sequence, datafileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	entry.journal = j
	entry.journalPath = j.Path()
	t.mu.Unlock()
	return nil
}

func (t *tier) handleEvict(op evloop.Op, submit func(evloop.Op)) {
	n := t.mainCache.Evict(t.id, op.EvictMax)
	op.Result = n
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) handleRetentionTick(op evloop.Op, submit func(evloop.Op)) {
	res, err := retention.Tick(t.ctx, t, t, t, t.archiver)
	op.Result = res
	op.Err = err
	if err != nil {
		cclog.ComponentError("dbengine", "retention tick failed", "tier", t.id, "error", err.Error())
	}
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) handleQuiesce(op evloop.Op, submit func(evloop.Op)) {
	if op.Done != nil {
		op.Done <- op
	}
}

func (t *tier) handleShutdown(op evloop.Op, submit func(evloop.Op)) {
	t.cancel()

	t.mu.Lock()
	for _, e := range t.sealed {
		if e.journal != nil {
			_ = e.journal.Close()
		}
		_ = e.datafile.Close()
	}
	if t.active != nil {
		_ = t.active.Close()
	}
	if t.activeJournal != nil {
		_ = t.activeJournal.Close()
	}
	t.mu.Unlock()

	if err := t.lock.Release(); err != nil {
		cclog.ComponentWarn("dbengine", "tier lock release failed", "tier", t.id, "error", err.Error())
	}
	if op.Done != nil {
		op.Done <- op
	}
}

// query builds a fresh query.Config from the tier's current active and
// sealed bookkeeping and plans against it. A Planner is never cached
// across calls because rotation and sealing change this bookkeeping.
func (t *tier) query(ctx context.Context, fp core.Fingerprint, t0, t1 int64, priority query.Priority, reducer query.Reducer) (*query.Iterator, error) {
	t.mu.RLock()
	var activeID uint64
	var activeSource query.ExtentSource
	if t.active != nil {
		activeID = t.active.ID()
		activeSource = t.active
	}
	sealedSources := make([]query.SealedSource, 0, len(t.sealed))
	for _, e := range t.sealed {
		if e.journal == nil {
			continue
		}
		sealedSources = append(sealedSources, query.SealedSource{Journal: e.journal, Datafile: e.datafile})
	}
	t.mu.RUnlock()

	planner := query.NewPlanner(query.Config{
		Section:          t.id,
		MainCache:        t.mainCache,
		OpenCache:        t.openCache,
		ActiveDatafileID: activeID,
		ActiveSource:     activeSource,
		Sealed:           sealedSources,
	})
	return planner.Plan(ctx, fp, t0, t1, priority, reducer)
}

func (t *tier) statistics() TierStats {
	t.mu.RLock()
	sealedCount := len(t.sealed)
	t.mu.RUnlock()
	return TierStats{
		Cache:            t.mainCache.Statistics(),
		OpenCacheEntries: t.openCache.Len(),
		SealedDatafiles:  sealedCount,
		DiskUsageBytes:   t.diskUsage.Load(),
		QuotaBytes:       t.quotaBytes,
	}
}

// retention.TierSource

func (t *tier) Tier() core.TierID   { return t.id }
func (t *tier) QuotaBytes() int64 { return t.quotaBytes }

func (t *tier) ActiveDatafileID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.active == nil {
		return 0
	}
	return t.active.ID()
}

func (t *tier) DiskUsageBytes() int64 { return t.diskUsage.Load() }

func (t *tier) SealedDatafiles() []retention.DatafileInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]retention.DatafileInfo, 0, len(t.sealed))
	for id, e := range t.sealed {
		info := retention.DatafileInfo{
			ID:           id,
			Epoch:        e.datafile.Epoch,
			Sequence:     e.datafile.Sequence,
			SizeBytes:    e.sizeBytes,
			DatafilePath: e.datafile.Path(),
			JournalPath:  e.journalPath,
		}
		if e.journal != nil {
			info.Metrics = e.journal.Metrics()
		}
		out = append(out, info)
	}
	return out
}

// retention.Deleter

func (t *tier) WaitAndDelete(ctx context.Context, tierID core.TierID, d retention.DatafileInfo) error {
	select {
	case <-time.After(retentionDeleteGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	entry, ok := t.sealed[d.ID]
	if ok {
		delete(t.sealed, d.ID)
	}
	t.mu.Unlock()

	if ok {
		if entry.journal != nil {
			if err := entry.journal.Close(); err != nil {
				cclog.ComponentWarn("dbengine", "close journal-v2 before delete failed", "tier", t.id, "datafile", d.ID, "error", err.Error())
			}
		}
		if err := entry.datafile.Close(); err != nil {
			cclog.ComponentWarn("dbengine", "close datafile before delete failed", "tier", t.id, "datafile", d.ID, "error", err.Error())
		}
	}

	if err := os.Remove(d.DatafilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tier %d: remove datafile %s: %w", t.id, d.DatafilePath, err)
	}
	if d.JournalPath != "" {
		if err := os.Remove(d.JournalPath); err != nil && !os.IsNotExist(err) {
			cclog.ComponentWarn("dbengine", "remove journal-v2 failed", "tier", t.id, "path", d.JournalPath, "error", err.Error())
		}
	}
	return nil
}

// retention.RetentionAdvancer

func (t *tier) AdvanceRetentionStart(fp core.Fingerprint, tierID core.TierID, newEarliest int64) {
	h := t.mrg.Lookup(fp)
	if h == nil {
		return
	}
	t.mrg.UpdateRetention(h, tierID, newEarliest, h.LatestTimestamp())
	t.mrg.Release(h)
}
