// Package mrg implements the metrics registry (spec §4.2): a
// fingerprint-keyed, sharded, reference-counted directory of per-metric
// retention and acquisition state.
//
// The sharded-map-with-per-shard-lock shape, and the double-checked
// locking used by get-or-create, are grounded on the teacher's
// findLevelOrCreate (pkg/metricstore/level.go) — that function grows a
// selector-path tree under a single lock-per-node; here the tree
// collapses to one flat, hashed shard array since MRG's key (a 64-bit
// fingerprint) has no hierarchical structure to exploit.
package mrg

import (
	"sync"
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

const numShards = 32

// Entry is one metric's registry record (spec §3 "Metric record").
type Entry struct {
	Fingerprint Fingerprint

	mu sync.Mutex

	latestTimestamp int64
	// earliestRetained[tier] is the earliest retained sample timestamp
	// for that tier, or 0 if the tier holds nothing for this metric.
	earliestRetained map[core.TierID]int64
	nativePeriodS    int64

	collected atomic.Bool
	writers   atomic.Int32
	refs      atomic.Int32
}

type Fingerprint = core.Fingerprint

// Handle is a reference-counted acquisition of an Entry. Acquirers must
// call Release exactly once per Handle.
type Handle struct {
	entry *Entry
}

func (h *Handle) Fingerprint() Fingerprint { return h.entry.Fingerprint }

func (h *Handle) LatestTimestamp() int64 {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.latestTimestamp
}

func (h *Handle) EarliestRetained(tier core.TierID) int64 {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.earliestRetained[tier]
}

type shard struct {
	mu      sync.RWMutex
	entries map[Fingerprint]*Entry
}

// Registry is the metrics registry. It is partitioned into numShards
// independently-locked shards to reduce contention (spec §4.2).
type Registry struct {
	shards [numShards]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Fingerprint]*Entry)}
	}
	return r
}

func (r *Registry) shardFor(fp Fingerprint) *shard {
	return r.shards[uint64(fp)%numShards]
}

// GetOrCreate returns a reference-counted Handle for fp, creating the
// Entry if absent. Two concurrent callers for the same fp observe the
// same Entry (spec §4.2 invariant 1) because the create path re-checks
// under the write lock before inserting — the same double-checked-lock
// shape as Level.findLevelOrCreate.
func (r *Registry) GetOrCreate(fp Fingerprint) *Handle {
	s := r.shardFor(fp)

	s.mu.RLock()
	e, ok := s.entries[fp]
	s.mu.RUnlock()
	if ok {
		e.refs.Add(1)
		return &Handle{entry: e}
	}

	s.mu.Lock()
	e, ok = s.entries[fp]
	if !ok {
		e = &Entry{Fingerprint: fp, earliestRetained: make(map[core.TierID]int64)}
		s.entries[fp] = e
	}
	s.mu.Unlock()

	e.refs.Add(1)
	return &Handle{entry: e}
}

// Release drops a reference taken by GetOrCreate.
func (r *Registry) Release(h *Handle) {
	h.entry.refs.Add(-1)
}

// UpdateRetention sets the earliest/latest retained timestamps for
// (metric, tier) under a short per-metric critical section — per spec
// §4.2 invariant 3, never held across I/O.
func (r *Registry) UpdateRetention(h *Handle, tier core.TierID, first, last int64) {
	e := h.entry
	e.mu.Lock()
	e.earliestRetained[tier] = first
	if last > e.latestTimestamp {
		e.latestTimestamp = last
	}
	e.mu.Unlock()
}

// SetCollected marks whether a metric currently has an active collector.
// writer-count>0 implies collected (spec §3 invariant), enforced by
// BeginWrite/EndWrite below rather than here.
func (r *Registry) SetCollected(h *Handle, collected bool) {
	h.entry.collected.Store(collected)
}

// BeginWrite registers a writer for (metric, tier); spec §3 allows at
// most one concurrent writer per (metric, tier) — callers are
// responsible for holding at most one collection handle per tier, the
// counter here is for observability and the writer-count>0-implies-
// collected invariant, not for mutual exclusion.
func (r *Registry) BeginWrite(h *Handle) {
	h.entry.writers.Add(1)
	h.entry.collected.Store(true)
}

func (r *Registry) EndWrite(h *Handle) {
	if h.entry.writers.Add(-1) == 0 {
		h.entry.collected.Store(false)
	}
}

// Delete removes fp's Entry if, and only if, reference-count and
// writer-count are both zero (spec §4.2 invariant 2 / failure case).
// Called by retention; on refusal the caller is expected to retry
// later rather than treat it as an error.
func (r *Registry) Delete(fp Fingerprint) error {
	s := r.shardFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return nil
	}
	if e.refs.Load() != 0 || e.writers.Load() != 0 {
		return &core.ErrMetricInUse{Fingerprint: fp}
	}
	delete(s.entries, fp)
	return nil
}

// Len reports the number of live metric entries, used by Statistics().
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Lookup returns an existing entry's Handle without creating one, or nil
// if fp is unknown. Used by the tier's retention path
// (AdvanceRetentionStart) to touch only metrics that already exist.
func (r *Registry) Lookup(fp Fingerprint) *Handle {
	s := r.shardFor(fp)
	s.mu.RLock()
	e, ok := s.entries[fp]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.refs.Add(1)
	cclog.ComponentDebug("mrg", "lookup hit", fp.String())
	return &Handle{entry: e}
}
