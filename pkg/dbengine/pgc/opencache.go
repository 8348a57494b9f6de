package pgc

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// ExtentDescriptor is one row of open-cache (journal-metadata) state: a
// single metric's footprint within a not-yet-sealed datafile, recorded
// by the writer once an extent write completes (spec §4.4 step 5).
type ExtentDescriptor struct {
	Offset       int64
	Size         int32
	Start        int64
	End          int64
	UpdateEveryS int32
	SampleCount  uint32
	Encoding     core.Encoding
}

type openCacheKey struct {
	datafileID  uint64
	fingerprint core.Fingerprint
}

// OpenCache backs the "open" cache named in spec §4.1. Its entries are
// append-only and immutable once written, unlike a main-cache Page, so
// it rides on a plain bounded LRU (hashicorp/golang-lru) instead of
// Cache's hot/dirty/clean state machine — "same discipline as PGC but
// tuned for smaller entries" (spec §4.5) is satisfied by capacity
// bounding and LRU eviction alone.
type OpenCache struct {
	entries *lru.Cache[openCacheKey, []ExtentDescriptor]
}

func NewOpenCache(capacity int) (*OpenCache, error) {
	c, err := lru.New[openCacheKey, []ExtentDescriptor](capacity)
	if err != nil {
		return nil, err
	}
	return &OpenCache{entries: c}, nil
}

// Append records a newly written extent for (datafileID, fp).
func (o *OpenCache) Append(datafileID uint64, fp core.Fingerprint, d ExtentDescriptor) {
	k := openCacheKey{datafileID, fp}
	existing, _ := o.entries.Get(k)
	o.entries.Add(k, append(existing, d))
}

// Lookup returns the known extents for (datafileID, fp) within the
// still-open (unsealed) datafile.
func (o *OpenCache) Lookup(datafileID uint64, fp core.Fingerprint) ([]ExtentDescriptor, bool) {
	return o.entries.Get(openCacheKey{datafileID, fp})
}

// ReleaseDatafile drops every open-cache entry belonging to datafileID,
// called once the indexer has materialised that datafile's journal-v2
// index (spec §4.1: "the open-cache entries for that datafile are
// released").
func (o *OpenCache) ReleaseDatafile(datafileID uint64, fingerprints []core.Fingerprint) {
	for _, fp := range fingerprints {
		o.entries.Remove(openCacheKey{datafileID, fp})
	}
}

func (o *OpenCache) Len() int {
	return o.entries.Len()
}

// EntriesForDatafile returns every open-cache entry belonging to
// datafileID, keyed by fingerprint, as needed by the indexer to
// materialise a journal-v2 index at seal time (spec §4.3 "iterating
// the open-cache entries for a sealed datafile").
func (o *OpenCache) EntriesForDatafile(datafileID uint64) map[core.Fingerprint][]ExtentDescriptor {
	out := make(map[core.Fingerprint][]ExtentDescriptor)
	for _, k := range o.entries.Keys() {
		if k.datafileID != datafileID {
			continue
		}
		if v, ok := o.entries.Peek(k); ok {
			out[k.fingerprint] = v
		}
	}
	return out
}
