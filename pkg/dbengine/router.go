package dbengine

import (
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/pgc"
)

// openCacheRouter implements writer.OpenCacheSink on behalf of every tier
// sharing the engine's one writer.Writer. Each tier owns its own
// *pgc.OpenCache, but the writer addresses extents purely by datafile ID,
// so the router keeps a datafile-ID-to-OpenCache table that tiers update
// as they create and seal active datafiles.
type openCacheRouter struct {
	mu  sync.RWMutex
	byID map[uint64]*pgc.OpenCache
}

func newOpenCacheRouter() *openCacheRouter {
	return &openCacheRouter{byID: make(map[uint64]*pgc.OpenCache)}
}

func (r *openCacheRouter) register(datafileID uint64, oc *pgc.OpenCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[datafileID] = oc
}

func (r *openCacheRouter) unregister(datafileID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, datafileID)
}

// Append routes a just-written extent descriptor to the open cache of the
// tier that owns datafileID.
func (r *openCacheRouter) Append(datafileID uint64, fp core.Fingerprint, d pgc.ExtentDescriptor) {
	r.mu.RLock()
	oc := r.byID[datafileID]
	r.mu.RUnlock()
	if oc == nil {
		cclog.ComponentWarn("dbengine", "open cache append for unregistered datafile", "datafile", datafileID, "fingerprint", fp.String())
		return
	}
	oc.Append(datafileID, fp, d)
}
