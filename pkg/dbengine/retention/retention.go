// Package retention implements C7 (spec §4.7): a periodic per-tier tick
// that compares on-disk bytes against the tier's configured quota and,
// while over budget, deletes the oldest non-active datafile (waiting
// for any in-flight query references on its mmap to drain first) and
// advances the affected metrics' retention start in MRG.
//
// The tick-compares-to-budget-then-deletes-oldest shape and the
// delete-vs-archive mode switch are grounded on the teacher's
// pkg/metricstore/archive.go (cleanUpWorker / CleanupCheckpoints); the
// bounded-wait-for-references-then-delete idiom is grounded on the
// dolt nbs/journal.go reference example's generational GC, which also
// waits out live readers before removing a chunk source.
package retention

import (
	"context"
	"fmt"
	"sort"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// DatafileInfo is the subset of a sealed datafile's identity retention
// needs to decide and carry out a deletion. It is a plain struct
// (rather than an interface over *dfjournal.Datafile) so this package
// depends on no concrete storage type.
type DatafileInfo struct {
	ID           uint64
	Epoch        uint32
	Sequence     uint32
	SizeBytes    int64
	DatafilePath string
	JournalPath  string
	Metrics      []core.Fingerprint
}

// TierSource reports one tier's current on-disk footprint and rotation
// candidates.
type TierSource interface {
	Tier() core.TierID
	QuotaBytes() int64
	ActiveDatafileID() uint64
	DiskUsageBytes() int64
	SealedDatafiles() []DatafileInfo
}

// Deleter waits for in-flight query references on d's mmap to drain
// (bounded spin with yield, per spec §4.7) and then removes its journal
// and datafile files. The invariant that a query holding a reference
// before deletion continues to see consistent data until it releases
// it is the caller's (the engine facade's) responsibility to uphold by
// not returning from WaitAndDelete until refs are actually zero.
type Deleter interface {
	WaitAndDelete(ctx context.Context, tier core.TierID, d DatafileInfo) error
}

// RetentionAdvancer applies the MRG-side effect of a deletion: for each
// metric whose earliest retained sample lived in the removed datafile,
// advance that tier's retention start.
type RetentionAdvancer interface {
	AdvanceRetentionStart(fp core.Fingerprint, tier core.TierID, newEarliest int64)
}

// Archiver uploads a datafile+journal pair before local deletion
// proceeds (SPEC_FULL.md supplemental feature "Cold-tier archival on
// rotation"). nil means deletion-only, the spec's literal behavior.
type Archiver interface {
	Archive(ctx context.Context, tier core.TierID, d DatafileInfo) error
}

// Result summarizes one Tick's outcome, for logging/statistics.
type Result struct {
	DeletedDatafiles int
	BytesFreed       int64
	Archived         int
}

// Tick runs one retention pass for source: while its disk usage exceeds
// quota, pick the non-active sealed datafile with the lowest
// (epoch, sequence), archive it (if archiver is non-nil), wait for and
// delete it, and advance retention for every metric it held.
//
// This is meant to be invoked from the RetentionTick opcode's handler,
// which spec §4.6 classifies as worker-pool (blocking) work; Tick
// itself does not touch the event loop.
func Tick(ctx context.Context, source TierSource, deleter Deleter, advancer RetentionAdvancer, archiver Archiver) (Result, error) {
	var res Result
	tier := source.Tier()
	quota := source.QuotaBytes()
	if quota <= 0 {
		return res, nil
	}

	for source.DiskUsageBytes() > quota {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		candidates := source.SealedDatafiles()
		active := source.ActiveDatafileID()
		var victim *DatafileInfo
		for i := range candidates {
			c := &candidates[i]
			if c.ID == active {
				continue
			}
			if victim == nil || lessDatafile(*c, *victim) {
				victim = c
			}
		}
		if victim == nil {
			cclog.ComponentInfo("retention", "over quota but no rotatable datafile", "tier", tier, "usage", source.DiskUsageBytes(), "quota", quota)
			break
		}

		if archiver != nil {
			if err := archiver.Archive(ctx, tier, *victim); err != nil {
				cclog.ComponentError("retention", "archive failed, deleting locally anyway", "tier", tier, "datafile", victim.ID, "error", err.Error())
			} else {
				res.Archived++
			}
		}

		if err := deleter.WaitAndDelete(ctx, tier, *victim); err != nil {
			return res, fmt.Errorf("retention: delete datafile %d: %w", victim.ID, err)
		}

		for _, fp := range victim.Metrics {
			advancer.AdvanceRetentionStart(fp, tier, 0)
		}

		res.DeletedDatafiles++
		res.BytesFreed += victim.SizeBytes
		cclog.ComponentInfo("retention", "rotated out datafile", "tier", tier, "datafile", victim.ID, "bytes_freed", victim.SizeBytes)
	}

	return res, nil
}

func lessDatafile(a, b DatafileInfo) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Sequence < b.Sequence
}

// sortedByAge returns datafiles ordered oldest-first, exposed for tests
// and for callers that want to log the full rotation order rather than
// just the next victim.
func sortedByAge(datafiles []DatafileInfo) []DatafileInfo {
	out := append([]DatafileInfo(nil), datafiles...)
	sort.Slice(out, func(i, j int) bool { return lessDatafile(out[i], out[j]) })
	return out
}
