package core

import "fmt"

// TierFatalError describes a tier-fatal condition (spec §7
// "Tier-fatal"): repeated write/mmap/footer failures on one tier. No
// code path constructs it and no tier has a read-only mode; failed
// extent writes are retried and then discarded by the page cache.
type TierFatalError struct {
	Tier   TierID
	Reason string
}

func (e *TierFatalError) Error() string {
	return fmt.Sprintf("dbengine: tier %d is fatal: %s", e.Tier, e.Reason)
}

// EngineFatalError marks an unrecoverable condition discovered during
// Open (spec §7 "Engine-fatal"): the engine refuses to open.
type EngineFatalError struct {
	Reason string
}

func (e *EngineFatalError) Error() string {
	return fmt.Sprintf("dbengine: fatal: %s", e.Reason)
}

// ErrMetricInUse is returned by MRG.Delete when reference-count or
// writer-count is non-zero (spec §4.2 invariant 2).
type ErrMetricInUse struct {
	Fingerprint Fingerprint
}

func (e *ErrMetricInUse) Error() string {
	return fmt.Sprintf("dbengine: metric %s still referenced or being written", e.Fingerprint)
}

// ErrPageEvicting names the mid-eviction case of the acquisition
// protocol (spec §4.1 "Acquisition protocol"). PGC.Acquire does not
// return it: a looked-up page that is mid-eviction is reported as
// ok=false with a nil error, and callers retry via re-lookup.
var ErrPageEvicting = fmt.Errorf("dbengine: page is evicting, retry lookup")

// ErrQueryCancelled is surfaced by a PageIterator when its cancellation
// token fires between pass boundaries or before an I/O dispatch.
var ErrQueryCancelled = fmt.Errorf("dbengine: query cancelled")

// ErrLockHeld is an engine-fatal condition: another process holds the
// tier directory's lock file.
var ErrLockHeld = fmt.Errorf("dbengine: tier directory lock held by another process")
