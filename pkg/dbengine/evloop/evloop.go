// Package evloop implements the event loop (spec §4.6): a single
// dispatch loop per tier instance owns all cache/datafile state
// mutations, accepting a tagged opcode for every externally visible
// state change, plus a fixed-size worker pool for the blocking work
// (compression, disk I/O, journal indexing) an opcode's handler may
// need to perform.
//
// The worker-pool-via-buffered-channel-plus-WaitGroup shape is grounded
// on the teacher's pkg/metricstore/checkpoint.go (ToCheckpoint) and
// archive.go (cleanUpWorker): a fixed number of goroutines drain a work
// channel, each job reporting back rather than mutating shared state
// directly.
//
// Handlers are supplied by the caller (the engine facade), not by this
// package: evloop only owns the dispatch/serialization/worker-pool
// mechanics named by spec §4.6, while the actual cache/datafile/
// registry mutation logic for each opcode lives where that state lives
// (pgc, mrg, writer, dfjournal). This keeps the loop independently
// testable with stub handlers.
package evloop

import (
	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Kind tags one of the opcodes named by spec §4.6.
type Kind uint8

const (
	KindIngestPage Kind = iota
	KindAcquirePage
	KindFlushInit
	KindFlushBatch
	KindExtentWritten
	KindSealDatafile
	KindIndexJournal
	KindEvict
	KindRetentionTick
	KindQuiesce
	KindShutdown
	KindShutdownEvloop
)

func (k Kind) String() string {
	switch k {
	case KindIngestPage:
		return "IngestPage"
	case KindAcquirePage:
		return "AcquirePage"
	case KindFlushInit:
		return "FlushInit"
	case KindFlushBatch:
		return "FlushBatch"
	case KindExtentWritten:
		return "ExtentWritten"
	case KindSealDatafile:
		return "SealDatafile"
	case KindIndexJournal:
		return "IndexJournal"
	case KindEvict:
		return "Evict"
	case KindRetentionTick:
		return "RetentionTick"
	case KindQuiesce:
		return "Quiesce"
	case KindShutdown:
		return "Shutdown"
	case KindShutdownEvloop:
		return "ShutdownEvloop"
	default:
		return "unknown"
	}
}

// Priority mirrors spec §4.6 "each opcode carries a completion callback
// and a priority".
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Op is the single tagged opcode type the loop dispatches. Only the
// fields relevant to Kind are meaningful; unused fields are zero.
type Op struct {
	Kind     Kind
	Tier     core.TierID
	Priority Priority

	// IngestPage
	Fingerprint core.Fingerprint
	TimestampS  int64
	Value       float64
	Flags       uint8

	// AcquirePage
	Start          int64
	CreateIfAbsent bool
	Encoding       core.Encoding
	CapacityHint   int

	// FlushInit / FlushBatch
	Mode core.FlushMode

	// SealDatafile / IndexJournal / ExtentWritten
	DatafileID uint64
	// NoIndex skips journal-v2 indexing on seal, per spec §4.6's
	// shutdown sequence: "seal active datafile (no index)".
	NoIndex bool

	// Evict
	EvictMax int

	// Result carries a handler-specific payload back to the caller
	// (e.g. the *pgc.Page acquired by an AcquirePage opcode).
	Result any
	Err    error

	// Done, if non-nil, receives the completed Op exactly once. Nil
	// means fire-and-forget.
	Done chan Op
}

// reply sends op back on its Done channel, if any, without blocking
// forever on an unbuffered channel with no reader: Done is expected to
// be buffered with capacity 1 by callers that want a reply (see Submit
// helpers in loop.go).
func reply(op Op) {
	if op.Done != nil {
		op.Done <- op
	}
}

// Handler executes one opcode. submit lets a handler enqueue follow-up
// opcodes on the same loop (e.g. a FlushInit handler submitting
// IndexJournal once its worker-pool job completes), implementing the
// opcode-chaining spec §4.6 describes ("workers... return results to
// the loop via completion opcodes").
type Handler func(op Op, submit func(Op))

// HandlerTable maps each Kind this loop instance understands to its
// Handler. Kinds with no entry are silently dropped, matching the
// teacher's permissive handling of unrecognized checkpoint commands.
type HandlerTable map[Kind]Handler

// blockingKinds are the opcodes spec §4.6 calls out as dispatched to
// the worker pool rather than run inline on the loop goroutine:
// compression, disk I/O, and journal indexing. AcquirePage, IngestPage,
// Evict and Quiesce are O(1)-or-bounded by contract (spec §4.1, §5) and
// run inline.
var blockingKinds = map[Kind]bool{
	KindFlushInit:     true,
	KindFlushBatch:    true,
	KindSealDatafile:  true,
	KindIndexJournal:  true,
	KindRetentionTick: true,
}
