// Package ingest implements the ingest path and tier rollup (spec
// §4.8): Engine.Ingest's transport-agnostic surface, the monotonic-
// per-(metric,tier)-timestamp drop policy, and the tier-N-to-tier-N+1
// rollup accumulator that recursively feeds coarser tiers as their
// period boundaries are crossed.
//
// The append-then-feed-accumulator shape is grounded on the teacher's
// pkg/metricstore/metricstore.go (Write/WriteToLevel appends a sample
// then updates the level's aggregation state); the wire encoding
// mirrors dfjournal's fixed binary record framing so collectors and the
// engine agree on one record layout regardless of transport.
package ingest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Record is one engine-level ingest call's arguments (spec §4.8
// "ingest(metric, tier, timestamp, value, flags)").
type Record struct {
	Fingerprint core.Fingerprint
	Tier        core.TierID
	TimestampS  int64
	Value       float64
	Flags       uint8
}

const wireSize = 8 + 1 + 8 + 8 + 1

// Encode serializes rec into the fixed little-endian layout collectors
// and the natsingest transport exchange.
func Encode(rec Record) []byte {
	buf := make([]byte, wireSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(rec.Fingerprint))
	buf[8] = byte(rec.Tier)
	binary.LittleEndian.PutUint64(buf[9:], uint64(rec.TimestampS))
	binary.LittleEndian.PutUint64(buf[17:], math.Float64bits(rec.Value))
	buf[25] = rec.Flags
	return buf
}

// Decode parses a wire record produced by Encode.
func Decode(buf []byte) (Record, error) {
	if len(buf) < wireSize {
		return Record{}, fmt.Errorf("ingest: short record (%d bytes, want %d)", len(buf), wireSize)
	}
	return Record{
		Fingerprint: core.Fingerprint(binary.LittleEndian.Uint64(buf[0:])),
		Tier:        core.TierID(buf[8]),
		TimestampS:  int64(binary.LittleEndian.Uint64(buf[9:])),
		Value:       math.Float64frombits(binary.LittleEndian.Uint64(buf[17:])),
		Flags:       buf[25],
	}, nil
}

// Sink receives ingest records; implemented by the engine facade for
// the tier whose event loop owns the page being appended to.
type Sink interface {
	Ingest(rec Record) error
}

// Stats accumulates the ingest-path counters named by spec §4.8's
// invariant and §8's statistics surface.
type Stats struct {
	Ingested          int64
	DroppedOutOfOrder int64
	RollupsEmitted    int64
}

type metricTierKey struct {
	fp   core.Fingerprint
	tier core.TierID
}

// MonotonicGuard enforces spec §4.8's invariant: "the per-(metric,
// tier) sequence of samples is monotonic in timestamp; out-of-order
// samples are dropped and counted."
type MonotonicGuard struct {
	mu       sync.Mutex
	lastSeen map[metricTierKey]int64
	dropped  int64
}

func NewMonotonicGuard() *MonotonicGuard {
	return &MonotonicGuard{lastSeen: make(map[metricTierKey]int64)}
}

// Admit reports whether ts may proceed for (fp, tier), recording it as
// the new high-water mark if so.
func (g *MonotonicGuard) Admit(fp core.Fingerprint, tier core.TierID, ts int64) bool {
	k := metricTierKey{fp, tier}
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSeen[k]; ok && ts <= last {
		g.dropped++
		return false
	}
	g.lastSeen[k] = ts
	return true
}

func (g *MonotonicGuard) Dropped() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}
