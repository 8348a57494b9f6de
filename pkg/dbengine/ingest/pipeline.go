package ingest

import (
	"sync"
)

// Pipeline drives tier-0 ingest through the configured rollup chain
// and the monotonic-order guard, implementing spec §4.8 in full:
// append to the named tier's sink, drop-and-count on out-of-order
// timestamps, and recursively feed each tier's rollup accumulator so a
// coarser tier receives one aggregated sample per period boundary
// crossed.
type Pipeline struct {
	sink    Sink
	rollups []*Rollup // rollups[i] aggregates tier i samples into tier i+1
	guard   *MonotonicGuard

	mu    sync.Mutex
	stats Stats
}

// NewPipeline builds a Pipeline. tierPeriods[i] is tier i+1's
// update_every_s, used to size that tier's rollup window; len(tierPeriods)
// is the number of rollup tiers above tier 0.
func NewPipeline(sink Sink, tierPeriods []int64) *Pipeline {
	rollups := make([]*Rollup, len(tierPeriods))
	for i, p := range tierPeriods {
		rollups[i] = NewRollup(p)
	}
	return &Pipeline{sink: sink, rollups: rollups, guard: NewMonotonicGuard()}
}

// Ingest implements Engine::ingest for tier 0 and, recursively, every
// coarser tier whose rollup accumulator just crossed a period boundary.
func (p *Pipeline) Ingest(rec Record) error {
	if !p.guard.Admit(rec.Fingerprint, rec.Tier, rec.TimestampS) {
		p.mu.Lock()
		p.stats.DroppedOutOfOrder++
		p.mu.Unlock()
		return nil
	}

	if err := p.sink.Ingest(rec); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.Ingested++
	p.mu.Unlock()

	if int(rec.Tier) >= len(p.rollups) {
		return nil
	}
	r := p.rollups[rec.Tier]
	emitTS, emitValue, ok := r.Feed(rec.Fingerprint, rec.TimestampS, rec.Value)
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.stats.RollupsEmitted++
	p.mu.Unlock()

	return p.Ingest(Record{
		Fingerprint: rec.Fingerprint,
		Tier:        rec.Tier + 1,
		TimestampS:  emitTS,
		Value:       emitValue,
		Flags:       rec.Flags,
	})
}

func (p *Pipeline) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
