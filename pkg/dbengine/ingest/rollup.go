package ingest

import (
	"sync"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Rollup aggregates one tier's stream of samples into the next
// coarser tier's periodic average, per spec §4.8 step 4: "when the
// tier-1 period boundary is crossed, emit one aggregated sample to
// tier 1's ingest."
type Rollup struct {
	periodS int64

	mu     sync.Mutex
	states map[core.Fingerprint]*rollupWindow
}

type rollupWindow struct {
	windowStart int64
	sum         float64
	count       int
}

// NewRollup builds a Rollup that emits one averaged sample every
// periodS seconds of the finer tier's timeline.
func NewRollup(periodS int64) *Rollup {
	return &Rollup{periodS: periodS, states: make(map[core.Fingerprint]*rollupWindow)}
}

func (r *Rollup) windowFor(ts int64) int64 {
	if r.periodS <= 0 {
		return ts
	}
	return ts - (ts % r.periodS)
}

// Feed accumulates (ts, v) for fp. When ts falls outside the current
// accumulation window, the prior window's average is returned with
// ok=true (emitted at the window's start timestamp) and a new window
// is opened containing (ts, v); otherwise ok is false and the caller
// has nothing to emit yet.
func (r *Rollup) Feed(fp core.Fingerprint, ts int64, v float64) (emitTS int64, emitValue float64, ok bool) {
	w := r.windowFor(ts)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.states[fp]
	if !exists {
		r.states[fp] = &rollupWindow{windowStart: w, sum: v, count: 1}
		return 0, 0, false
	}

	if w == st.windowStart {
		st.sum += v
		st.count++
		return 0, 0, false
	}

	emitTS = st.windowStart
	emitValue = st.sum / float64(st.count)
	st.windowStart = w
	st.sum = v
	st.count = 1
	return emitTS, emitValue, true
}
