package retention

import (
	"github.com/robfig/cron/v3"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Scheduler fires a callback on a cron schedule, replacing a bare
// time.Ticker with a configurable expression (spec §6 has no retention
// schedule knob of its own; SPEC_FULL.md's config.RetentionConfig adds
// `tick_cron`). The callback is expected to enqueue a RetentionTick
// opcode on the owning tier's event loop rather than do any I/O itself.
type Scheduler struct {
	c *cron.Cron
}

// NewScheduler parses expr (standard 5-field cron syntax) and schedules
// fire to run on every match. A malformed expression is an engine-fatal
// configuration error, caught at Open time.
func NewScheduler(expr string, fire func()) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(expr, func() {
		cclog.ComponentDebug("retention", "tick scheduled")
		fire()
	}); err != nil {
		return nil, err
	}
	return &Scheduler{c: c}, nil
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts the scheduler and waits for any in-progress fire to
// return, mirroring cron.Cron's own drain-on-stop semantics.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}
