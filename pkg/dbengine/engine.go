// Package dbengine wires the page cache, metrics registry, datafile and
// journal storage, writer/indexer, query planner and per-tier event
// loops into the single Engine facade described by spec §1-2 and §4.8:
// open, ingest, query, flush, quiesce, shutdown, statistics.
package dbengine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/uuid"

	"github.com/netdata/dbengine/pkg/dbengine/config"
	"github.com/netdata/dbengine/pkg/dbengine/core"
	"github.com/netdata/dbengine/pkg/dbengine/evloop"
	"github.com/netdata/dbengine/pkg/dbengine/ingest"
	"github.com/netdata/dbengine/pkg/dbengine/ingest/natsingest"
	"github.com/netdata/dbengine/pkg/dbengine/mrg"
	"github.com/netdata/dbengine/pkg/dbengine/query"
	"github.com/netdata/dbengine/pkg/dbengine/retention"
	"github.com/netdata/dbengine/pkg/dbengine/runtimeenv"
	"github.com/netdata/dbengine/pkg/dbengine/writer"
)

// Engine is the top-level handle returned by Open. It owns every tier's
// storage and event loop, one shared writer and open-cache router across
// all tiers, the metrics registry, and (if configured) the NATS ingest
// subscriber and S3 archiver.
type Engine struct {
	cfg *config.EngineConfig

	// runID identifies this particular Open call in logs and metrics,
	// distinguishing one process lifetime's datafiles/journal activity
	// from another's when several runs' logs are aggregated together.
	runID string

	mrg       *mrg.Registry
	router    *openCacheRouter
	writer    *writer.Writer
	pipeline  *ingest.Pipeline
	archiver  retention.Archiver

	tiers     []*tier
	tiersByID map[core.TierID]*tier

	schedulers []*retention.Scheduler
	nats       *natsingest.Subscriber

	shutdownOnce sync.Once
}

// pipelineSink adapts Engine to ingest.Sink. It cannot be Engine itself:
// the public Engine.Ingest has the spec's (fp, tier, ts, value, flags)
// signature, which collides with ingest.Sink's Ingest(Record) on the
// same receiver.
type pipelineSink struct{ e *Engine }

func (s pipelineSink) Ingest(rec ingest.Record) error {
	return s.e.ingestRecord(rec)
}

// Open builds every configured tier, the shared writer, the ingest
// pipeline, per-tier retention schedulers, and (if enabled) the NATS
// ingest subscriber. A failure midway stops the retention schedulers and
// shuts down the tiers already started before returning; a gops agent
// started here keeps running.
func Open(cfg *config.EngineConfig) (*Engine, error) {
	if len(cfg.Tiers) == 0 {
		return nil, &core.EngineFatalError{Reason: "no tiers configured"}
	}

	runtimeenv.ApplyGCPercent(cfg.GCPercent)
	if err := runtimeenv.StartGops(cfg.EnableGops); err != nil {
		cclog.ComponentWarn("dbengine", "gops agent failed to start", "error", err.Error())
	}

	compressionAlgo, err := core.ParseCompressionAlgo(cfg.CompressionAlgo)
	if err != nil {
		return nil, &core.EngineFatalError{Reason: err.Error()}
	}

	var archiver retention.Archiver
	if cfg.Retention.Mode == "archive" && cfg.Retention.S3.Enabled {
		// config.S3ArchiveConfig carries only bucket/prefix/region;
		// retention.S3ArchiveConfig additionally accepts custom
		// endpoint/credentials/path-style for non-AWS S3-compatible
		// stores. Those are left zero here (documented in DESIGN.md):
		// AccessKey/SecretKey empty means NewS3Archiver's static
		// credentials provider yields no usable credentials, so
		// archiving against a real bucket additionally requires the
		// environment to carry AWS credentials some other way.
		a, archErr := retention.NewS3Archiver(retention.S3ArchiveConfig{
			Bucket: cfg.Retention.S3.Bucket,
			Prefix: cfg.Retention.S3.Prefix,
			Region: cfg.Retention.S3.Region,
		})
		if archErr != nil {
			return nil, &core.EngineFatalError{Reason: fmt.Sprintf("S3 archiver: %v", archErr)}
		}
		archiver = a
	}

	e := &Engine{
		cfg:       cfg,
		runID:     uuid.New().String(),
		mrg:       mrg.New(),
		router:    newOpenCacheRouter(),
		tiersByID: make(map[core.TierID]*tier),
		archiver:  archiver,
	}
	cclog.ComponentInfo("dbengine", "opening engine", "run_id", e.runID, "tiers", len(cfg.Tiers))
	e.writer = writer.New(writer.Config{
		Workers:         workerCount(cfg.Workers),
		CompressionAlgo: compressionAlgo,
	}, e.router)

	for _, tc := range cfg.Tiers {
		t, tierErr := newTier(cfg, tc, e.mrg, e.writer, e.router, archiver)
		if tierErr != nil {
			e.shutdownTiers()
			return nil, fmt.Errorf("dbengine: open tier %d: %w", tc.ID, tierErr)
		}
		e.tiers = append(e.tiers, t)
		e.tiersByID[t.id] = t
	}

	// Rollup windows are sized by the next-coarser tier's own configured
	// update interval: tier i's rollup into tier i+1 closes every
	// tiers[i+1].update_every_s seconds.
	periods := make([]int64, 0, len(e.tiers))
	for i := 1; i < len(e.tiers); i++ {
		periods = append(periods, e.tiers[i].cfg.UpdateEveryS)
	}
	e.pipeline = ingest.NewPipeline(pipelineSink{e: e}, periods)

	for _, t := range e.tiers {
		tt := t
		sched, schedErr := retention.NewScheduler(cfg.Retention.TickCron, func() {
			tt.loop.Submit(evloop.Op{Kind: evloop.KindRetentionTick, Tier: tt.id})
		})
		if schedErr != nil {
			for _, s := range e.schedulers {
				s.Stop()
			}
			e.shutdownTiers()
			return nil, &core.EngineFatalError{Reason: fmt.Sprintf("retention scheduler: %v", schedErr)}
		}
		sched.Start()
		e.schedulers = append(e.schedulers, sched)
	}

	if cfg.NATS.Enabled {
		sub, natsErr := natsingest.Connect(natsingest.Config{
			Address:       cfg.NATS.Address,
			Subject:       cfg.NATS.SubscribeTo,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			CredsFilePath: cfg.NATS.CredsFile,
		}, e.pipeline)
		if natsErr != nil {
			for _, s := range e.schedulers {
				s.Stop()
			}
			e.shutdownTiers()
			return nil, fmt.Errorf("dbengine: NATS ingest: %w", natsErr)
		}
		e.nats = sub
	}

	runtimeenv.SystemdNotify(true, "engine opened")
	return e, nil
}

// workerCount mirrors evloop's own max(min, 6*NumCPU)-bounded-by-max
// sizing, since the
// writer's worker pool is sized independently of any one tier's loop.
func workerCount(w config.WorkerConfig) int {
	n := w.Min
	if want := 6 * runtime.NumCPU(); want > n {
		n = want
	}
	if w.Max > 0 && n > w.Max {
		n = w.Max
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) shutdownTiers() {
	for _, t := range e.tiers {
		_ = t.loop.Shutdown(context.Background(), 0)
	}
}

// Ingest admits one sample into tier, deriving rollups into coarser
// tiers per spec §4.8. Per-sample faults are dropped: an unknown tier or
// a page that failed to append is logged, a sample for a quiesced tier
// is dropped silently; Ingest itself never raises.
//
// Ingest assumes a single writer per (fp, tier): callers must not call
// it concurrently for the same pair. The engine adds no per-metric lock
// on this path; only the tier's event loop serializes cache mutation.
func (e *Engine) Ingest(fp core.Fingerprint, tier core.TierID, timestampS int64, value float64, flags uint8) error {
	return e.pipeline.Ingest(ingest.Record{
		Fingerprint: fp,
		Tier:        tier,
		TimestampS:  timestampS,
		Value:       value,
		Flags:       flags,
	})
}

func (e *Engine) ingestRecord(rec ingest.Record) error {
	t, ok := e.tiersByID[rec.Tier]
	if !ok {
		cclog.ComponentWarn("dbengine", "ingest dropped: unknown tier", "tier", rec.Tier)
		return nil
	}
	if t.loop.Quiescing() {
		return nil
	}

	op, err := t.loop.SubmitWait(context.Background(), evloop.Op{
		Kind:        evloop.KindIngestPage,
		Tier:        rec.Tier,
		Fingerprint: rec.Fingerprint,
		TimestampS:  rec.TimestampS,
		Value:       rec.Value,
		Flags:       rec.Flags,
	})
	if err != nil {
		cclog.ComponentWarn("dbengine", "ingest dropped: event loop submit failed", "tier", rec.Tier, "error", err.Error())
		return nil
	}
	if op.Err != nil {
		cclog.ComponentWarn("dbengine", "ingest dropped: page append failed", "tier", rec.Tier, "fingerprint", rec.Fingerprint.String(), "error", op.Err.Error())
	}
	return nil
}

// RunID identifies this Open call, for correlating logs and metrics
// across process restarts.
func (e *Engine) RunID() string {
	return e.runID
}

// Query plans and returns a lazy PageIterator over [t0, t1] for one
// metric on one tier (spec §4.5).
func (e *Engine) Query(ctx context.Context, fp core.Fingerprint, tier core.TierID, t0, t1 int64, priority query.Priority, reducer query.Reducer) (*query.Iterator, error) {
	t, ok := e.tiersByID[tier]
	if !ok {
		return nil, fmt.Errorf("dbengine: unknown tier %d", tier)
	}
	return t.query(ctx, fp, t0, t1, priority, reducer)
}

// Flush forces tier's main cache to write out HOT/DIRTY pages, either
// all of them or dirty-only, and waits for completion.
func (e *Engine) Flush(ctx context.Context, tier core.TierID, mode core.FlushMode) error {
	t, ok := e.tiersByID[tier]
	if !ok {
		return fmt.Errorf("dbengine: unknown tier %d", tier)
	}
	op, err := t.loop.SubmitWait(ctx, evloop.Op{Kind: evloop.KindFlushInit, Tier: tier, Mode: mode})
	if err != nil {
		return err
	}
	return op.Err
}

// Quiesce stops tier's event loop from admitting new ingest work while
// letting in-flight queries drain, per spec §4.8.
func (e *Engine) Quiesce(ctx context.Context, tier core.TierID) error {
	t, ok := e.tiersByID[tier]
	if !ok {
		return fmt.Errorf("dbengine: unknown tier %d", tier)
	}
	return t.loop.Quiesce(ctx)
}

// Shutdown drains and closes every tier's event loop, stops retention
// scheduling and NATS ingest, and is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	var firstErr error
	e.shutdownOnce.Do(func() {
		if e.nats != nil {
			e.nats.Close()
		}
		for _, s := range e.schedulers {
			s.Stop()
		}
		for _, t := range e.tiers {
			if err := t.loop.Shutdown(ctx, 0); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("tier %d: %w", t.id, err)
			}
		}
		runtimeenv.SystemdNotify(false, "stopped")
	})
	return firstErr
}
