// Package worker implements the Worker Loop: the single long-running
// state machine that drives the Change Log Reader and the Replicator
// across realtime, schedule, and hybrid modes.
//
// Grounded directly on original_source's sync/worker.py (the
// process_batch / run_schedule_cycle / main loop split) and, for the Go
// shape of a signal-cancelable long-running loop, the teacher's cmd/
// server-start pattern.
package worker

import (
	"context"
	"time"

	"github.com/dbmesh/replifabric/internal/changelog"
	"github.com/dbmesh/replifabric/internal/config"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/obs/logging"
	"github.com/dbmesh/replifabric/internal/obs/metrics"
	"github.com/dbmesh/replifabric/internal/registry"
)

var log = logging.For("worker")

// Applier applies one decoded change event originating at sourceTag.
// Satisfied by *replicator.Replicator.
type Applier interface {
	ApplyChange(ctx context.Context, sourceTag dialect.Tag, change model.ChangeLogRow) error
}

// Loop is the Worker Loop. It holds no state beyond its dependencies;
// Run is safe to call once per process.
type Loop struct {
	registry *registry.Registry
	applier  Applier

	mode              config.SyncMode
	pollInterval      time.Duration
	batchSize         int
	scheduleInterval  time.Duration
	scheduleMaxRounds int
}

// New returns a Loop configured from cfg.
func New(reg *registry.Registry, applier Applier, cfg *config.Config) *Loop {
	return &Loop{
		registry:          reg,
		applier:           applier,
		mode:              cfg.SyncMode.Normalize(),
		pollInterval:      time.Duration(cfg.SyncPollSeconds) * time.Second,
		batchSize:         cfg.SyncBatchSize,
		scheduleInterval:  time.Duration(cfg.SyncScheduleIntervalSeconds) * time.Second,
		scheduleMaxRounds: cfg.SyncScheduleMaxRounds,
	}
}

func (l *Loop) realtimeEnabled() bool { return l.mode == config.ModeRealtime || l.mode == config.ModeHybrid }
func (l *Loop) scheduleEnabled() bool { return l.mode == config.ModeSchedule || l.mode == config.ModeHybrid }

// Run drives the state machine until ctx is canceled (by process signal,
// in normal operation). It never returns an error: every per-change and
// per-tick failure is logged and the loop continues, per spec §9's
// "exception control flow... becomes a per-change try/catch that logs
// and skips marking."
func (l *Loop) Run(ctx context.Context) {
	var nextScheduleAt time.Time
	if l.scheduleEnabled() {
		nextScheduleAt = time.Now().Add(l.scheduleInterval)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker loop stopping: context canceled")
			return
		default:
		}

		work := 0

		if l.realtimeEnabled() {
			for _, tag := range l.registry.AllTags() {
				work += l.processBatch(ctx, tag, l.batchSize)
			}
		}

		if l.scheduleEnabled() && !nextScheduleAt.IsZero() && !time.Now().Before(nextScheduleAt) {
			l.runScheduleCycle(ctx, l.scheduleMaxRounds)
			nextScheduleAt = time.Now().Add(l.scheduleInterval)
		}

		sleep := l.pollInterval
		if work == 0 {
			if l.realtimeEnabled() {
				sleep = l.pollInterval
			} else if !nextScheduleAt.IsZero() {
				until := time.Until(nextScheduleAt)
				if until < time.Second {
					until = time.Second
				}
				sleep = until
			}
		}

		select {
		case <-ctx.Done():
			log.Info("worker loop stopping: context canceled")
			return
		case <-time.After(sleep):
		}
	}
}

// runScheduleCycle repeats "process every backend once" up to maxRounds
// times, stopping as soon as one full sweep applies zero changes.
func (l *Loop) runScheduleCycle(ctx context.Context, maxRounds int) {
	for round := 0; round < maxRounds; round++ {
		swept := 0
		for _, tag := range l.registry.AllTags() {
			swept += l.processBatch(ctx, tag, l.batchSize)
		}
		if swept == 0 {
			return
		}
	}
}

// processBatch fetches up to n unprocessed change_log rows from tag and
// applies each one, returning the count successfully applied. A failed
// apply is logged and the row is left unprocessed for the next tick.
func (l *Loop) processBatch(ctx context.Context, tag dialect.Tag, n int) int {
	db, err := l.registry.Engine(ctx, tag)
	if err != nil {
		log.WithError(err).WithField("backend", tag).Warn("could not open backend pool")
		return 0
	}
	d, err := l.registry.Dialect(tag)
	if err != nil {
		log.WithError(err).WithField("backend", tag).Warn("could not resolve backend dialect")
		return 0
	}

	batch := changelog.FetchBatch(ctx, db, d, n)
	metrics.ChangesFetched.WithLabelValues(string(tag)).Add(float64(len(batch)))

	applied := 0
	for _, change := range batch {
		if err := l.applier.ApplyChange(ctx, tag, change); err != nil {
			metrics.ApplyErrors.WithLabelValues(string(tag)).Inc()
			log.WithError(err).
				WithField("backend", tag).
				WithField("change_id", change.ChangeID).
				Warn("apply failed, leaving change unprocessed")
			continue
		}
		if err := changelog.MarkProcessed(ctx, db, d, change.ChangeID); err != nil {
			log.WithError(err).
				WithField("backend", tag).
				WithField("change_id", change.ChangeID).
				Warn("mark processed failed after successful apply")
			continue
		}
		applied++
	}
	return applied
}
