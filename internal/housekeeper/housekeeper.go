// Package housekeeper runs the periodic TTL sweep of spec.md §4.8:
// completed tasks past artifact_ttl have their artifact removed,
// non-terminal tasks past task_ttl are expired. The sweep runs on a
// cron schedule (github.com/robfig/cron/v3, as scanorama's scheduler
// does), and every pass is idempotent so a crash mid-sweep is safe to
// resume on the next tick.
package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/metrics"
	"github.com/maumercado/task-queue-go/internal/task"
)

type Housekeeper struct {
	store        *task.Store
	cron         *cron.Cron
	artifactTTL  time.Duration
	taskTTL      time.Duration
	cronSchedule string
	entryID      cron.EntryID
}

func New(store *task.Store, artifactTTL, taskTTL time.Duration, cronSchedule string) *Housekeeper {
	return &Housekeeper{
		store:        store,
		cron:         cron.New(),
		artifactTTL:  artifactTTL,
		taskTTL:      taskTTL,
		cronSchedule: cronSchedule,
	}
}

// Start registers the sweep on cronSchedule and starts the cron
// scheduler. A sweep is also run once immediately so a freshly started
// process does not wait a full period before its first pass.
func (h *Housekeeper) Start(ctx context.Context) error {
	id, err := h.cron.AddFunc(h.cronSchedule, func() {
		h.Sweep(ctx)
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "housekeeper.Start", err)
	}
	h.entryID = id
	h.cron.Start()

	go h.Sweep(ctx)

	logger.Info().Str("schedule", h.cronSchedule).Msg("housekeeper started")
	return nil
}

func (h *Housekeeper) Stop() {
	stopCtx := h.cron.Stop()
	<-stopCtx.Done()
	logger.Info().Msg("housekeeper stopped")
}

// Sweep runs one full pass: expire non-terminal tasks past task_ttl,
// then remove artifacts (and expire the record) for completed tasks
// past artifact_ttl.
func (h *Housekeeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.RecordHousekeeperSweep(time.Since(start).Seconds())
	}()

	h.sweepTaskTTL(ctx)
	h.sweepArtifactTTL(ctx)
}

func (h *Housekeeper) sweepTaskTTL(ctx context.Context) {
	if h.taskTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-h.taskTTL)
	tasks, err := h.store.ListNonTerminalOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("housekeeper: failed to list task_ttl candidates")
		return
	}

	for _, t := range tasks {
		if err := h.store.Transition(ctx, t.ID, task.StateExpired, nil); err != nil {
			if !apperr.Is(err, apperr.InvalidTransition) {
				logger.Error().Err(err).Str("task_id", t.ID).Msg("housekeeper: failed to expire task")
			}
			continue
		}
		metrics.RecordHousekeeperExpired("task_ttl")
		logger.Info().Str("task_id", t.ID).Msg("expired task past task_ttl")
	}
}

func (h *Housekeeper) sweepArtifactTTL(ctx context.Context) {
	if h.artifactTTL <= 0 {
		return
	}
	tasks, err := h.store.ListCompletedExpiringBefore(ctx, h.artifactTTL, time.Now().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("housekeeper: failed to list artifact_ttl candidates")
		return
	}

	for _, t := range tasks {
		if t.ArtifactPath != "" {
			if err := os.RemoveAll(filepath.Dir(t.ArtifactPath)); err != nil {
				logger.Error().Err(err).Str("task_id", t.ID).Msg("housekeeper: failed to remove artifact directory")
				continue
			}
		}
		if err := h.store.Transition(ctx, t.ID, task.StateExpired, nil); err != nil {
			if !apperr.Is(err, apperr.InvalidTransition) {
				logger.Error().Err(err).Str("task_id", t.ID).Msg("housekeeper: failed to expire task after artifact removal")
			}
			continue
		}
		metrics.RecordHousekeeperExpired("artifact_ttl")
		logger.Info().Str("task_id", t.ID).Msg("expired task past artifact_ttl")
	}
}
