package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/task"
)


// Recover rehydrates the in-memory ready queue from durable storage on
// startup: every Pending task, plus every Scheduled task already due.
// Orphaned Running tasks (a process crashed mid-execution) are left
// untouched — see ReclaimOrphaned.
func (e *Engine) Recover(ctx context.Context) error {
	pendingState := task.Pending
	pending, _, err := e.store.GetTasks(ctx, storage.ListFilter{State: &pendingState})
	if err != nil {
		return fmt.Errorf("recover: list pending: %w", err)
	}
	for _, t := range pending {
		// Recovery bypasses admission control: durable state from before
		// a restart is never dropped for capacity reasons.
		e.readmit(t)
	}

	due, err := e.store.GetScheduledTasks(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recover: list due scheduled: %w", err)
	}
	for _, t := range due {
		t.MarkPendingForRetry(time.Now().UTC())
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logDecision(SchedulingDecision{Component: "recover", Decision: "PROMOTE_FAILED", TaskID: t.ID, Reason: err.Error()})
			continue
		}
		e.readmit(t)
	}

	logDecision(SchedulingDecision{Component: "recover", Decision: "LOADED", Reason: fmt.Sprintf("pending=%d due_scheduled=%d", len(pending), len(due))})
	return nil
}

// ReclaimOrphaned is an operator-only maintenance operation, never
// invoked automatically: it finds Running tasks whose StartedAt is older
// than olderThan (almost certainly orphaned by a prior crash, since a
// live process would still be updating them) and either requeues them
// for retry or marks them terminally Failed if their attempt budget is
// exhausted. It returns the number of tasks reclaimed.
func (e *Engine) ReclaimOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	runningState := task.Running
	running, _, err := e.store.GetTasks(ctx, storage.ListFilter{State: &runningState})
	if err != nil {
		return 0, fmt.Errorf("reclaim: list running: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, t := range running {
		if t.StartedAt == nil || t.StartedAt.After(cutoff) {
			continue
		}

		// A process restarting after a large crash can find hundreds of
		// orphaned Running tasks at once; smoothing the write-back rate
		// keeps a bulk reclaim from spiking storage load right as Recover
		// is also populating the ready queue.
		if err := e.reclaimLimiter.Wait(ctx); err != nil {
			return reclaimed, fmt.Errorf("reclaim: rate limiter: %w", err)
		}

		now := time.Now().UTC()
		t.MarkFailed("orphaned: no process reported completion before reclaim cutoff", now)
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logDecision(SchedulingDecision{Component: "reclaim", Decision: "UPDATE_FAILED", TaskID: t.ID, Reason: err.Error()})
			continue
		}

		if t.CanRetry() {
			t.MarkPendingForRetry(now)
			if err := e.store.UpdateTask(ctx, t); err != nil {
				logDecision(SchedulingDecision{Component: "reclaim", Decision: "UPDATE_FAILED", TaskID: t.ID, Reason: err.Error()})
				continue
			}
			_ = e.admit(t)
		}

		reclaimed++
		logDecision(SchedulingDecision{Component: "reclaim", Decision: "RECLAIMED", TaskID: t.ID})
	}
	return reclaimed, nil
}
