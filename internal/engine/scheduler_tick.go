package engine

import (
	"context"
	"time"

	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// schedulerLoop periodically promotes due Scheduled tasks to Pending and
// admits them. It is a polling safety net alongside the per-task
// time.AfterFunc fast path in Submit/scheduleDelayedPromotion: a process
// restart loses pending timers, but never loses the next tick.
func (e *Engine) schedulerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runSchedulerTick()
		}
	}
}

func (e *Engine) runSchedulerTick() {
	start := time.Now()
	ctx := context.Background()

	due, err := e.store.GetScheduledTasks(ctx, time.Now().UTC())
	if err != nil {
		logDecision(SchedulingDecision{Component: "scheduler_tick", Decision: "LIST_FAILED", Reason: err.Error()})
		return
	}

	for _, t := range due {
		current, err := e.store.GetTask(ctx, t.ID)
		if err != nil || current.State != task.Scheduled || !current.IsReadyToRun(time.Now().UTC()) {
			// Listed as due, but state moved on (e.g. a concurrent Cancel)
			// between the query and this loop iteration.
			continue
		}
		t = current
		t.MarkPendingForRetry(time.Now().UTC())
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logDecision(SchedulingDecision{Component: "scheduler_tick", Decision: "PROMOTE_FAILED", TaskID: t.ID, Reason: err.Error()})
			continue
		}
		if err := e.admit(t); err != nil {
			// Left Pending in storage. The tick only lists Scheduled
			// tasks, so it is picked up again by Recover on the next start.
			continue
		}
		e.metrics.SchedulerPromote.Inc()
		logDecision(SchedulingDecision{Component: "scheduler_tick", Decision: "PROMOTE", TaskID: t.ID, Priority: t.Priority.String()})
	}

	e.metrics.TickDuration.WithLabelValues("scheduler").Observe(time.Since(start).Seconds())
}
