package engine

import (
	"context"
	"time"
)

// retryLoop periodically promotes Failed tasks that still have attempt
// budget back to Pending. Like schedulerLoop, this is a polling
// controller, not a per-task timer: a failed task is promoted at the first
// tick after it fails, anywhere from almost immediately to one
// RetryInterval later.
func (e *Engine) retryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runRetryTick()
		}
	}
}

func (e *Engine) runRetryTick() {
	start := time.Now()
	ctx := context.Background()

	candidates, err := e.store.GetFailedTasksForRetry(ctx)
	if err != nil {
		logDecision(SchedulingDecision{Component: "retry_controller", Decision: "LIST_FAILED", Reason: err.Error()})
		return
	}

	for _, t := range candidates {
		// Re-read so a state change since the query (e.g. a concurrent
		// Cancel) is seen before promoting.
		current, err := e.store.GetTask(ctx, t.ID)
		if err != nil || !current.CanRetry() {
			continue
		}
		t = current
		t.MarkPendingForRetry(time.Now().UTC())
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logDecision(SchedulingDecision{Component: "retry_controller", Decision: "PROMOTE_FAILED", TaskID: t.ID, Reason: err.Error()})
			continue
		}
		// The slot was acquired at original admission and never released
		// for a retryable failure, so this re-enters the ready queue
		// without competing for a new one.
		e.readmit(t)
		e.metrics.RetryTotal.Inc()
		logDecision(SchedulingDecision{Component: "retry_controller", Decision: "RETRY", TaskID: t.ID, Attempt: t.Attempts})
	}

	e.metrics.TickDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
}
