package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// dispatch pops the highest-priority ready task and blocks handing it to
// a worker, which is exactly the backpressure point: with
// MaxConcurrentTasks workers reading `work`, this send blocks until a
// worker is free, keeping |processing| <= MaxConcurrentTasks at all
// times (P4).
func (e *Engine) dispatch() {
	defer e.wg.Done()
	idle := time.NewTicker(20 * time.Millisecond)
	defer idle.Stop()

	for {
		t := e.ready.Pop()
		if t == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-e.wake:
				continue
			case <-idle.C:
				continue
			}
		}

		e.metrics.QueueDepth.WithLabelValues(t.Priority.String()).Set(float64(e.ready.Len()))
		if oldest := e.ready.Peek(); oldest != nil {
			e.metrics.OldestTaskAge.Set(time.Since(oldest.CreatedAt).Seconds())
		} else {
			e.metrics.OldestTaskAge.Set(0)
		}

		select {
		case <-e.ctx.Done():
			return
		case e.work <- t:
		}
	}
}

func (e *Engine) worker(id string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-e.work:
			e.execute(id, t)
		}
	}
}

type handlerResult struct {
	result []byte
	err    error
}

// execute runs one task's handler under a timeout, honoring a concurrent
// Cancel both before dispatch (re-read guard) and before persisting the
// outcome (re-read guard), so a cancellation that lands mid-execution is
// never silently overwritten. It releases the task's admission slot once
// the task reaches a terminal outcome (success, exhausted retries,
// cancellation, or misconfiguration); a retryable failure keeps its slot.
func (e *Engine) execute(workerID string, t *task.Task) {
	ctx := context.Background()

	// A task can appear in the ready queue more than once — the scheduler
	// tick, the retry controller, and Recover can all race a prior push
	// for the same ID (spec.md §9 explicitly allows this instead of
	// requiring queue dedup). Only a task still durably Pending is
	// actually ready; a second dispatch of the same ID sees it already
	// Running (or Cancelled, or terminal) and is dropped here, before it
	// ever enters the processing set.
	current, err := e.store.GetTask(ctx, t.ID)
	if err != nil {
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "DROP", TaskID: t.ID, Reason: "lookup_failed"})
		e.releaseSlot(t.ID)
		return
	}
	if current.State != task.Pending {
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "DROP_NOT_PENDING", TaskID: t.ID, Reason: string(current.State)})
		return
	}

	e.procMu.Lock()
	e.processing[t.ID] = t
	e.procMu.Unlock()
	defer func() {
		e.procMu.Lock()
		delete(e.processing, t.ID)
		e.procMu.Unlock()
	}()

	handler, err := e.handlers.lookup(t.Name)
	if err != nil {
		t.MarkFailed(err.Error(), time.Now().UTC())
		if uerr := e.store.UpdateTask(ctx, t); uerr != nil {
			logDecision(SchedulingDecision{Component: "dispatcher", Decision: "WRITE_BACK_FAILED", TaskID: t.ID, Reason: uerr.Error()})
		}
		e.metrics.DispatchTotal.WithLabelValues("no_handler").Inc()
		e.releaseSlot(t.ID)
		return
	}

	t.MarkRunning(workerID, time.Now().UTC())
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "WRITE_BACK_FAILED", TaskID: t.ID, Reason: err.Error()})
		e.releaseSlot(t.ID)
		return
	}
	e.metrics.TasksInFlight.Inc()
	defer e.metrics.TasksInFlight.Dec()
	logDecision(SchedulingDecision{Component: "dispatcher", Decision: "DISPATCH", TaskID: t.ID, Name: t.Name, Priority: t.Priority.String(), Attempt: t.Attempts})

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, herr := handler(runCtx, t.Payload)
		resultCh <- handlerResult{result: res, err: herr}
	}()

	var outcome handlerResult
	select {
	case outcome = <-resultCh:
	case <-runCtx.Done():
		outcome = handlerResult{err: ErrTaskTimeout}
	}

	final, err := e.store.GetTask(ctx, t.ID)
	if err == nil && final.State == task.Cancelled {
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "DROP_CANCELLED_POST_RUN", TaskID: t.ID})
		return
	}

	now := time.Now().UTC()
	if outcome.err != nil {
		t.MarkFailed(outcome.err.Error(), now)
		outcomeLabel := "failed"
		if outcome.err == ErrTaskTimeout {
			outcomeLabel = "timeout"
		}
		e.metrics.DispatchTotal.WithLabelValues(outcomeLabel).Inc()
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "FAIL", TaskID: t.ID, Reason: outcome.err.Error(), Attempt: t.Attempts})
		if !t.CanRetry() {
			e.releaseSlot(t.ID)
		}
	} else {
		t.MarkCompleted(outcome.result, now)
		e.metrics.DispatchTotal.WithLabelValues("completed").Inc()
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "COMPLETE", TaskID: t.ID})
		e.releaseSlot(t.ID)
	}

	if err := e.store.UpdateTask(ctx, t); err != nil {
		logDecision(SchedulingDecision{Component: "dispatcher", Decision: "WRITE_BACK_FAILED", TaskID: t.ID, Reason: err.Error()})
	}
}
