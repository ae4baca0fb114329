// Package engine implements the durable priority task queue: admission,
// dispatch, scheduling, retry, cancellation, and crash recovery on top of
// the storage and queue packages. Its shape is grounded on the teacher's
// control_plane/scheduler.Scheduler, generalized away from the teacher's
// distributed/multi-tenant concerns (sharding, leader election, circuit
// breaking, tenant rate limiting) which are outside this engine's scope.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mohsinsiddi/taskqueue/internal/observability"
	"github.com/mohsinsiddi/taskqueue/internal/queue"
	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// ErrTaskTimeout is recorded as the failure reason when a handler does
// not return before its task's timeout elapses.
var ErrTaskTimeout = errors.New("engine: task execution timed out")

// Config holds the engine's runtime tunables, sourced from
// internal/config in a real deployment.
type Config struct {
	MaxConcurrentTasks    int
	TaskTimeout           time.Duration
	RetryInterval         time.Duration
	SchedulerTickInterval time.Duration
}

// Engine is the single-process task queue: one priority-ordered ready
// queue, a bounded-concurrency dispatcher, and two periodic controllers
// (scheduler tick, retry) layered over a durable Store.
//
// Admission control is a pool of slots sized MaxConcurrentTasks (the
// executing budget) plus an inbound buffer of 2*MaxConcurrentTasks (the
// waiting budget). A task holds its slot from admission until it reaches
// a terminal outcome or is exhausted of retries; a Failed-but-retryable
// task keeps its slot across retries rather than re-competing for one.
type Engine struct {
	store    storage.Store
	handlers *HandlerRegistry
	metrics  *observability.Metrics
	cfg      Config

	slots chan struct{}
	ready *queue.ThreadSafeQueue
	work  chan *task.Task
	wake  chan struct{}

	procMu     sync.Mutex
	processing map[string]*task.Task
	admitted   map[string]bool

	// reclaimLimiter smooths the write-back rate of ReclaimOrphaned; see
	// its use in recovery.go.
	reclaimLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

// New constructs an Engine. Call Start before submitting work.
func New(store storage.Store, handlers *HandlerRegistry, cfg Config) *Engine {
	return NewWithRegistry(store, handlers, observability.NewMetrics(prometheus.NewRegistry()), cfg)
}

// NewWithRegistry is like New but accepts an explicit Metrics instance,
// so callers that already own a Prometheus registry (cmd/queued) can
// share it instead of getting a private one.
func NewWithRegistry(store storage.Store, handlers *HandlerRegistry, metrics *observability.Metrics, cfg Config) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.SchedulerTickInterval <= 0 {
		cfg.SchedulerTickInterval = 15 * time.Second
	}
	capacity := cfg.MaxConcurrentTasks + cfg.MaxConcurrentTasks*2
	return &Engine{
		store:      store,
		handlers:   handlers,
		metrics:    metrics,
		cfg:        cfg,
		slots:      make(chan struct{}, capacity),
		ready:      queue.New(),
		work:       make(chan *task.Task),
		wake:       make(chan struct{}, 1),
		processing:     make(map[string]*task.Task),
		admitted:       make(map[string]bool),
		reclaimLimiter: rate.NewLimiter(rate.Limit(50), 10),
	}
}

// Start runs schema setup, recovers durable state into the ready queue,
// and spins up the dispatcher, scheduler tick, and retry loops. Calling
// Start on an engine that is already running returns an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.store.Setup(ctx); err != nil {
		return fmt.Errorf("engine: setup: %w", err)
	}
	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(3)
	go e.dispatch()
	go e.schedulerLoop()
	go e.retryLoop()

	for i := 0; i < e.cfg.MaxConcurrentTasks; i++ {
		e.wg.Add(1)
		go e.worker(fmt.Sprintf("worker-%d", i))
	}
	return nil
}

// Stop cancels every background loop and waits for in-flight goroutines
// to exit. Running task handlers are not aborted; Stop only stops new
// dispatch.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.ready.Clear()
}

// Submit validates and durably persists t, then admits it into the ready
// queue (or schedules a future promotion) per spec.md §4.2.
func (e *Engine) Submit(ctx context.Context, t *task.Task) error {
	if t.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	if err := e.store.CreateTask(ctx, t); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("engine: submit: %w", err)
	}

	now := time.Now().UTC()
	if t.State == task.Scheduled && t.ScheduledAt != nil && t.ScheduledAt.After(now) {
		e.scheduleDelayedPromotion(t.ID, *t.ScheduledAt)
		logDecision(SchedulingDecision{Component: "engine", Decision: "SCHEDULE", TaskID: t.ID, Name: t.Name, Priority: t.Priority.String()})
		return nil
	}
	if t.State == task.Scheduled {
		// Already due: promote now so the dispatcher's Pending-only
		// re-read accepts it instead of dropping it.
		t.MarkPendingForRetry(now)
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("engine: submit: %w", err)
		}
	}

	return e.admit(t)
}

// admit acquires a fresh slot for t and pushes it onto the ready queue,
// rejecting with ErrQueueFull if the pipeline (executing + waiting) is
// already at capacity. The task remains durably Pending either way and
// will be picked up on the next restart's Recover even if rejected here.
func (e *Engine) admit(t *task.Task) error {
	select {
	case e.slots <- struct{}{}:
		e.procMu.Lock()
		e.admitted[t.ID] = true
		e.procMu.Unlock()
		e.readmit(t)
		return nil
	default:
		e.metrics.RejectionsTotal.WithLabelValues("queue_full").Inc()
		logDecision(SchedulingDecision{Component: "engine", Decision: "REJECT", TaskID: t.ID, Name: t.Name, Reason: "queue_full"})
		return ErrQueueFull
	}
}

// readmit pushes an already-slotted task back onto the ready queue: used
// for retry promotions (the slot was never released) and for recovery
// (which bypasses admission control entirely, since durable state from
// before a restart must never be dropped for capacity reasons).
func (e *Engine) readmit(t *task.Task) {
	e.ready.Push(t)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// releaseSlot returns a task's admission slot to the pool. Safe to call
// for a task that never held one (no-op).
func (e *Engine) releaseSlot(id string) {
	e.procMu.Lock()
	held := e.admitted[id]
	delete(e.admitted, id)
	e.procMu.Unlock()
	if !held {
		return
	}
	select {
	case <-e.slots:
	default:
	}
}

// scheduleDelayedPromotion wakes at `at` and re-reads the task so a
// concurrent Cancel is honored instead of resurrecting a cancelled task.
func (e *Engine) scheduleDelayedPromotion(id string, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		t, err := e.store.GetTask(context.Background(), id)
		if err != nil || t.State != task.Scheduled {
			return
		}
		t.MarkPendingForRetry(time.Now().UTC())
		if err := e.store.UpdateTask(context.Background(), t); err != nil {
			return
		}
		_ = e.admit(t)
	})
}

// Get returns a single task by ID.
func (e *Engine) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// Cancel marks a task Cancelled, unless it has already completed
// successfully. Cancellation is cooperative: a task already running
// finishes its current attempt, but its result is discarded on write-back
// because the dispatcher re-reads state before persisting the outcome.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := task.ValidateCancel(t.State); err != nil {
		return err
	}

	t.MarkCancelled(time.Now().UTC())
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}

	e.procMu.Lock()
	delete(e.processing, id)
	e.procMu.Unlock()
	e.releaseSlot(id)

	logDecision(SchedulingDecision{Component: "engine", Decision: "CANCEL", TaskID: id})
	return nil
}

// List returns a filtered, paginated view of tasks.
func (e *Engine) List(ctx context.Context, filter storage.ListFilter) ([]*task.Task, int, error) {
	return e.store.GetTasks(ctx, filter)
}

// Counts reports the current population by state and by priority.
func (e *Engine) Counts(ctx context.Context) (byState map[task.State]int, byPriority map[task.Priority]int, err error) {
	byState, err = e.store.CountTasksByState(ctx)
	if err != nil {
		return nil, nil, err
	}
	byPriority, err = e.store.CountTasksByPriority(ctx)
	if err != nil {
		return nil, nil, err
	}
	return byState, byPriority, nil
}
