// Package task defines the Task entity and its lifecycle state machine.
package task

import (
	"time"

	"github.com/google/uuid"
)

// State is one of the six lifecycle states a Task can be in.
type State string

const (
	Pending   State = "pending"
	Scheduled State = "scheduled"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed from s,
// except Failed, which may still transition back to Pending for retry.
func (s State) IsTerminal() bool {
	return s == Completed || s == Cancelled
}

// Priority is the total order Critical > High > Medium > Low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) String() string { return string(p) }

// rank returns a sortable weight; higher is more urgent.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Less reports whether p is strictly lower priority than other.
func (p Priority) Less(other Priority) bool {
	return p.rank() < other.rank()
}

// Task is the single first-class entity of the queue engine.
type Task struct {
	ID          string
	Name        string
	Payload     []byte // opaque structured value, preserved verbatim
	State       State
	Priority    Priority
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	WorkerID    string
	Result      []byte
	Tags        []string
}

// New builds a Task in state Pending with sensible defaults. Use the
// With* helpers to customize before submission.
func New(name string, payload []byte) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     payload,
		State:       Pending,
		Priority:    PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: 3,
		Tags:        []string{},
	}
}

// WithPriority sets the task's priority.
func (t *Task) WithPriority(p Priority) *Task {
	t.Priority = p
	return t
}

// WithSchedule marks the task Scheduled for a future time.
func (t *Task) WithSchedule(at time.Time) *Task {
	t.ScheduledAt = &at
	t.State = Scheduled
	return t
}

// WithMaxAttempts overrides the default attempt budget.
func (t *Task) WithMaxAttempts(n int) *Task {
	t.MaxAttempts = n
	return t
}

// WithTags attaches informational labels.
func (t *Task) WithTags(tags []string) *Task {
	t.Tags = tags
	return t
}

// IsReadyToRun reports whether the task can be dispatched now.
func (t *Task) IsReadyToRun(now time.Time) bool {
	switch t.State {
	case Pending:
		return true
	case Scheduled:
		return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
	default:
		return false
	}
}

// CanRetry reports whether a Failed task still has attempt budget left.
func (t *Task) CanRetry() bool {
	return t.State == Failed && t.Attempts < t.MaxAttempts
}

// MarkRunning transitions the task into Running, stamping worker identity.
func (t *Task) MarkRunning(workerID string, now time.Time) {
	t.State = Running
	t.WorkerID = workerID
	t.StartedAt = &now
	t.UpdatedAt = now
}

// MarkCompleted transitions the task into its terminal success state. The
// successful run counts as a completed attempt, same as a failed one.
func (t *Task) MarkCompleted(result []byte, now time.Time) {
	t.State = Completed
	t.Result = result
	t.Attempts++
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed records a failed attempt. CompletedAt is set only once the
// attempt budget is exhausted, per invariant 3 in spec.md §3.
func (t *Task) MarkFailed(errMsg string, now time.Time) {
	t.State = Failed
	t.LastError = errMsg
	t.Attempts++
	t.UpdatedAt = now
	if t.Attempts >= t.MaxAttempts {
		t.CompletedAt = &now
	}
}

// MarkCancelled transitions the task into Cancelled, which is permanent.
func (t *Task) MarkCancelled(now time.Time) {
	t.State = Cancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkPendingForRetry resets a Failed task to Pending for re-dispatch.
func (t *Task) MarkPendingForRetry(now time.Time) {
	t.State = Pending
	t.UpdatedAt = now
}

// Clone returns a deep-enough copy safe to hand across goroutine
// boundaries without sharing the slice/pointer backing arrays.
func (t *Task) Clone() *Task {
	c := *t
	if t.ScheduledAt != nil {
		v := *t.ScheduledAt
		c.ScheduledAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}
