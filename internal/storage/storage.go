// Package storage defines the persistence contract consumed by the queue
// engine, independent of the concrete backend (§6.1 of the spec).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// Sentinel errors surfaced by every Store implementation. Callers should
// use errors.Is against these rather than comparing backend-specific
// error types.
var (
	ErrNotFound      = errors.New("storage: task not found")
	ErrAlreadyExists = errors.New("storage: task already exists")
)

// ListFilter narrows a GetTasks call. Zero values mean "no filter" except
// Limit, where 0 means "no limit".
type ListFilter struct {
	State    *task.State
	Priority *task.Priority
	Limit    int
	Offset   int
}

// Store is the persistence contract the engine depends on. Every method
// is asynchronous in the sense that it may suspend on I/O; callers must
// never hold the engine's in-memory locks across a Store call (§5).
type Store interface {
	// Setup idempotently ensures the schema (and its indexes on state,
	// priority, scheduled_at, created_at) exists.
	Setup(ctx context.Context) error

	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	DeleteTask(ctx context.Context, id string) error

	// GetTasks returns a filtered, created_at-descending listing.
	GetTasks(ctx context.Context, filter ListFilter) ([]*task.Task, int, error)

	// GetScheduledTasks returns Scheduled tasks due at or before `before`,
	// ordered by priority descending then scheduled_at ascending.
	GetScheduledTasks(ctx context.Context, before time.Time) ([]*task.Task, error)

	// GetFailedTasksForRetry returns Failed tasks with attempts <
	// max_attempts, ordered by priority descending then updated_at
	// ascending.
	GetFailedTasksForRetry(ctx context.Context) ([]*task.Task, error)

	CountTasksByState(ctx context.Context) (map[task.State]int, error)
	CountTasksByPriority(ctx context.Context) (map[task.Priority]int, error)

	Close() error
}
