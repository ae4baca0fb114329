package engine

import "errors"

// Sentinel errors surfaced by the engine's public operations, per the
// error taxonomy in spec.md §7. Get and Cancel translate
// storage.ErrNotFound into ErrNotFound; Submit returns
// storage.ErrAlreadyExists unchanged and wraps other storage errors.
var (
	// ErrQueueFull is returned by Submit when the admission slot pool
	// (executing plus waiting) is full; the task has already been persisted
	// as Pending and is loaded again by Recover on the next start.
	ErrQueueFull = errors.New("engine: queue is full")

	// ErrNotFound is returned when an operation targets an unknown task ID.
	ErrNotFound = errors.New("engine: task not found")

	// ErrInvalidMaxAttempts is returned by Submit for a non-positive
	// max_attempts.
	ErrInvalidMaxAttempts = errors.New("engine: max_attempts must be positive")

	// ErrNoHandler is returned when a task names a handler that was never
	// registered.
	ErrNoHandler = errors.New("engine: no handler registered for task name")

	// ErrNotRunning reports that the engine's background loops are not
	// active. No Engine method in this package returns it.
	ErrNotRunning = errors.New("engine: engine is not running")
)
