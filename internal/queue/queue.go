// Package queue implements the in-memory ready queue the dispatcher pops
// from: a priority heap ordered strictly by (priority desc, created_at
// asc), with no aging — unlike the teacher's anti-starvation scheduler,
// this queue never lets age affect ordering, since the spec treats
// priority inversion for long-waiting low-priority tasks as acceptable.
package queue

import (
	"container/heap"
	"sync"

	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// entry is one heap slot. seq breaks ties when CreatedAt is identical,
// keeping Push order stable within a priority class.
type entry struct {
	task *task.Task
	seq  uint64
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return b.task.Priority.Less(a.task.Priority) // higher priority first
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// ThreadSafeQueue is a mutex-guarded priority queue of ready-to-run tasks.
// It holds no storage reference: callers are responsible for persisting
// state changes before or after queue operations (§5 of the spec forbids
// holding this queue's lock across a storage call).
type ThreadSafeQueue struct {
	mu   sync.Mutex
	h    taskHeap
	next uint64
}

// New returns an empty queue ready to use.
func New() *ThreadSafeQueue {
	q := &ThreadSafeQueue{h: make(taskHeap, 0)}
	heap.Init(&q.h)
	return q
}

// Push adds t to the queue. Re-pushing a task already present is the
// caller's mistake, not this queue's concern — the dispatcher's re-read
// guard is what makes a duplicate push harmless.
func (q *ThreadSafeQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &entry{task: t, seq: q.next})
	q.next++
}

// Pop removes and returns the highest-priority, oldest task, or nil if
// the queue is empty.
func (q *ThreadSafeQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	return e.task
}

// Peek returns the highest-priority, oldest task without removing it, or
// nil if the queue is empty.
func (q *ThreadSafeQueue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].task
}

func (q *ThreadSafeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *ThreadSafeQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops every queued task without returning them, used only during
// shutdown.
func (q *ThreadSafeQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = q.h[:0]
}
