// ============================================================================
// Retry Queue Storage
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Ordered, mutable collection of pending operations.
//
// Design:
//   Hybrid layout for efficiency and consistency:
//   1. ops map   - single source of truth, O(1) lookup by ID
//   2. order     - OperationID slice preserving queue order (FIFO with
//                  tail-reinsertion on retry)
//
// Invariants:
//   - The queue never holds two operations with the same ID. Retries
//     reposition the existing record; they never duplicate it.
//   - RetryCount is mutated only through IncrementRetry, under the queue
//     lock, so snapshots always observe a consistent counter.
//   - QueuedAt is set once at first enqueue and never refreshed on
//     requeue; it measures total queue age.
//
// Concurrency:
//   All data structures are guarded by a sync.Mutex. The queue does not
//   execute anything; the processor is the only caller that advances an
//   operation's lifecycle.
//
// ============================================================================

package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/SharedMindsApp/retryq/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrDuplicateOperation is returned when an operation ID is already queued.
	ErrDuplicateOperation = errors.New("operation already queued")
	// ErrOperationNotFound is returned when the operation is not in the queue.
	ErrOperationNotFound = errors.New("operation not found")
)

// ============================================================================
// Data structures
// ============================================================================

// Operation is the queued unit of work. The queue owns its position and
// retry counter; everything else is immutable after construction.
type Operation struct {
	ID         types.OperationID
	Action     types.Action
	Context    string // originating component/action name, observability only
	MaxRetries int
	RetryCount int
	QueuedAt   time.Time
	OnSuccess  func(any)
	OnFailure  func(error)
}

// Queue holds pending operations in order. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	ops   map[types.OperationID]*Operation
	order []types.OperationID
}

// ============================================================================
// Core methods
// ============================================================================

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ops:   make(map[types.OperationID]*Operation),
		order: make([]types.OperationID, 0),
	}
}

// Push appends the operation to the tail. Returns ErrDuplicateOperation if
// an operation with the same ID is already queued.
func (q *Queue) Push(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ops[op.ID]; exists {
		return ErrDuplicateOperation
	}

	q.ops[op.ID] = op
	q.order = append(q.order, op.ID)
	return nil
}

// Head returns the operation at the front of the queue without removing
// it, or nil if the queue is empty. The head stays queued while its
// attempt is in flight; it leaves the queue only on a terminal outcome or
// explicit removal.
func (q *Queue) Head() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	return q.ops[q.order[0]]
}

// Remove deletes the operation with the given ID. Returns false if the
// operation is not queued; absence is not an error, callers use the
// result to detect a concurrent cancellation.
func (q *Queue) Remove(id types.OperationID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ops[id]; !exists {
		return false
	}

	delete(q.ops, id)
	q.order = removeID(q.order, id)
	return true
}

// MoveToTail repositions the operation behind every other queued
// operation, so a failing head does not block the rest of the queue.
func (q *Queue) MoveToTail(id types.OperationID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ops[id]; !exists {
		return ErrOperationNotFound
	}

	q.order = removeID(q.order, id)
	q.order = append(q.order, id)
	return nil
}

// IncrementRetry bumps the operation's retry counter and returns the new
// value. This is the only mutation path for RetryCount.
func (q *Queue) IncrementRetry(id types.OperationID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, exists := q.ops[id]
	if !exists {
		return 0, ErrOperationNotFound
	}

	op.RetryCount++
	return op.RetryCount, nil
}

// Clear empties the queue unconditionally and returns the number of
// operations removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := len(q.order)
	q.ops = make(map[types.OperationID]*Operation)
	q.order = q.order[:0]
	return cleared
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Snapshot returns read-only copies of all queued operations in queue
// order. Callbacks and actions are not exposed.
func (q *Queue) Snapshot() []types.OperationInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]types.OperationInfo, 0, len(q.order))
	for _, id := range q.order {
		op := q.ops[id]
		infos = append(infos, types.OperationInfo{
			ID:         op.ID,
			Context:    op.Context,
			RetryCount: op.RetryCount,
			MaxRetries: op.MaxRetries,
			QueuedAt:   op.QueuedAt,
		})
	}
	return infos
}

// removeID returns order with the first occurrence of id removed.
func removeID(order []types.OperationID, id types.OperationID) []types.OperationID {
	for i, candidate := range order {
		if candidate == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
