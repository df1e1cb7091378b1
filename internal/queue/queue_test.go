package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SharedMindsApp/retryq/pkg/types"
)

// ============================================================================
// Test helper functions
// ============================================================================

func newTestOperation(id string) *Operation {
	return &Operation{
		ID:         types.OperationID(id),
		Action:     func(ctx context.Context) (any, error) { return nil, nil },
		Context:    "test.op",
		MaxRetries: 3,
		QueuedAt:   time.Now(),
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertOrder(t *testing.T, q *Queue, want []string) {
	t.Helper()
	infos := q.Snapshot()
	if len(infos) != len(want) {
		t.Errorf("queue length: got %d, want %d", len(infos), len(want))
		return
	}
	for i, id := range want {
		if infos[i].ID != types.OperationID(id) {
			t.Errorf("position %d: got %s, want %s", i, infos[i].ID, id)
		}
	}
}

// ============================================================================
// Unit tests
// ============================================================================

func TestNewQueue(t *testing.T) {
	q := NewQueue()

	if q.Len() != 0 {
		t.Errorf("new queue length: got %d, want 0", q.Len())
	}
	if q.Head() != nil {
		t.Error("new queue head should be nil")
	}
	if len(q.Snapshot()) != 0 {
		t.Error("new queue snapshot should be empty")
	}
}

func TestPush(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Queue)
		op      *Operation
		wantErr error
	}{
		{
			name:    "single operation",
			setup:   func(q *Queue) {},
			op:      newTestOperation("op-1"),
			wantErr: nil,
		},
		{
			name:    "second operation appends",
			setup:   func(q *Queue) { q.Push(newTestOperation("op-1")) },
			op:      newTestOperation("op-2"),
			wantErr: nil,
		},
		{
			name:    "duplicate ID rejected",
			setup:   func(q *Queue) { q.Push(newTestOperation("op-1")) },
			op:      newTestOperation("op-1"),
			wantErr: ErrDuplicateOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			tt.setup(q)

			err := q.Push(tt.op)

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
			} else {
				assertNoError(t, err)
				infos := q.Snapshot()
				last := infos[len(infos)-1]
				if last.ID != tt.op.ID {
					t.Errorf("tail: got %s, want %s", last.ID, tt.op.ID)
				}
			}
		})
	}
}

func TestHead(t *testing.T) {
	q := NewQueue()
	q.Push(newTestOperation("op-1"))
	q.Push(newTestOperation("op-2"))

	head := q.Head()
	if head == nil || head.ID != "op-1" {
		t.Fatalf("head: got %v, want op-1", head)
	}

	// Head does not remove.
	if q.Len() != 2 {
		t.Errorf("length after Head: got %d, want 2", q.Len())
	}
	if again := q.Head(); again == nil || again.ID != "op-1" {
		t.Error("Head should be stable until the operation leaves the queue")
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*Queue)
		id        string
		want      bool
		wantOrder []string
	}{
		{
			name:      "absent ID is a no-op",
			setup:     func(q *Queue) {},
			id:        "op-1",
			want:      false,
			wantOrder: []string{},
		},
		{
			name: "remove head",
			setup: func(q *Queue) {
				q.Push(newTestOperation("op-1"))
				q.Push(newTestOperation("op-2"))
			},
			id:        "op-1",
			want:      true,
			wantOrder: []string{"op-2"},
		},
		{
			name: "remove middle preserves order",
			setup: func(q *Queue) {
				q.Push(newTestOperation("op-1"))
				q.Push(newTestOperation("op-2"))
				q.Push(newTestOperation("op-3"))
			},
			id:        "op-2",
			want:      true,
			wantOrder: []string{"op-1", "op-3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			tt.setup(q)

			got := q.Remove(types.OperationID(tt.id))

			if got != tt.want {
				t.Errorf("Remove(%s): got %v, want %v", tt.id, got, tt.want)
			}
			assertOrder(t, q, tt.wantOrder)
		})
	}
}

func TestMoveToTail(t *testing.T) {
	q := NewQueue()
	q.Push(newTestOperation("op-1"))
	q.Push(newTestOperation("op-2"))
	q.Push(newTestOperation("op-3"))

	assertNoError(t, q.MoveToTail("op-1"))
	assertOrder(t, q, []string{"op-2", "op-3", "op-1"})

	// Moving the tail keeps it at the tail.
	assertNoError(t, q.MoveToTail("op-1"))
	assertOrder(t, q, []string{"op-2", "op-3", "op-1"})

	assertError(t, q.MoveToTail("missing"), ErrOperationNotFound)
}

func TestIncrementRetry(t *testing.T) {
	q := NewQueue()
	q.Push(newTestOperation("op-1"))

	for want := 1; want <= 3; want++ {
		got, err := q.IncrementRetry("op-1")
		assertNoError(t, err)
		if got != want {
			t.Errorf("retry count: got %d, want %d", got, want)
		}
	}

	// Counter survives repositioning: same record, not a new one.
	assertNoError(t, q.MoveToTail("op-1"))
	infos := q.Snapshot()
	if infos[0].RetryCount != 3 {
		t.Errorf("retry count after move: got %d, want 3", infos[0].RetryCount)
	}

	_, err := q.IncrementRetry("missing")
	assertError(t, err, ErrOperationNotFound)
}

func TestClear(t *testing.T) {
	q := NewQueue()

	// Clearing an empty queue is a no-op.
	if got := q.Clear(); got != 0 {
		t.Errorf("clear empty: got %d, want 0", got)
	}

	q.Push(newTestOperation("op-1"))
	q.Push(newTestOperation("op-2"))

	if got := q.Clear(); got != 2 {
		t.Errorf("clear: got %d, want 2", got)
	}
	if q.Len() != 0 {
		t.Errorf("length after clear: got %d, want 0", q.Len())
	}

	// The queue remains usable after a clear.
	assertNoError(t, q.Push(newTestOperation("op-1")))
	if q.Len() != 1 {
		t.Errorf("length after re-push: got %d, want 1", q.Len())
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	q := NewQueue()
	q.Push(newTestOperation("op-1"))

	infos := q.Snapshot()
	infos[0].RetryCount = 99

	fresh := q.Snapshot()
	if fresh[0].RetryCount != 0 {
		t.Error("mutating a snapshot must not affect queue state")
	}
}

func TestQueuedAtNotRefreshedOnRequeue(t *testing.T) {
	q := NewQueue()
	op := newTestOperation("op-1")
	queuedAt := op.QueuedAt
	q.Push(op)

	q.IncrementRetry("op-1")
	q.MoveToTail("op-1")

	infos := q.Snapshot()
	if !infos[0].QueuedAt.Equal(queuedAt) {
		t.Error("QueuedAt must be fixed at first enqueue")
	}
}

// ============================================================================
// Concurrent tests
// ============================================================================

func TestConcurrentPush(t *testing.T) {
	q := NewQueue()

	const numGoroutines = 10
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*opsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				op := newTestOperation(fmt.Sprintf("op-%d-%d", n, j))
				if err := q.Push(op); err != nil {
					errs <- err
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent push error: %v", err)
	}

	if q.Len() != numGoroutines*opsPerGoroutine {
		t.Errorf("length: got %d, want %d", q.Len(), numGoroutines*opsPerGoroutine)
	}
}

func TestConcurrentMixed(t *testing.T) {
	q := NewQueue()

	const numGoroutines = 5
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("op-%d-%d", n, j)
				q.Push(newTestOperation(id))
				q.IncrementRetry(types.OperationID(id))
				q.MoveToTail(types.OperationID(id))
				q.Snapshot()
				q.Remove(types.OperationID(id))
			}
		}(i)
	}

	wg.Wait()

	if q.Len() != 0 {
		t.Errorf("length after mixed ops: got %d, want 0", q.Len())
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkPush(b *testing.B) {
	q := NewQueue()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Push(newTestOperation(fmt.Sprintf("op-%d", i)))
	}
}

func BenchmarkSnapshot(b *testing.B) {
	q := NewQueue()
	for i := 0; i < 100; i++ {
		q.Push(newTestOperation(fmt.Sprintf("op-%d", i)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Snapshot()
	}
}
