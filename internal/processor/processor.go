// ============================================================================
// Retry Queue Processor - Serial Drain Loop
// ============================================================================
//
// Package: internal/processor
// File: processor.go
// Purpose: Owns the retry queue and runs the single processing loop that
//          drains it while the connection is healthy.
//
// Execution model:
//   Operations run strictly serially: at most one drain loop is active and
//   at most one action is in flight at any instant. The loop is started
//   lazily (on enqueue while healthy, or on a health-restored transition)
//   and exits when the queue empties or health degrades. The exit
//   condition is re-checked atomically with releasing the active flag so
//   a trigger racing the exit is never lost. Work left behind stays
//   queued until the next trigger.
//
// Per iteration:
//   1. Stop if the queue is empty.
//   2. Stop if the monitor does not report healthy.
//   3. Invoke the head operation's action and await it to completion.
//   4. Success: remove, deliver the result.
//   5. Failure: bump the retry counter; at the budget (or a non-retryable
//      classification) remove and deliver the error, otherwise move the
//      operation to the tail and wait the linear backoff delay
//      (retryCount x BackoffStep) before the next iteration.
//
// Failure policy:
//   Every failure is retryable by default; the optional Classifier lets a
//   caller mark specific errors terminal without changing the core
//   contract. Callback panics are recovered and logged so a misbehaving
//   callback cannot corrupt queue state.
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SharedMindsApp/retryq/internal/health"
	"github.com/SharedMindsApp/retryq/internal/metrics"
	"github.com/SharedMindsApp/retryq/internal/queue"
	"github.com/SharedMindsApp/retryq/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNilAction is returned when an enqueue request carries no action.
	ErrNilAction = errors.New("operation action is nil")
	// ErrCanceled resolves the handle of an operation removed or cleared
	// before reaching a terminal outcome.
	ErrCanceled = errors.New("operation removed from queue")
)

// ============================================================================
// Configuration and data structures
// ============================================================================

// DefaultMaxRetries is the attempt ceiling applied when a request does not
// specify one.
const DefaultMaxRetries = 3

// DefaultBackoffStep is the base unit of the linear backoff delay.
const DefaultBackoffStep = time.Second

// Config configures a Service. Zero fields fall back to defaults.
type Config struct {
	// MaxRetries is the default attempt ceiling per operation.
	MaxRetries int
	// BackoffStep scales the linear backoff: delay = retryCount * step.
	// Deliberately linear, not exponential: this is a low-volume
	// client-side queue, not a high-throughput server queue.
	BackoffStep time.Duration
	// Classifier decides whether a failure is retryable. Nil retries
	// every failure identically, preserving the default contract.
	Classifier func(error) bool
	// Metrics receives queue instrumentation. Optional.
	Metrics *metrics.Collector
}

// Request describes an operation to enqueue.
type Request struct {
	Action     types.Action
	Context    string // originating component/action name, observability only
	MaxRetries int    // 0 applies the service default
	OnSuccess  func(any)
	OnFailure  func(error)
}

// Handle is the await-style view of a queued operation. Its channel
// delivers the terminal outcome exactly once; the request callbacks
// remain available as optional sugar on top.
type Handle struct {
	ID   types.OperationID
	done chan types.Outcome
}

// Done returns a channel that receives the terminal outcome and is then
// closed.
func (h *Handle) Done() <-chan types.Outcome {
	return h.done
}

// Wait blocks until the operation reaches a terminal outcome or the
// context is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-h.done:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Service owns the retry queue, the processing flag, and the health
// subscription. Instantiate one per backend connection; independent
// services never share state.
type Service struct {
	mu         sync.Mutex
	queue      *queue.Queue
	monitor    health.Monitor
	config     Config
	handles    map[types.OperationID]*Handle
	processing bool
	monitoring bool
	unsub      func()

	seq atomic.Uint64

	// sleep is the backoff wait. Tests substitute it to fast-forward
	// simulated time instead of sleeping.
	sleep func(time.Duration)

	// diagnostic counters
	attempted uint64
	succeeded uint64
	terminal  uint64
}

// ============================================================================
// Construction and public API
// ============================================================================

// NewService creates a retry queue service gated by the given monitor.
func NewService(monitor health.Monitor, config Config) *Service {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.BackoffStep <= 0 {
		config.BackoffStep = DefaultBackoffStep
	}

	return &Service{
		queue:   queue.NewQueue(),
		monitor: monitor,
		config:  config,
		handles: make(map[types.OperationID]*Handle),
		sleep:   time.Sleep,
	}
}

// Enqueue appends an operation to the queue and returns its handle.
// Enqueuing always succeeds unless the request carries no action. If the
// connection is currently healthy and no loop is running, processing is
// triggered; the caller is never blocked on it.
func (s *Service) Enqueue(req Request) (*Handle, error) {
	if req.Action == nil {
		return nil, ErrNilAction
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.MaxRetries
	}

	op := &queue.Operation{
		ID:         s.nextID(),
		Action:     req.Action,
		Context:    req.Context,
		MaxRetries: maxRetries,
		QueuedAt:   time.Now(),
		OnSuccess:  req.OnSuccess,
		OnFailure:  req.OnFailure,
	}

	handle := &Handle{ID: op.ID, done: make(chan types.Outcome, 1)}

	s.mu.Lock()
	s.handles[op.ID] = handle
	s.mu.Unlock()

	// Fresh IDs cannot collide, the duplicate check is a queue invariant.
	if err := s.queue.Push(op); err != nil {
		s.mu.Lock()
		delete(s.handles, op.ID)
		s.mu.Unlock()
		return nil, err
	}

	if s.config.Metrics != nil {
		s.config.Metrics.RecordEnqueue()
		s.config.Metrics.SetQueueDepth(s.queue.Len())
	}

	log.Info("operation queued for retry",
		"context", op.Context,
		"operationID", op.ID,
		"maxRetries", op.MaxRetries,
		"queueSize", s.queue.Len())

	if s.monitor.State().Healthy {
		s.maybeProcess()
	}

	return handle, nil
}

// Remove cancels the operation with the given ID. Absent IDs are a no-op.
// A removed operation's callbacks never fire; its handle resolves with
// ErrCanceled.
func (s *Service) Remove(id types.OperationID) {
	if !s.queue.Remove(id) {
		return
	}

	if s.config.Metrics != nil {
		s.config.Metrics.SetQueueDepth(s.queue.Len())
	}

	log.Info("operation removed from retry queue",
		"operationID", id,
		"queueSize", s.queue.Len())

	s.resolveHandle(id, types.Outcome{Err: ErrCanceled})
}

// Clear empties the queue unconditionally and returns the number of
// operations dropped. No callbacks fire; handles resolve with ErrCanceled.
func (s *Service) Clear() int {
	infos := s.queue.Snapshot()
	cleared := s.queue.Clear()

	if s.config.Metrics != nil {
		s.config.Metrics.SetQueueDepth(0)
	}

	if cleared > 0 {
		log.Info("retry queue cleared", "cleared", cleared)
	}

	for _, info := range infos {
		s.resolveHandle(info.ID, types.Outcome{Err: ErrCanceled})
	}
	return cleared
}

// Operations returns read-only snapshots of all queued operations in
// queue order.
func (s *Service) Operations() []types.OperationInfo {
	return s.queue.Snapshot()
}

// Stats returns diagnostic counters.
func (s *Service) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]int{
		"pending":   s.queue.Len(),
		"attempted": int(s.attempted),
		"succeeded": int(s.succeeded),
		"terminal":  int(s.terminal),
	}
}

// StartMonitoring subscribes to the health monitor so that a transition
// to healthy resumes draining. Calling it while already monitoring is a
// no-op with a logged warning, never a double subscription.
func (s *Service) StartMonitoring() {
	s.mu.Lock()
	if s.monitoring {
		s.mu.Unlock()
		log.Warn("retry queue monitoring already started")
		return
	}
	s.monitoring = true
	s.mu.Unlock()

	unsub := s.monitor.Subscribe(func(state types.HealthState) {
		if s.config.Metrics != nil {
			s.config.Metrics.SetHealth(state)
		}

		if !state.Healthy {
			log.Info("connection degraded, retry queue paused",
				"status", state.Status,
				"queueSize", s.queue.Len())
			return
		}

		if s.queue.Len() > 0 {
			log.Info("connection restored, draining retry queue",
				"queueSize", s.queue.Len())
		}
		s.maybeProcess()
	})

	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	log.Info("retry queue monitoring started")
}

// StopMonitoring removes the health subscription. Queued operations are
// kept; an in-flight drain iteration finishes cooperatively.
func (s *Service) StopMonitoring() {
	s.mu.Lock()
	if !s.monitoring {
		s.mu.Unlock()
		log.Warn("retry queue monitoring not started")
		return
	}
	s.monitoring = false
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	log.Info("retry queue monitoring stopped")
}

// ============================================================================
// Drain loop
// ============================================================================

// maybeProcess starts the drain loop unless one is already active. This
// guard is the single-flight invariant: re-entrant triggers are no-ops.
func (s *Service) maybeProcess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing || s.queue.Len() == 0 {
		return
	}
	s.processing = true
	go s.drain()
}

func (s *Service) drain() {
	for {
		op := s.queue.Head()
		if op == nil {
			if s.finishDrain() {
				return
			}
			continue
		}

		state := s.monitor.State()
		if !state.Healthy {
			if s.finishDrain() {
				log.Info("pausing retry queue drain",
					"status", state.Status,
					"queueSize", s.queue.Len())
				return
			}
			continue
		}

		start := time.Now()
		value, err := s.invoke(op)
		latency := time.Since(start)

		s.mu.Lock()
		s.attempted++
		s.mu.Unlock()

		if s.config.Metrics != nil {
			s.config.Metrics.RecordAttempt(latency.Seconds())
		}

		if err == nil {
			s.completeSuccess(op, value, latency)
			continue
		}

		if delay, ok := s.completeFailure(op, err); ok {
			s.sleep(delay)
		}
	}
}

// finishDrain clears the processing flag, unless work arrived or health
// was restored after the loop's last check. Clearing and re-checking
// happen under the same lock maybeProcess uses, so a concurrent trigger
// that saw the flag still set is guaranteed the loop picks its work up:
// either the trigger ran before this re-check (the re-check sees the
// work and the loop continues) or after the flag was cleared (the
// trigger starts a fresh loop). A false return resumes the loop.
func (s *Service) finishDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() > 0 && s.monitor.State().Healthy {
		return false
	}
	s.processing = false
	return true
}

// invoke runs the operation's action, converting a panic into an error so
// a single misbehaving action cannot take down the loop. The action is
// awaited to completion unconditionally; there is no mid-flight
// cancellation.
func (s *Service) invoke(op *queue.Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op.Action(context.Background())
}

// completeSuccess removes the operation and delivers the result. A false
// return from Remove means the caller canceled the operation while its
// attempt was in flight; the outcome is then discarded.
func (s *Service) completeSuccess(op *queue.Operation, value any, latency time.Duration) {
	if !s.queue.Remove(op.ID) {
		log.Info("operation canceled mid-attempt, discarding result",
			"context", op.Context,
			"operationID", op.ID)
		return
	}

	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()

	if s.config.Metrics != nil {
		s.config.Metrics.RecordSuccess()
		s.config.Metrics.SetQueueDepth(s.queue.Len())
	}

	log.Info("queued operation succeeded",
		"context", op.Context,
		"operationID", op.ID,
		"retryCount", op.RetryCount,
		"duration", latency,
		"queueSize", s.queue.Len())

	s.runCallback(op, func() {
		if op.OnSuccess != nil {
			op.OnSuccess(value)
		}
	})
	s.resolveHandle(op.ID, types.Outcome{Value: value})
}

// completeFailure applies the retry policy to a failed attempt. It
// returns the backoff delay and true when the operation was requeued.
func (s *Service) completeFailure(op *queue.Operation, attemptErr error) (time.Duration, bool) {
	retryCount, err := s.queue.IncrementRetry(op.ID)
	if err != nil {
		// Canceled while the attempt was in flight.
		log.Info("operation canceled mid-attempt, discarding failure",
			"context", op.Context,
			"operationID", op.ID)
		return 0, false
	}

	retryable := s.config.Classifier == nil || s.config.Classifier(attemptErr)

	if !retryable || retryCount >= op.MaxRetries {
		s.queue.Remove(op.ID)

		s.mu.Lock()
		s.terminal++
		s.mu.Unlock()

		if s.config.Metrics != nil {
			s.config.Metrics.RecordTerminalFailure()
			s.config.Metrics.SetQueueDepth(s.queue.Len())
		}

		log.Error("queued operation failed permanently",
			"context", op.Context,
			"operationID", op.ID,
			"retryCount", retryCount,
			"maxRetries", op.MaxRetries,
			"queueSize", s.queue.Len(),
			"error", attemptErr)

		s.runCallback(op, func() {
			if op.OnFailure != nil {
				op.OnFailure(attemptErr)
			}
		})
		s.resolveHandle(op.ID, types.Outcome{Err: attemptErr})
		return 0, false
	}

	// Requeue at the tail so other pending operations get a turn before
	// the next attempt.
	if err := s.queue.MoveToTail(op.ID); err != nil {
		return 0, false
	}

	if s.config.Metrics != nil {
		s.config.Metrics.RecordRetry()
	}

	delay := time.Duration(retryCount) * s.config.BackoffStep

	log.Warn("queued operation failed, will retry",
		"context", op.Context,
		"operationID", op.ID,
		"retryCount", retryCount,
		"maxRetries", op.MaxRetries,
		"backoff", delay,
		"queueSize", s.queue.Len(),
		"error", attemptErr)

	return delay, true
}

// runCallback executes a caller-supplied callback, recovering a panic so
// it cannot abort the drain loop. The operation has already left the
// queue by the time its callback runs.
func (s *Service) runCallback(op *queue.Operation, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("operation callback panicked",
				"context", op.Context,
				"operationID", op.ID,
				"error", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// resolveHandle delivers the terminal outcome exactly once.
func (s *Service) resolveHandle(id types.OperationID, out types.Outcome) {
	s.mu.Lock()
	handle, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	handle.done <- out
	close(handle.done)
}

func (s *Service) nextID() types.OperationID {
	return types.OperationID(fmt.Sprintf("op-%d-%d", s.seq.Add(1), time.Now().UnixNano()))
}
