// ============================================================================
// Connection Health Monitor Contract
// ============================================================================
//
// Package: internal/health
// File: monitor.go
// Purpose: Defines the abstraction the retry queue gates on, plus a
//          manually driven implementation.
//
// Motivation:
//   The queue must not own the probing transport. Decoupling behind a
//   Monitor interface lets the processor run against any health source:
//
//   - ManualMonitor: state is set explicitly. Used by tests and by hosts
//     that already track connectivity themselves.
//   - PollingMonitor (polling.go): turns a periodic probe function into a
//     transition-notifying monitor.
//
//   Subscribers are notified on state transitions only, never on every
//   probe. This is the sole coupling point between the health subsystem
//   and the queue.
//
// ============================================================================

package health

import (
	"sync"

	"github.com/SharedMindsApp/retryq/pkg/types"
)

// Monitor is the contract the retry queue consumes.
type Monitor interface {
	// State returns a synchronous snapshot of the current health.
	State() types.HealthState

	// Subscribe registers a callback invoked on every health-state
	// transition with the new state. The returned function removes the
	// subscription; calling it more than once is a no-op.
	Subscribe(fn func(types.HealthState)) (unsubscribe func())
}

// stateFor projects a status onto the boolean gate. Degraded counts as
// not healthy: the queue holds work until the connection is confirmed.
func stateFor(status types.HealthStatus) types.HealthState {
	return types.HealthState{
		Healthy: status == types.StatusHealthy,
		Status:  status,
	}
}

// ============================================================================
// ManualMonitor
// ============================================================================

// ManualMonitor is a Monitor whose state is set explicitly via SetStatus.
type ManualMonitor struct {
	mu     sync.Mutex
	state  types.HealthState
	subs   map[int]func(types.HealthState)
	nextID int
}

// NewManualMonitor creates a monitor reporting the given initial status.
func NewManualMonitor(initial types.HealthStatus) *ManualMonitor {
	return &ManualMonitor{
		state: stateFor(initial),
		subs:  make(map[int]func(types.HealthState)),
	}
}

// State returns the current health snapshot.
func (m *ManualMonitor) State() types.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetStatus updates the status and notifies subscribers if it changed.
func (m *ManualMonitor) SetStatus(status types.HealthStatus) {
	m.mu.Lock()
	if m.state.Status == status {
		m.mu.Unlock()
		return
	}
	m.state = stateFor(status)
	state := m.state
	fns := make([]func(types.HealthState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock so a subscriber may call back into
	// the monitor.
	for _, fn := range fns {
		fn(state)
	}
}

// Subscribe registers a transition callback.
func (m *ManualMonitor) Subscribe(fn func(types.HealthState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (m *ManualMonitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
