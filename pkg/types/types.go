// Package types defines the core domain models shared by the retry queue
// subsystem: queued operation snapshots, connection health states, and
// terminal outcomes.
package types

import (
	"context"
	"time"
)

// OperationID uniquely identifies a queued operation. IDs are generated at
// enqueue time and stay stable across retries.
type OperationID string

// HealthStatus classifies the connection health reported by a monitor.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"   // backend reachable, queue may drain
	StatusDegraded  HealthStatus = "degraded"  // intermittent probe failures, treated as not healthy
	StatusUnhealthy HealthStatus = "unhealthy" // backend unreachable
)

// HealthState is the snapshot a connection health monitor exposes. The
// queue only gates on the boolean projection; Status carries the richer
// classification for logging and metrics.
type HealthState struct {
	Healthy bool         `json:"healthy"`
	Status  HealthStatus `json:"status"`
}

// Action is the unit of work held by the queue: an opaque, asynchronous,
// side-effecting callable. The queue never inspects its semantics, it only
// observes success or failure.
type Action func(ctx context.Context) (any, error)

// Outcome is the terminal result of an operation: either the value from
// the successful attempt or the error that ended its lifecycle.
type Outcome struct {
	Value any
	Err   error
}

// OperationInfo is a read-only snapshot of a queued operation, exposed for
// diagnostics. It deliberately carries no mutable references into the
// queue's internal state.
type OperationInfo struct {
	ID         OperationID `json:"id"`
	Context    string      `json:"context"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	QueuedAt   time.Time   `json:"queued_at"`
}
