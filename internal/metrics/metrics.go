// ============================================================================
// Retry Queue Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes retry queue metrics for Prometheus.
//
// Metric classes:
//
//   1. Counters (cumulative):
//      - retryq_operations_enqueued_total
//      - retryq_attempts_total
//      - retryq_operations_succeeded_total
//      - retryq_operations_retried_total
//      - retryq_operations_failed_total   (terminal failures)
//
//   2. Histogram:
//      - retryq_attempt_latency_seconds: per-attempt latency distribution
//
//   3. Gauges (instantaneous):
//      - retryq_queue_depth: operations currently queued
//      - retryq_connection_healthy: 1 when the monitor reports healthy
//
// Exposed through /metrics via promhttp, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SharedMindsApp/retryq/pkg/types"
)

// Collector bundles the retry queue's Prometheus metrics.
type Collector struct {
	opsEnqueued  prometheus.Counter
	attempts     prometheus.Counter
	opsSucceeded prometheus.Counter
	opsRetried   prometheus.Counter
	opsFailed    prometheus.Counter

	attemptLatency prometheus.Histogram

	queueDepth        prometheus.Gauge
	connectionHealthy prometheus.Gauge
}

// NewCollector creates and registers all retry queue metrics.
func NewCollector() *Collector {
	c := &Collector{
		opsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_operations_enqueued_total",
			Help: "Total number of operations enqueued for retry",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_attempts_total",
			Help: "Total number of operation attempts",
		}),
		opsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_operations_succeeded_total",
			Help: "Total number of operations that completed successfully",
		}),
		opsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_operations_retried_total",
			Help: "Total number of failed attempts that were requeued",
		}),
		opsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_operations_failed_total",
			Help: "Total number of operations that exhausted their retry budget",
		}),
		attemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retryq_attempt_latency_seconds",
			Help:    "Operation attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retryq_queue_depth",
			Help: "Current number of queued operations",
		}),
		connectionHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retryq_connection_healthy",
			Help: "Whether the connection health monitor reports healthy (1) or not (0)",
		}),
	}

	prometheus.MustRegister(c.opsEnqueued)
	prometheus.MustRegister(c.attempts)
	prometheus.MustRegister(c.opsSucceeded)
	prometheus.MustRegister(c.opsRetried)
	prometheus.MustRegister(c.opsFailed)
	prometheus.MustRegister(c.attemptLatency)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.connectionHealthy)

	return c
}

// RecordEnqueue records an operation entering the queue.
func (c *Collector) RecordEnqueue() {
	c.opsEnqueued.Inc()
}

// RecordAttempt records one attempt and its latency.
func (c *Collector) RecordAttempt(latencySeconds float64) {
	c.attempts.Inc()
	c.attemptLatency.Observe(latencySeconds)
}

// RecordSuccess records a successful completion.
func (c *Collector) RecordSuccess() {
	c.opsSucceeded.Inc()
}

// RecordRetry records a failed attempt that was requeued.
func (c *Collector) RecordRetry() {
	c.opsRetried.Inc()
}

// RecordTerminalFailure records an operation leaving the queue after
// exhausting its retry budget.
func (c *Collector) RecordTerminalFailure() {
	c.opsFailed.Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetHealth updates the connection health gauge.
func (c *Collector) SetHealth(state types.HealthState) {
	if state.Healthy {
		c.connectionHealthy.Set(1)
	} else {
		c.connectionHealthy.Set(0)
	}
}

// NewServer returns an HTTP server exposing /metrics on the given port.
// The caller owns its lifecycle (ListenAndServe / Shutdown).
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
