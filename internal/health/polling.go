// ============================================================================
// Polling Health Monitor
// ============================================================================
//
// Package: internal/health
// File: polling.go
// Purpose: Runs a probe on a fixed interval and classifies the results
//          into healthy / degraded / unhealthy transitions.
//
// Classification:
//   - probe succeeds                          -> healthy
//   - 1..UnhealthyAfter-1 consecutive failures -> degraded
//   - >= UnhealthyAfter consecutive failures   -> unhealthy
//
//   A single missed probe therefore degrades the state (and pauses the
//   queue) without declaring the backend dead.
//
// ============================================================================

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SharedMindsApp/retryq/pkg/types"
)

var log = slog.Default()

// Probe checks the backend once. A nil return means the connection is
// healthy. Implementations must respect the context deadline.
type Probe func(ctx context.Context) error

// PollingConfig configures a PollingMonitor.
type PollingConfig struct {
	Interval       time.Duration // time between probes
	Timeout        time.Duration // per-probe deadline
	UnhealthyAfter int           // consecutive failures before unhealthy
}

// defaults applied by NewPollingMonitor
const (
	defaultInterval       = 5 * time.Second
	defaultProbeTimeout   = 2 * time.Second
	defaultUnhealthyAfter = 3
)

// PollingMonitor drives a Probe on an interval and exposes the Monitor
// contract. It starts in the unhealthy state; the first successful probe
// transitions it to healthy.
type PollingMonitor struct {
	inner    *ManualMonitor
	probe    Probe
	config   PollingConfig
	failures int

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewPollingMonitor creates a monitor around the probe. Zero config
// fields fall back to defaults.
func NewPollingMonitor(probe Probe, config PollingConfig) *PollingMonitor {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProbeTimeout
	}
	if config.UnhealthyAfter <= 0 {
		config.UnhealthyAfter = defaultUnhealthyAfter
	}

	return &PollingMonitor{
		inner:  NewManualMonitor(types.StatusUnhealthy),
		probe:  probe,
		config: config,
	}
}

// State returns the current health snapshot.
func (p *PollingMonitor) State() types.HealthState {
	return p.inner.State()
}

// Subscribe registers a transition callback.
func (p *PollingMonitor) Subscribe(fn func(types.HealthState)) func() {
	return p.inner.Subscribe(fn)
}

// Start launches the probe loop. Starting twice is a no-op.
func (p *PollingMonitor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		log.Warn("health monitor already started")
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(p.stopCh)
}

// Stop halts the probe loop and waits for it to exit. The last observed
// state remains visible through State.
func (p *PollingMonitor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)
	p.wg.Wait()
}

func (p *PollingMonitor) loop(stopCh chan struct{}) {
	defer p.wg.Done()

	// Probe immediately so the queue does not wait a full interval for
	// the first verdict.
	p.probeOnce()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *PollingMonitor) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	err := p.probe(ctx)
	cancel()

	if err == nil {
		p.failures = 0
		p.inner.SetStatus(types.StatusHealthy)
		return
	}

	p.failures++
	status := types.StatusDegraded
	if p.failures >= p.config.UnhealthyAfter {
		status = types.StatusUnhealthy
	}

	if p.inner.State().Status != status {
		log.Warn("connection probe failed",
			"consecutive_failures", p.failures,
			"status", status,
			"error", err)
	}
	p.inner.SetStatus(status)
}
