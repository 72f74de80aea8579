package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/stellarvoice/voicegw/internal/config"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

// Status is the reachability state of a trunk.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusUnknown      Status = "unknown"
)

// Health holds the runtime reachability state for a single trunk.
type Health struct {
	Name           string
	Status         Status
	LastCheck      time.Time
	ResponseTimeMS float64
	FailureCount   int
	LastError      string
}

// Prober checks reachability of a trunk endpoint. The default implementation
// dials the trunk's host and port with a bounded timeout.
type Prober interface {
	Probe(ctx context.Context, trunk config.TrunkConfig, timeout time.Duration) error
}

// DialProber probes by opening and closing a transport connection.
type DialProber struct{}

// Probe dials host:port over the trunk's transport with the given timeout.
func (DialProber) Probe(_ context.Context, trunk config.TrunkConfig, timeout time.Duration) error {
	network := "tcp"
	if trunk.Transport == "udp" {
		network = "udp"
	}
	addr := net.JoinHostPort(trunk.Host, fmt.Sprintf("%d", trunk.Port))
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return fmt.Errorf("dialing %s %s: %w", network, addr, err)
	}
	return conn.Close()
}

// entry holds per-trunk runtime data.
type entry struct {
	trunk        config.TrunkConfig
	health       Health
	cancel       context.CancelFunc
	reconnecting bool
}

// Supervisor maintains reachability state for each configured trunk. Every
// trunk gets a probe loop; when failures accumulate past the trunk's
// max_failures and retry is enabled, a single reconnection task per trunk
// runs exponential-backoff connection attempts until success or exhaustion.
//
// All exported methods are safe for concurrent use.
type Supervisor struct {
	prober Prober
	mets   *metrics.Metrics
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*entry // keyed by trunk name

	wg sync.WaitGroup
}

// NewSupervisor creates a trunk supervisor using the given prober.
// Pass DialProber{} for the default reachability check.
func NewSupervisor(prober Prober, mets *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		prober: prober,
		mets:   mets,
		logger: logger.With("component", "trunk-supervisor"),
		states: make(map[string]*entry),
	}
}

// StartTrunk begins health monitoring for a trunk. If the trunk is already
// monitored, it is stopped first.
func (s *Supervisor) StartTrunk(trunk config.TrunkConfig) {
	s.StopTrunk(trunk.Name)

	trunkCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		trunk:  trunk,
		cancel: cancel,
		health: Health{
			Name:   trunk.Name,
			Status: StatusUnknown,
		},
	}

	s.mu.Lock()
	s.states[trunk.Name] = e
	s.mu.Unlock()

	if !trunk.HealthCheck.Enabled {
		s.logger.Info("health check disabled for trunk", "trunk", trunk.Name)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probeLoop(trunkCtx, trunk)
	}()
}

// StopTrunk cancels monitoring for a trunk.
func (s *Supervisor) StopTrunk(name string) {
	s.mu.Lock()
	e, ok := s.states[name]
	if ok {
		delete(s.states, name)
	}
	s.mu.Unlock()

	if ok {
		e.cancel()
		s.logger.Info("trunk monitoring stopped", "trunk", name)
	}
}

// Shutdown stops all trunk monitoring and waits for loops to exit.
// Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopTrunk(name)
	}
	s.wg.Wait()
}

// HealthStatus returns the current health for a trunk.
func (s *Supervisor) HealthStatus(name string) (Health, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.states[name]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// AllHealth returns a snapshot of every monitored trunk's health.
func (s *Supervisor) AllHealth() []Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Health, 0, len(s.states))
	for _, e := range s.states {
		out = append(out, e.health)
	}
	return out
}

// TrunkHealthSnapshot implements metrics.TrunkHealthProvider.
func (s *Supervisor) TrunkHealthSnapshot() []metrics.TrunkHealthEntry {
	health := s.AllHealth()
	out := make([]metrics.TrunkHealthEntry, len(health))
	for i, h := range health {
		out[i] = metrics.TrunkHealthEntry{
			Name:           h.Name,
			Connected:      h.Status == StatusConnected,
			ResponseTimeMS: h.ResponseTimeMS,
		}
	}
	return out
}

// probeLoop runs the periodic reachability check for one trunk.
func (s *Supervisor) probeLoop(ctx context.Context, trunk config.TrunkConfig) {
	interval := time.Duration(trunk.HealthCheck.IntervalSec) * time.Second
	timeout := time.Duration(trunk.HealthCheck.TimeoutSec) * time.Second

	s.logger.Info("starting trunk probe loop",
		"trunk", trunk.Name,
		"interval", interval.String(),
		"timeout", timeout.String(),
	)

	for {
		start := time.Now()
		err := s.prober.Probe(ctx, trunk, timeout)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			return
		}
		s.recordProbe(ctx, trunk, elapsed, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// recordProbe updates health state after one probe and launches the
// reconnection task when the failure threshold is crossed.
func (s *Supervisor) recordProbe(ctx context.Context, trunk config.TrunkConfig, elapsed time.Duration, probeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.states[trunk.Name]
	if !ok {
		return
	}

	e.health.LastCheck = time.Now()
	e.health.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000

	if probeErr == nil {
		e.health.Status = StatusConnected
		e.health.FailureCount = 0
		e.health.LastError = ""
		return
	}

	e.health.FailureCount++
	e.health.LastError = probeErr.Error()
	if e.health.Status == StatusConnected || e.health.Status == StatusUnknown {
		e.health.Status = StatusDisconnected
	}

	s.logger.Warn("trunk probe failed",
		"trunk", trunk.Name,
		"failure_count", e.health.FailureCount,
		"error", probeErr,
	)

	if e.health.FailureCount < trunk.HealthCheck.MaxFailures {
		return
	}

	e.health.Status = StatusFailed
	if !trunk.Retry.Enabled || e.reconnecting {
		return
	}

	// One reconnection task per trunk at a time.
	e.reconnecting = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconnect(ctx, trunk)
	}()
}

// reconnect attempts to restore a trunk with exponential backoff, up to the
// trunk's configured max attempts. First success transitions the trunk back
// to connected; exhaustion marks it failed.
func (s *Supervisor) reconnect(ctx context.Context, trunk config.TrunkConfig) {
	defer func() {
		s.mu.Lock()
		if e, ok := s.states[trunk.Name]; ok {
			e.reconnecting = false
		}
		s.mu.Unlock()
	}()

	delay := time.Duration(trunk.Retry.InitialDelayMS) * time.Millisecond
	maxDelay := time.Duration(trunk.Retry.MaxDelayMS) * time.Millisecond
	timeout := time.Duration(trunk.HealthCheck.TimeoutSec) * time.Second

	s.logger.Info("starting trunk reconnection",
		"trunk", trunk.Name,
		"max_attempts", trunk.Retry.MaxAttempts,
	)

	for attempt := 1; attempt <= trunk.Retry.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mets.TrunkReconnectAttempts.WithLabelValues(trunk.Name).Inc()
		s.mu.Lock()
		if e, ok := s.states[trunk.Name]; ok {
			e.health.Status = StatusConnecting
		}
		s.mu.Unlock()

		start := time.Now()
		err := s.prober.Probe(ctx, trunk, timeout)
		if err == nil {
			s.mu.Lock()
			if e, ok := s.states[trunk.Name]; ok {
				e.health.Status = StatusConnected
				e.health.FailureCount = 0
				e.health.LastError = ""
				e.health.LastCheck = time.Now()
				e.health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
			}
			s.mu.Unlock()
			s.logger.Info("trunk reconnected", "trunk", trunk.Name, "attempt", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("trunk reconnection attempt failed",
			"trunk", trunk.Name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)

		delay = time.Duration(float64(delay) * trunk.Retry.Multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	s.mu.Lock()
	if e, ok := s.states[trunk.Name]; ok {
		e.health.Status = StatusFailed
	}
	s.mu.Unlock()
	s.logger.Error("trunk reconnection exhausted", "trunk", trunk.Name)
}
