package trunk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stellarvoice/voicegw/internal/config"
	"github.com/stellarvoice/voicegw/internal/metrics"
)

// scriptedProber fails the first failFirst probes and succeeds afterwards.
type scriptedProber struct {
	calls     atomic.Int64
	failFirst int64
}

func (p *scriptedProber) Probe(_ context.Context, _ config.TrunkConfig, _ time.Duration) error {
	if p.calls.Add(1) <= p.failFirst {
		return errors.New("connection refused")
	}
	return nil
}

func testTrunk(name string, maxFailures, retryAttempts int) config.TrunkConfig {
	return config.TrunkConfig{
		Name:      name,
		Host:      "203.0.113.10",
		Port:      5060,
		Transport: "udp",
		HealthCheck: config.HealthCheckConfig{
			Enabled:     true,
			IntervalSec: 60,
			TimeoutSec:  1,
			MaxFailures: maxFailures,
		},
		Retry: config.RetryConfig{
			Enabled:        true,
			InitialDelayMS: 10,
			MaxDelayMS:     20,
			Multiplier:     2,
			MaxAttempts:    retryAttempts,
		},
	}
}

func newTestSupervisor(t *testing.T, prober Prober) (*Supervisor, *metrics.Metrics) {
	t.Helper()
	mets := metrics.New()
	s := NewSupervisor(prober, mets, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Shutdown)
	return s, mets
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProbeSuccessMarksConnected(t *testing.T) {
	s, _ := newTestSupervisor(t, &scriptedProber{})
	s.StartTrunk(testTrunk("healthy", 3, 3))

	waitFor(t, 2*time.Second, func() bool {
		h, ok := s.HealthStatus("healthy")
		return ok && h.Status == StatusConnected
	}, "trunk never reached connected")

	h, _ := s.HealthStatus("healthy")
	if h.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", h.FailureCount)
	}
	if h.LastCheck.IsZero() {
		t.Error("LastCheck should be set")
	}
}

func TestFailureBelowThresholdIsDisconnected(t *testing.T) {
	// One failed probe with max_failures 3: disconnected, no reconnect.
	prober := &scriptedProber{failFirst: 100}
	s, mets := newTestSupervisor(t, prober)
	s.StartTrunk(testTrunk("flaky", 3, 3))

	waitFor(t, 2*time.Second, func() bool {
		h, ok := s.HealthStatus("flaky")
		return ok && h.Status == StatusDisconnected
	}, "trunk never reached disconnected")

	h, _ := s.HealthStatus("flaky")
	if h.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", h.FailureCount)
	}
	if h.LastError == "" {
		t.Error("LastError should record the probe failure")
	}
	if got := testutil.ToFloat64(mets.TrunkReconnectAttempts.WithLabelValues("flaky")); got != 0 {
		t.Errorf("reconnect attempts = %v, want 0 below threshold", got)
	}
}

func TestReconnectAfterThresholdSucceeds(t *testing.T) {
	// First probe fails, crossing max_failures 1; the reconnection task's
	// first attempt succeeds.
	prober := &scriptedProber{failFirst: 1}
	s, mets := newTestSupervisor(t, prober)
	s.StartTrunk(testTrunk("recovering", 1, 3))

	waitFor(t, 2*time.Second, func() bool {
		h, ok := s.HealthStatus("recovering")
		return ok && h.Status == StatusConnected
	}, "trunk never recovered")

	if got := testutil.ToFloat64(mets.TrunkReconnectAttempts.WithLabelValues("recovering")); got != 1 {
		t.Errorf("reconnect attempts = %v, want 1", got)
	}
	h, _ := s.HealthStatus("recovering")
	if h.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want reset to 0", h.FailureCount)
	}
}

func TestReconnectExhaustionMarksFailed(t *testing.T) {
	prober := &scriptedProber{failFirst: 1 << 30}
	s, mets := newTestSupervisor(t, prober)
	s.StartTrunk(testTrunk("down", 1, 2))

	waitFor(t, 2*time.Second, func() bool {
		h, ok := s.HealthStatus("down")
		attempts := testutil.ToFloat64(mets.TrunkReconnectAttempts.WithLabelValues("down"))
		return ok && h.Status == StatusFailed && attempts >= 2
	}, "trunk never exhausted reconnection")
}

func TestStopTrunkRemovesState(t *testing.T) {
	s, _ := newTestSupervisor(t, &scriptedProber{})
	s.StartTrunk(testTrunk("gone", 3, 3))
	s.StopTrunk("gone")

	if _, ok := s.HealthStatus("gone"); ok {
		t.Error("stopped trunk should have no health state")
	}
}

func TestHealthCheckDisabled(t *testing.T) {
	prober := &scriptedProber{}
	s, _ := newTestSupervisor(t, prober)

	trunk := testTrunk("passive", 3, 3)
	trunk.HealthCheck.Enabled = false
	s.StartTrunk(trunk)

	h, ok := s.HealthStatus("passive")
	if !ok {
		t.Fatal("trunk should be tracked even without health checks")
	}
	if h.Status != StatusUnknown {
		t.Errorf("Status = %q, want unknown", h.Status)
	}
}

func TestTrunkHealthSnapshot(t *testing.T) {
	s, _ := newTestSupervisor(t, &scriptedProber{})
	s.StartTrunk(testTrunk("snap", 3, 3))

	waitFor(t, 2*time.Second, func() bool {
		h, ok := s.HealthStatus("snap")
		return ok && h.Status == StatusConnected
	}, "trunk never reached connected")

	snap := s.TrunkHealthSnapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d entries, want 1", len(snap))
	}
	if snap[0].Name != "snap" || !snap[0].Connected {
		t.Errorf("snapshot = %+v", snap[0])
	}
}
