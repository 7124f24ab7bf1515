package health

import (
	"testing"
	"time"

	"offstar/internal/plugin"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

func newTestMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	return NewMonitor(cfg, logx.Nop(), nil)
}

func outcome(name string, ok bool) task.Outcome {
	o := task.Outcome{Plugin: name, Status: task.StatusSucceeded, Duration: 5 * time.Millisecond}
	if !ok {
		o.Status = task.StatusFailed
		o.Error = "boom"
	}
	return o
}

func TestMonitorFirstSuccessMarksHealthy(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{})
	m.InitRecord("echo")

	if got := m.Status("echo"); got != StatusUnknown {
		t.Fatalf("status before outcomes = %s, want unknown", got)
	}
	m.RecordOutcome(outcome("echo", true))
	if got := m.Status("echo"); got != StatusHealthy {
		t.Fatalf("status after first success = %s, want healthy", got)
	}
}

func TestMonitorDegradesAtLowThreshold(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{WindowSize: 10, DegradedRate: 0.3, UnhealthyRate: 0.6})
	m.InitRecord("flaky")

	// 7 successes, 3 failures: exactly at the low threshold once the
	// window fills.
	for i := 0; i < 7; i++ {
		m.RecordOutcome(outcome("flaky", true))
	}
	for i := 0; i < 2; i++ {
		m.RecordOutcome(outcome("flaky", false))
	}
	if got := m.Status("flaky"); got != StatusHealthy {
		t.Fatalf("status with partial window = %s, want healthy", got)
	}
	m.RecordOutcome(outcome("flaky", false))
	if got := m.Status("flaky"); got != StatusDegraded {
		t.Fatalf("status at 3/10 failures = %s, want degraded", got)
	}
}

func TestMonitorRecoversAfterFullCleanWindow(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{WindowSize: 10})
	m.InitRecord("flaky")

	for i := 0; i < 7; i++ {
		m.RecordOutcome(outcome("flaky", true))
	}
	for i := 0; i < 3; i++ {
		m.RecordOutcome(outcome("flaky", false))
	}
	if got := m.Status("flaky"); got != StatusDegraded {
		t.Fatalf("setup: status = %s, want degraded", got)
	}

	// Old failures stay in the window until pushed out; recovery needs a
	// full clean pass.
	for i := 0; i < 7; i++ {
		m.RecordOutcome(outcome("flaky", true))
		if got := m.Status("flaky"); got != StatusDegraded {
			t.Fatalf("status after %d recovering successes = %s, want degraded", i+1, got)
		}
	}
	for i := 0; i < 3; i++ {
		m.RecordOutcome(outcome("flaky", true))
	}
	if got := m.Status("flaky"); got != StatusHealthy {
		t.Fatalf("status after full clean window = %s, want healthy", got)
	}
}

func TestMonitorUnhealthyAtHighThreshold(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{WindowSize: 10})
	m.InitRecord("down")

	for i := 0; i < 4; i++ {
		m.RecordOutcome(outcome("down", true))
	}
	for i := 0; i < 6; i++ {
		m.RecordOutcome(outcome("down", false))
	}
	if got := m.Status("down"); got != StatusUnhealthy {
		t.Fatalf("status at 6/10 failures = %s, want unhealthy", got)
	}
}

func TestMonitorConsecutiveProbeFailures(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{ProbeFailThreshold: 3})
	m.InitRecord("remote")
	m.RecordOutcome(outcome("remote", true))

	down := plugin.HealthReport{Reachable: false, Detail: "connection refused"}
	m.RecordProbe("remote", down)
	m.RecordProbe("remote", down)
	if got := m.Status("remote"); got != StatusHealthy {
		t.Fatalf("status after 2 probe failures = %s, want healthy", got)
	}
	m.RecordProbe("remote", down)
	if got := m.Status("remote"); got != StatusUnhealthy {
		t.Fatalf("status after 3 probe failures = %s, want unhealthy", got)
	}

	// A reachable probe clears a probe-driven demotion.
	m.RecordProbe("remote", plugin.HealthReport{Reachable: true, Latency: time.Millisecond})
	if got := m.Status("remote"); got != StatusHealthy {
		t.Fatalf("status after probe recovery = %s, want healthy", got)
	}
}

func TestMonitorSlowProbeDegrades(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{SoftLatency: 100 * time.Millisecond})
	m.InitRecord("slow")
	m.RecordOutcome(outcome("slow", true))

	m.RecordProbe("slow", plugin.HealthReport{Reachable: true, Latency: 250 * time.Millisecond})
	if got := m.Status("slow"); got != StatusDegraded {
		t.Fatalf("status after slow probe = %s, want degraded", got)
	}
}

func TestMonitorIgnoresUnknownPlugins(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{})

	m.RecordOutcome(outcome("ghost", false))
	m.RecordProbe("ghost", plugin.HealthReport{Reachable: false})
	if got := m.Status("ghost"); got != StatusUnknown {
		t.Fatalf("status for untracked plugin = %s, want unknown", got)
	}
	if recs := m.Snapshot(); len(recs) != 0 {
		t.Fatalf("snapshot has %d records, want 0", len(recs))
	}
}

func TestMonitorReinitResetsRecord(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{WindowSize: 4})
	m.InitRecord("echo")
	for i := 0; i < 4; i++ {
		m.RecordOutcome(outcome("echo", false))
	}
	if got := m.Status("echo"); got != StatusUnhealthy {
		t.Fatalf("setup: status = %s, want unhealthy", got)
	}

	m.InitRecord("echo")
	if got := m.Status("echo"); got != StatusUnknown {
		t.Fatalf("status after re-register = %s, want unknown", got)
	}
}

func TestMonitorSnapshotSorted(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, Config{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		m.InitRecord(name)
	}
	recs := m.Snapshot()
	if len(recs) != 3 {
		t.Fatalf("snapshot has %d records, want 3", len(recs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if recs[i].Plugin != want {
			t.Fatalf("snapshot[%d] = %q, want %q", i, recs[i].Plugin, want)
		}
	}
}

func TestOverall(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusUnknown},
		{"all unknown", []Status{StatusUnknown, StatusUnknown}, StatusUnknown},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
		{"known beats unknown", []Status{StatusUnknown, StatusHealthy}, StatusHealthy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			recs := make([]Record, len(tc.in))
			for i, s := range tc.in {
				recs[i] = Record{Plugin: "p", Status: s}
			}
			if got := Overall(recs); got != tc.want {
				t.Fatalf("Overall = %s, want %s", got, tc.want)
			}
		})
	}
}
