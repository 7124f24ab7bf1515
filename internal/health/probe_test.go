package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"offstar/internal/eventbus"
	"offstar/internal/plugin"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

type probedPlugin struct {
	name   string
	probes int64
}

func (p *probedPlugin) Identity(ctx context.Context) (plugin.Identity, error) {
	return plugin.Identity{Name: p.name, Version: "0.0.1"}, nil
}
func (p *probedPlugin) Capabilities() []string { return []string{"noop"} }
func (p *probedPlugin) Execute(ctx context.Context, t task.Task) (any, error) {
	return nil, nil
}
func (p *probedPlugin) Health(ctx context.Context) plugin.HealthReport {
	atomic.AddInt64(&p.probes, 1)
	return plugin.HealthReport{Reachable: true, Latency: time.Millisecond}
}
func (p *probedPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *probedPlugin) count() int64 { return atomic.LoadInt64(&p.probes) }

func TestProberAppliesIntervalChange(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, Config{
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
	})

	reg := plugin.NewRegistry(logx.Nop(), eventbus.New())
	p := &probedPlugin{name: "probed"}
	if _, err := reg.Register(context.Background(), p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.RunProber(ctx, reg) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("prober never probed at the startup interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stretch the cadence; the running prober must pick it up without a
	// restart. One in-flight tick may still land before the reset.
	m.Apply(Config{ProbeInterval: time.Hour, ProbeTimeout: time.Second})
	time.Sleep(100 * time.Millisecond)
	settled := p.count()
	time.Sleep(300 * time.Millisecond)
	if got := p.count(); got != settled {
		t.Fatalf("prober still on old cadence: %d probes after reset, was %d", got, settled)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunProber err = %v, want context.Canceled", err)
	}
}
