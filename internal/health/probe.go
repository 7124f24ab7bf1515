package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"offstar/internal/plugin"
)

// Lister enumerates registered plugins for probing. The registry satisfies
// this; the indirection keeps the monitor free of a registry import.
type Lister interface {
	List() []*plugin.Descriptor
}

// RunProber probes every registered plugin at ProbeInterval until ctx is
// cancelled. It is meant to run under the supervisor.
//
// Probes are bounded three ways: a per-call timeout, a small concurrency
// allowance, and a token-bucket rate limit, so a large fleet or a stuck
// plugin cannot turn the prober into load of its own.
func (m *Monitor) RunProber(ctx context.Context, lister Lister) error {
	cfg := m.config()
	interval := cfg.ProbeInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	limiter := rate.NewLimiter(rate.Limit(cfg.ProbeRatePerSec), cfg.ProbeRatePerSec)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Re-read so a hot reload changes cadence and rate without a restart.
		cfg = m.config()
		limiter.SetLimit(rate.Limit(cfg.ProbeRatePerSec))
		if cfg.ProbeInterval != interval && cfg.ProbeInterval > 0 {
			interval = cfg.ProbeInterval
			ticker.Reset(interval)
		}
		m.probeAll(ctx, lister, limiter, cfg)
	}
}

func (m *Monitor) probeAll(ctx context.Context, lister Lister, limiter *rate.Limiter, cfg Config) {
	sem := make(chan struct{}, cfg.ProbeConcurrency)
	done := make(chan struct{})
	pending := 0

	for _, d := range lister.List() {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		pending++
		go func(d *plugin.Descriptor) {
			defer func() { <-sem; done <- struct{}{} }()
			rep := probeOne(ctx, d.Instance(), cfg.ProbeTimeout)
			m.RecordProbe(d.Name, rep)
		}(d)
	}

	for ; pending > 0; pending-- {
		<-done
	}
}

// probeOne calls Health on its own goroutine so a plugin that ignores its
// context still cannot hold the prober past the timeout. A late or panicking
// probe is treated as unreachable.
func probeOne(parent context.Context, p plugin.Plugin, timeout time.Duration) plugin.HealthReport {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		rep plugin.HealthReport
	}
	ch := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{plugin.HealthReport{Reachable: false, Detail: fmt.Sprintf("probe panic: %v", rec)}}
			}
		}()
		rep := p.Health(ctx)
		if rep.Latency <= 0 {
			rep.Latency = time.Since(start)
		}
		ch <- result{rep}
	}()

	select {
	case r := <-ch:
		return r.rep
	case <-ctx.Done():
		return plugin.HealthReport{Reachable: false, Detail: "probe timed out"}
	}
}
