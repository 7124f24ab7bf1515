package agent

import (
	"context"
	"time"

	"offstar/internal/config"
	"offstar/internal/eventbus"
	"offstar/internal/health"
	"offstar/internal/scheduler"
	"offstar/internal/storage"
	"offstar/internal/task/engine"
	logx "offstar/pkg/logx"

	rtsup "offstar/internal/runtime/supervisor"
)

// Start brings the agent to running: engine workers, health prober,
// scheduler, config watcher and the reload fan-out loop. Idempotent;
// a second call on a running agent returns ErrAlreadyStarted.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state == StateRunning {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	if a.state != StateInitializing {
		a.mu.Unlock()
		return ErrNotRunning
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		if _, err := engineConfig(cfg); err != nil {
			return err
		}
		if _, err := healthConfig(cfg); err != nil {
			return err
		}
		return a.sched.Validate(cfg.Schedules)
	})

	a.engine.Start(sup.Context())

	sup.GoRestart("health.prober", func(ctx context.Context) error {
		return a.monitor.RunProber(ctx, a.registry)
	})

	cfg := a.cfgm.Get()
	if err := a.sched.Apply(cfg.Schedules); err != nil {
		a.log.Warn("schedules rejected at startup", logx.Err(err))
	}
	a.sched.Start(sup.Context())

	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			var cfg *config.Config
			select {
			case <-ctx.Done():
				return
			case cfg = <-sub:
			}
			// Coalesce bursts; only the newest config matters.
			for {
				select {
				case newer := <-sub:
					cfg = newer
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, cfg)
		}
	})

	sup.Go("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.debug.Start(sup.Context())

	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()
	a.log.Info("agent running",
		logx.Int("plugins", a.registry.Len()),
		logx.String("config", a.cfgPath),
	)
	return nil
}

func (a *Agent) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if hcfg, err := healthConfig(cfg); err == nil {
		a.monitor.Apply(hcfg)
	} else {
		a.log.Warn("health config not applied", logx.Err(err))
	}
	if ecfg, err := engineConfig(cfg); err == nil {
		a.engine.Apply(ctx, ecfg)
	} else {
		a.log.Warn("engine config not applied", logx.Err(err))
	}
	if err := a.sched.Apply(cfg.Schedules); err != nil {
		a.log.Warn("schedules not applied", logx.Err(err))
	}
	for _, d := range a.registry.List() {
		if pc, ok := cfg.Plugins[d.Name]; ok {
			a.configurePlugin(d.Name, d.Instance(), pc.Config)
		}
	}
	if dcfg, err := debugConfig(cfg); err == nil {
		a.debug.Reconfigure(ctx, dcfg)
	} else {
		a.log.Warn("debug config not applied", logx.Err(err))
	}
	a.log.Info("config applied")
}

// Shutdown drains and stops everything in dependency order: scheduler
// first so no new tasks arrive, then the engine (bounded drain), then
// plugins, then state persistence. Each step is bounded by the caller
// deadline. Idempotent.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	prev := a.state
	a.state = StateDraining
	sup := a.sup
	store := a.store
	a.mu.Unlock()

	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		a.log.Debug("stopping", logx.String("step", name))
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(sctx)
	}

	// Snapshot the roster before plugins shut down so the persisted state
	// reflects what was running.
	snap := a.stateSnapshot()

	if prev == StateRunning && sup != nil {
		step("debug", 5*time.Second, func(ctx context.Context) { a.debug.Stop(ctx) })
		step("scheduler", 5*time.Second, func(ctx context.Context) { a.sched.Stop(ctx) })
		step("engine", 30*time.Second, func(ctx context.Context) { a.engine.Stop(ctx) })
		step("plugins", 10*time.Second, func(ctx context.Context) { a.registry.ShutdownAll(ctx) })

		sup.Cancel()
		step("supervisor", 5*time.Second, func(ctx context.Context) {
			if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
				a.log.Warn("supervisor wait timed out")
			}
		})
	}

	if store != nil {
		step("state", 5*time.Second, func(ctx context.Context) {
			if err := store.SaveState(ctx, snap); err != nil {
				a.log.Warn("state save failed", logx.Err(err))
			}
		})
		if err := store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	a.log.Info("agent stopped")
	return ctx.Err()
}

func (a *Agent) stateSnapshot() storage.StateSnapshot {
	records := a.monitor.Snapshot()
	byName := make(map[string]health.Record, len(records))
	for _, r := range records {
		byName[r.Plugin] = r
	}
	snap := storage.StateSnapshot{SavedAt: time.Now().UTC()}
	for _, d := range a.registry.List() {
		ps := storage.PluginState{Name: d.Name, Version: d.Version}
		if r, ok := byName[d.Name]; ok {
			ps.Health = string(r.Status)
		}
		snap.Plugins = append(snap.Plugins, ps)
	}
	return snap
}

// StatusSnapshot is a point-in-time view of the whole agent for health
// endpoints and diagnostics.
type StatusSnapshot struct {
	State     State                      `json:"state"`
	Overall   health.Status              `json:"overall"`
	Plugins   []health.Record            `json:"plugins"`
	Engine    engine.Snapshot            `json:"engine"`
	Schedules []scheduler.ScheduleStatus `json:"schedules"`
	Bus       eventbus.Stats             `json:"bus"`
	Workers   rtsup.Counters             `json:"workers"`
}

func (a *Agent) Status() StatusSnapshot {
	a.mu.Lock()
	st := a.state
	sup := a.sup
	a.mu.Unlock()

	records := a.monitor.Snapshot()
	snap := StatusSnapshot{
		State:     st,
		Overall:   health.Overall(records),
		Plugins:   records,
		Engine:    a.engine.Snapshot(),
		Schedules: a.sched.Snapshot(),
		Bus:       a.bus.Stats(),
	}
	if sup != nil {
		snap.Workers = sup.CountersNow()
	}
	return snap
}
