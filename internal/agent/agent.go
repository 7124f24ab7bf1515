package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offstar/internal/config"
	"offstar/internal/eventbus"
	"offstar/internal/health"
	"offstar/internal/observability/debug"
	"offstar/internal/plugin"
	"offstar/internal/scheduler"
	"offstar/internal/storage"
	"offstar/internal/task"
	"offstar/internal/task/engine"
	logx "offstar/pkg/logx"

	rtsup "offstar/internal/runtime/supervisor"
)

// State is the agent lifecycle phase. Transitions are one-way:
// created -> initializing -> running -> draining -> stopped.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

var (
	ErrNotRunning     = errors.New("agent is not running")
	ErrAlreadyStarted = errors.New("agent already started")
)

// InitializationError wraps a fatal construction failure with the stage
// that produced it.
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("agent init (%s): %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Agent ties the registry, health monitor, engine and scheduler into one
// lifecycle. It owns startup order, config hot-reload fan-out and graceful
// drain.
type Agent struct {
	mu    sync.Mutex
	state State

	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	registry *plugin.Registry
	monitor  *health.Monitor
	engine   *engine.Service
	sched    *scheduler.Service
	store    storage.Store
	debug    *debug.Service

	restored *storage.StateSnapshot

	sup *rtsup.Supervisor
}

// New loads the config file and constructs every component. Nothing is
// started; plugins register against a created/initializing agent.
func New(cfgPath string) (*Agent, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, &InitializationError{Stage: "config", Err: err}
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "agent"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	registry := plugin.NewRegistry(log.With(logx.String("comp", "registry")), bus)

	hcfg, err := healthConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, &InitializationError{Stage: "health", Err: err}
	}
	monitor := health.NewMonitor(hcfg, log.With(logx.String("comp", "health")), bus)
	registry.SetRecordKeeper(monitor)

	a := &Agent{
		state:    StateCreated,
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      bus,
		registry: registry,
		monitor:  monitor,
	}

	scfg, err := storageConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, &InitializationError{Stage: "storage", Err: err}
	}
	a.store, err = storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, &InitializationError{Stage: "storage", Err: err}
	}

	ecfg, err := engineConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, &InitializationError{Stage: "engine", Err: err}
	}
	var eopts []engine.Option
	if a.store != nil {
		eopts = append(eopts, engine.WithOutcomeRecorder(a.store))
	}
	a.engine = engine.New(ecfg, log.With(logx.String("comp", "engine")), bus, registry, monitor, eopts...)
	a.sched = scheduler.New(log.With(logx.String("comp", "scheduler")), bus, scheduleSubmitter{a})

	dcfg, err := debugConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, &InitializationError{Stage: "debug", Err: err}
	}
	a.debug = debug.New(dcfg, log.With(logx.String("comp", "debug")), func() any { return a.Status() })

	return a, nil
}

// scheduleSubmitter adapts the agent for the scheduler, dropping the
// handle; scheduled tasks are fire-and-observe via outcomes.
type scheduleSubmitter struct{ a *Agent }

func (s scheduleSubmitter) Submit(ctx context.Context, t task.Task) error {
	_, err := s.a.Submit(ctx, t)
	return err
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	defTimeout, err := config.ParseDurationOrDefault("engine.default_timeout", cfg.Engine.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDurationField("engine.retry_base", cfg.Engine.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax, err := config.ParseDurationField("engine.retry_max_delay", cfg.Engine.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: defTimeout,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		RetryJitter:    cfg.Engine.RetryJitter,
		HistorySize:    cfg.Engine.HistorySize,
		StrictHealth:   cfg.Engine.StrictHealth,
	}, nil
}

func healthConfig(cfg *config.Config) (health.Config, error) {
	probeInterval, err := config.ParseDurationField("health.probe_interval", cfg.Health.ProbeInterval)
	if err != nil {
		return health.Config{}, err
	}
	probeTimeout, err := config.ParseDurationField("health.probe_timeout", cfg.Health.ProbeTimeout)
	if err != nil {
		return health.Config{}, err
	}
	softLatency, err := config.ParseDurationField("health.soft_latency", cfg.Health.SoftLatency)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		WindowSize:         cfg.Health.WindowSize,
		DegradedRate:       cfg.Health.DegradedRate,
		UnhealthyRate:      cfg.Health.UnhealthyRate,
		ProbeInterval:      probeInterval,
		ProbeTimeout:       probeTimeout,
		ProbeFailThreshold: cfg.Health.ProbeFailThreshold,
		SoftLatency:        softLatency,
		ProbeConcurrency:   cfg.Health.ProbeConcurrency,
		ProbeRatePerSec:    cfg.Health.ProbeRatePerSec,
	}, nil
}

func debugConfig(cfg *config.Config) (debug.Config, error) {
	readTO, err := config.ParseDurationField("debug.read_timeout", cfg.Debug.ReadTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	writeTO, err := config.ParseDurationField("debug.write_timeout", cfg.Debug.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idleTO, err := config.ParseDurationField("debug.idle_timeout", cfg.Debug.IdleTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              cfg.Debug.Enabled,
		Addr:                 cfg.Debug.Addr,
		Token:                cfg.Debug.Token,
		AllowInsecure:        cfg.Debug.AllowInsecure,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
	}, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize restores the previous session's state snapshot. Safe to
// skip; Start calls it if the agent is still created.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateCreated {
		a.mu.Unlock()
		return nil
	}
	a.state = StateInitializing
	store := a.store
	a.mu.Unlock()

	if store != nil {
		snap, ok, err := store.LoadState(ctx)
		if err != nil {
			a.log.Warn("state restore failed", logx.Any("err", err))
		} else if ok {
			a.mu.Lock()
			a.restored = &snap
			a.mu.Unlock()
			a.log.Info("previous session state restored",
				logx.Int("plugins", len(snap.Plugins)),
				logx.Time("saved_at", snap.SavedAt),
			)
		}
	}
	return nil
}

// LastSavedState returns the snapshot restored during Initialize, if any.
func (a *Agent) LastSavedState() (storage.StateSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restored == nil {
		return storage.StateSnapshot{}, false
	}
	return *a.restored, true
}

// PluginConfig returns the raw per-plugin config block, if present.
func (a *Agent) PluginConfig(name string) (json.RawMessage, bool) {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return nil, false
	}
	pc, ok := cfg.Plugins[name]
	if !ok {
		return nil, false
	}
	return pc.Config, true
}

// RegisterPlugins registers plugins, honoring per-plugin enablement from
// config. A plugin that fails to register is skipped and logged; hosting
// continues with the rest.
func (a *Agent) RegisterPlugins(ctx context.Context, plugins ...plugin.Plugin) {
	cfg := a.cfgm.Get()
	for _, p := range plugins {
		d, err := a.registry.Register(ctx, p)
		if err != nil {
			a.log.Warn("plugin registration failed; skipping", logx.Any("err", err))
			continue
		}
		if cfg == nil {
			continue
		}
		pc, ok := cfg.Plugins[d.Name]
		if !ok {
			continue
		}
		if !pc.IsEnabled() {
			a.log.Info("plugin disabled via config", logx.String("plugin", d.Name))
			_ = a.registry.Unregister(ctx, d.Name)
			continue
		}
		a.configurePlugin(d.Name, p, pc.Config)
	}
}

func (a *Agent) configurePlugin(name string, p plugin.Plugin, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	c, ok := p.(plugin.Configurable)
	if !ok {
		return
	}
	if err := c.Configure(raw); err != nil {
		a.log.Warn("plugin config rejected; keeping previous settings",
			logx.String("plugin", name), logx.Err(err))
	}
}

// RegisterPlugin hot-loads a single plugin into the running agent.
func (a *Agent) RegisterPlugin(ctx context.Context, p plugin.Plugin) (*plugin.Descriptor, error) {
	return a.registry.Register(ctx, p)
}

// UnregisterPlugin hot-unloads a plugin. In-flight tasks already dispatched
// to it finish naturally.
func (a *Agent) UnregisterPlugin(ctx context.Context, name string) error {
	return a.registry.Unregister(ctx, name)
}

// Submit routes a task to the engine. Only a running agent accepts tasks.
func (a *Agent) Submit(ctx context.Context, t task.Task) (*engine.Handle, error) {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	if st != StateRunning {
		return nil, fmt.Errorf("%w: state %s", ErrNotRunning, st)
	}
	return a.engine.Submit(ctx, t)
}

// Done is closed when the agent run context is cancelled (fatal error or
// Shutdown).
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}
