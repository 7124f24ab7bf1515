package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"offstar/internal/eventbus"
	logx "offstar/pkg/logx"
)

const defaultIdentifyTimeout = 10 * time.Second

type registryEvent struct {
	Plugin  string `json:"plugin"`
	Version string `json:"version,omitempty"`
	Err     string `json:"err,omitempty"`
}

// RecordKeeper receives registry lifecycle callbacks so the health monitor
// can reset/drop per-plugin records in lockstep with (un)registration.
type RecordKeeper interface {
	InitRecord(name string)
	DropRecord(name string)
}

// Registry owns plugin descriptors and their load/unload lifecycle.
//
// Registration makes a plugin visible to task resolution immediately
// (hot-load); unregistration removes it from resolution but does not cancel
// tasks already dispatched to it.
type Registry struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	keeper  RecordKeeper
	plugins map[string]*Descriptor

	identifyTimeout time.Duration
	shutdownTimeout time.Duration
}

type RegistryOption func(*Registry)

// WithIdentifyTimeout bounds how long Register waits for Identity().
func WithIdentifyTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.identifyTimeout = d
		}
	}
}

func NewRegistry(log logx.Logger, bus eventbus.Bus, opts ...RegistryOption) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:             log,
		bus:             bus,
		plugins:         map[string]*Descriptor{},
		identifyTimeout: defaultIdentifyTimeout,
		shutdownTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetRecordKeeper wires the health monitor's record lifecycle hooks.
// Must be called before plugins are registered.
func (r *Registry) SetRecordKeeper(k RecordKeeper) {
	r.mu.Lock()
	r.keeper = k
	r.mu.Unlock()
}

func (r *Registry) emit(typ string, data registryEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Register loads a plugin: identifies it on a bounded deadline, checks name
// uniqueness, stores the descriptor, and initializes its health record to
// unknown. The plugin resolves tasks as soon as Register returns.
func (r *Registry) Register(ctx context.Context, p Plugin) (*Descriptor, error) {
	if p == nil {
		return nil, fmt.Errorf("plugin is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ictx, cancel := context.WithTimeout(ctx, r.identifyTimeout)
	id, err := identifySafe(ictx, p)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return nil, fmt.Errorf("identify: empty plugin name")
	}

	caps := p.Capabilities()
	capSet := make(map[string]struct{}, len(caps))
	ordered := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := capSet[c]; dup {
			continue
		}
		capSet[c] = struct{}{}
		ordered = append(ordered, c)
	}
	sort.Strings(ordered)

	d := &Descriptor{
		Name:         name,
		Version:      id.Version,
		Capabilities: ordered,
		RegisteredAt: time.Now(),
		impl:         p,
		caps:         capSet,
	}

	r.mu.Lock()
	if _, exists := r.plugins[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.plugins[name] = d
	keeper := r.keeper
	r.mu.Unlock()

	// Record reset happens after the descriptor is visible so an outcome
	// recorded between the two is kept rather than silently dropped.
	if keeper != nil {
		keeper.InitRecord(name)
	}

	r.log.Info("plugin registered", logx.String("plugin", name), logx.String("version", id.Version), logx.Int("capabilities", len(ordered)))
	r.emit(eventbus.TypePluginRegistered, registryEvent{Plugin: name, Version: id.Version})
	return d, nil
}

// Unregister removes a plugin from resolution and invokes its scoped
// shutdown. In-flight tasks already dispatched to it complete naturally.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	d, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.plugins, name)
	keeper := r.keeper
	r.mu.Unlock()

	if keeper != nil {
		keeper.DropRecord(name)
	}

	sctx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	err := shutdownSafe(sctx, d.impl)
	cancel()
	if err != nil {
		r.log.Warn("plugin shutdown failed", logx.String("plugin", name), logx.Any("err", err))
		r.emit(eventbus.TypePluginUnregistered, registryEvent{Plugin: name, Err: err.Error()})
		return nil
	}

	r.log.Info("plugin unregistered", logx.String("plugin", name))
	r.emit(eventbus.TypePluginUnregistered, registryEvent{Plugin: name})
	return nil
}

// Resolve returns the names of plugins whose capability set contains
// taskType. An empty result is not an error; resolution policy belongs to
// the caller.
func (r *Registry) Resolve(taskType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, d := range r.plugins {
		if d.Handles(taskType) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.plugins[name]
	return d, ok
}

// List returns a consistent snapshot of current descriptors, sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.Lock()
	out := make([]*Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

// ShutdownAll unregisters every plugin. Used during orchestrator stop.
func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, d := range r.List() {
		if err := r.Unregister(ctx, d.Name); err != nil {
			// Already gone is fine; unregistration races with operators.
			r.log.Debug("shutdown-all skip", logx.String("plugin", d.Name), logx.Any("err", err))
		}
	}
}

func identifySafe(ctx context.Context, p Plugin) (id Identity, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic in Identity: %v\n%s", rec, debug.Stack())
			}
			close(done)
		}()
		id, err = p.Identity(ctx)
	}()
	select {
	case <-done:
		return id, err
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

func shutdownSafe(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Shutdown: %v", rec)
		}
	}()
	return p.Shutdown(ctx)
}
