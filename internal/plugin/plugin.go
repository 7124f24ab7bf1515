package plugin

import (
	"context"
	"encoding/json"
	"time"

	"offstar/internal/task"
)

// Identity names a plugin. It is stable for the plugin's lifetime.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HealthReport is a lightweight self-report returned by Health().
//
// It must be cheap to produce: the prober calls it on a short deadline and
// treats an overrun as unreachable.
type HealthReport struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// Plugin is the capability contract every loadable module satisfies.
//
// Execute must not let faults escape untyped: failures should be wrapped
// with InvalidPayload/UpstreamUnavailable/ExecTimeout/Internal so the engine
// can classify them. Anything else (including panics) is treated as an
// internal fault by the caller.
//
// Shutdown releases held resources (connections, background work) and must
// be idempotent.
type Plugin interface {
	Identity(ctx context.Context) (Identity, error)
	Capabilities() []string
	Execute(ctx context.Context, t task.Task) (any, error)
	Health(ctx context.Context) HealthReport
	Shutdown(ctx context.Context) error
}

// Configurable is an optional interface for plugins that accept a config
// block. The host pushes the raw block after registration and again on
// every config reload; a returned error keeps the previous settings.
type Configurable interface {
	Configure(raw json.RawMessage) error
}

// Descriptor is the registry's record of a loaded plugin.
// It is created on registration and removed on unregistration; the
// registry is the only mutator.
type Descriptor struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`

	impl Plugin
	caps map[string]struct{}
}

// Instance returns the live plugin behind the descriptor.
func (d *Descriptor) Instance() Plugin { return d.impl }

// Handles reports whether the plugin accepts the given task type.
func (d *Descriptor) Handles(taskType string) bool {
	_, ok := d.caps[taskType]
	return ok
}
