// Package echo is the smallest useful plugin: it answers pings and
// reflects payloads back. It doubles as the canonical example of the
// plugin contract.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"offstar/internal/plugin"
	"offstar/internal/task"
)

type Config struct {
	Prefix string `json:"prefix"`
}

type Plugin struct {
	mu  sync.Mutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Identity(context.Context) (plugin.Identity, error) {
	return plugin.Identity{Name: "echo", Version: "1.0.0"}, nil
}

func (p *Plugin) Capabilities() []string { return []string{"echo", "ping"} }

func (p *Plugin) Configure(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c Config
	if err := dec.Decode(&c); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Execute(ctx context.Context, t task.Task) (any, error) {
	p.mu.Lock()
	prefix := p.cfg.Prefix
	p.mu.Unlock()

	switch t.Type {
	case "ping":
		return "pong", nil
	default:
		if len(t.Payload) == 0 {
			return prefix, nil
		}
		var v any
		if err := json.Unmarshal(t.Payload, &v); err != nil {
			return nil, plugin.InvalidPayload(err)
		}
		if s, ok := v.(string); ok {
			return prefix + s, nil
		}
		return v, nil
	}
}

func (p *Plugin) Health(context.Context) plugin.HealthReport {
	return plugin.HealthReport{Reachable: true, Latency: time.Microsecond}
}

func (p *Plugin) Shutdown(context.Context) error { return nil }
