package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StateSnapshot captures the agent's durable state across restarts: which
// plugins were loaded and how healthy they looked at shutdown.
type StateSnapshot struct {
	SavedAt time.Time     `json:"saved_at"`
	Plugins []PluginState `json:"plugins"`
}

type PluginState struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Health  string `json:"health,omitempty"`
}
