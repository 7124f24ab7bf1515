package engine

import (
	"context"
	"time"

	"offstar/internal/health"
	"offstar/internal/plugin"
	"offstar/internal/task"
)

// Config controls the task execution engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a single plugin execution.
	DefaultTimeout time.Duration

	// MaxAttempts caps the attempt chain per logical task, the first run
	// included. 1 means no retries.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int

	// StrictHealth rejects submissions whose every candidate plugin is
	// unhealthy instead of queueing them in hope of recovery.
	StrictHealth bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Resolver is the slice of the registry the engine needs.
type Resolver interface {
	Resolve(taskType string) []string
	Get(name string) (*plugin.Descriptor, bool)
}

// HealthView is the slice of the health monitor the engine needs: status
// for routing, outcome recording for classification.
type HealthView interface {
	Status(name string) health.Status
	RecordOutcome(o task.Outcome)
}

// OutcomeRecorder persists finished outcomes. Persistence errors are logged,
// never propagated to the task path.
type OutcomeRecorder interface {
	AppendOutcome(ctx context.Context, o task.Outcome) error
}

type queuedTask struct {
	task       task.Task
	handle     *Handle
	enqueuedAt time.Time
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Plugin     string        `json:"plugin,omitempty"`
	Status     task.Status   `json:"status,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Counters are cumulative since engine start.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Rejected  uint64 `json:"rejected"`
	Retried   uint64 `json:"retried"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	InFlight int `json:"in_flight"`

	Counters Counters `json:"counters"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxAttempts    int           `json:"max_attempts"`

	History []task.Outcome `json:"history,omitempty"`
}
