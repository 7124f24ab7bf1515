package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal classification of a task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Priority orders tasks when the engine queue has work waiting.
// The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Task is a unit of work executed by exactly one plugin.
//
// Tasks are immutable after creation and owned by the engine for the
// duration of execution. RetryOf links a retry attempt to the task it
// re-submits; each attempt is a distinct Task with its own Outcome.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	RetryOf     string          `json:"retry_of,omitempty"`
	Attempt     int             `json:"attempt"`
}

// New builds a task with a fresh ID and submission timestamp.
func New(typ string, payload json.RawMessage, prio Priority) Task {
	return Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Payload:     payload,
		Priority:    prio,
		SubmittedAt: time.Now(),
		Attempt:     1,
	}
}

// Retry derives the next attempt from a finished task.
func (t Task) Retry() Task {
	return Task{
		ID:          uuid.NewString(),
		Type:        t.Type,
		Payload:     t.Payload,
		Priority:    t.Priority,
		SubmittedAt: time.Now(),
		RetryOf:     t.ID,
		Attempt:     t.Attempt + 1,
	}
}

// Outcome is the single terminal record produced for a Task.
// It is created exactly once and never mutated afterwards.
type Outcome struct {
	TaskID      string        `json:"task_id"`
	Plugin      string        `json:"plugin,omitempty"`
	Status      Status        `json:"status"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
	Attempt     int           `json:"attempt"`
	RetryOf     string        `json:"retry_of,omitempty"`
}

// OK reports whether the task finished successfully.
func (o Outcome) OK() bool { return o.Status == StatusSucceeded }
