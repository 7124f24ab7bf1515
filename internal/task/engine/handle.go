package engine

import (
	"context"
	"sync"

	"offstar/internal/task"
)

// Handle tracks a submitted task through its attempt chain to a terminal
// outcome. One Handle covers the original submission and every retry
// derived from it; each attempt still gets its own Outcome.
type Handle struct {
	id string

	mu       sync.Mutex
	attempts []task.Outcome
	final    task.Outcome
	done     chan struct{}
	closed   bool
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// TaskID returns the ID of the originally submitted task.
func (h *Handle) TaskID() string { return h.id }

// Done is closed once the terminal outcome is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the terminal outcome or ctx cancellation. The task
// keeps running either way; an abandoned Wait does not cancel work.
func (h *Handle) Wait(ctx context.Context) (task.Outcome, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.final, nil
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	}
}

// Outcome returns the terminal outcome if the task has finished.
func (h *Handle) Outcome() (task.Outcome, bool) {
	select {
	case <-h.done:
	default:
		return task.Outcome{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, true
}

// Attempts returns the outcomes recorded so far, oldest first. Non-terminal
// attempts appear as soon as they finish, before any retry runs.
func (h *Handle) Attempts() []task.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]task.Outcome, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// record appends an attempt outcome; terminal closes the handle. Multiple
// terminal records are tolerated (first wins) so shutdown races stay safe.
func (h *Handle) record(o task.Outcome, terminal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.attempts = append(h.attempts, o)
	if terminal {
		h.final = o
		h.closed = true
		close(h.done)
	}
}
