package engine

import "errors"

var (
	// ErrNoHandler is returned when no registered plugin lists the task's
	// type among its capabilities.
	ErrNoHandler = errors.New("no plugin handles task type")

	// ErrNoHealthyHandler is returned under strict health routing when
	// every candidate plugin is unhealthy.
	ErrNoHealthyHandler = errors.New("no healthy plugin for task type")

	// ErrBackpressure is returned when the queue is full. Submission never
	// blocks on queue space; callers decide whether to retry.
	ErrBackpressure = errors.New("task queue full")

	ErrStopped  = errors.New("task engine stopped")
	ErrStopping = errors.New("task engine stopping")
)
