package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"offstar/internal/eventbus"
	"offstar/internal/plugin"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, high, norm chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry
	// concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		// High-priority work first.
		select {
		case qt := <-high:
			s.execOne(ctx, qt, rng)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-high:
			s.execOne(ctx, qt, rng)
		case qt := <-norm:
			s.execOne(ctx, qt, rng)
		}
	}
}

type execResult struct {
	res any
	err error
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	t := qt.task
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Plugin is picked at dispatch, not at submit, so a plugin registered
	// (or recovered) while the task was queued is eligible.
	d, ok := s.pick(t.Type, cfg.StrictHealth)
	if !ok {
		o := s.rejectedOutcome(t, ErrNoHealthyHandler)
		s.log.Warn("task has no usable plugin", logx.String("type", t.Type), logx.String("id", t.ID))
		s.finish(qt, o, true)
		return
	}

	s.log.Debug("task started",
		logx.String("type", t.Type),
		logx.String("id", t.ID),
		logx.String("plugin", d.Name),
		logx.Int("attempt", t.Attempt),
		logx.Duration("queue_delay", queueDelay),
	)
	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: t.ID, Type: t.Type, Plugin: d.Name, QueueDelay: queueDelay, Attempt: t.Attempt})

	o := s.execute(ctx, d, t, cfg.DefaultTimeout)
	o.CompletedAt = time.Now()

	terminal := !s.shouldRetry(cfg, t, o)
	s.logOutcome(t, o, queueDelay)
	s.finish(qt, o, terminal)

	if !terminal {
		s.scheduleRetry(t, qt.handle, rng)
	}
}

// execute runs the plugin on its own goroutine so the worker can enforce
// the per-task timeout even against a plugin that ignores its context. On
// timeout the attempt is detached: the worker moves on and the late result
// is discarded when (if) it arrives.
func (s *Service) execute(ctx context.Context, d *plugin.Descriptor, t task.Task, timeout time.Duration) task.Outcome {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("plugin panic",
					logx.String("plugin", d.Name),
					logx.String("task", t.ID),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
				ch <- execResult{err: plugin.Internal(fmt.Errorf("panic: %v", rec))}
			}
		}()
		res, err := d.Instance().Execute(execCtx, t)
		ch <- execResult{res: res, err: err}
	}()

	base := task.Outcome{TaskID: t.ID, Plugin: d.Name, Attempt: t.Attempt, RetryOf: t.RetryOf}

	select {
	case r := <-ch:
		base.Duration = time.Since(start)
		if r.err == nil {
			base.Status = task.StatusSucceeded
			base.Result = r.res
			return base
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			base.Status = task.StatusTimedOut
			base.Error = r.err.Error()
			base.ErrorKind = string(plugin.FaultTimeout)
			return base
		}
		base.Status = task.StatusFailed
		base.Error = r.err.Error()
		base.ErrorKind = string(plugin.KindOf(r.err))
		return base
	case <-execCtx.Done():
		base.Duration = time.Since(start)
		go func() {
			r := <-ch
			s.log.Debug("late result discarded", logx.String("plugin", d.Name), logx.String("task", t.ID), logx.Any("err", r.err))
		}()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			base.Status = task.StatusTimedOut
			base.Error = "execution deadline exceeded"
			base.ErrorKind = string(plugin.FaultTimeout)
			return base
		}
		base.Status = task.StatusFailed
		base.Error = "execution cancelled"
		base.ErrorKind = string(plugin.FaultInternal)
		return base
	}
}

func (s *Service) logOutcome(t task.Task, o task.Outcome, queueDelay time.Duration) {
	fields := []logx.Field{
		logx.String("type", t.Type),
		logx.String("id", t.ID),
		logx.String("plugin", o.Plugin),
		logx.Int("attempt", o.Attempt),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", o.Duration),
	}
	switch o.Status {
	case task.StatusSucceeded:
		if o.Duration >= 750*time.Millisecond {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
	case task.StatusTimedOut:
		s.log.Warn("task timed out", fields...)
	default:
		s.log.Warn("task failed", append(fields, logx.String("err", o.Error), logx.String("kind", o.ErrorKind))...)
	}
}

// shouldRetry allows retries only for failed attempts with a retryable
// fault kind. Timeouts are not retried: a slow plugin would just absorb
// double load.
func (s *Service) shouldRetry(cfg Config, t task.Task, o task.Outcome) bool {
	if o.Status != task.StatusFailed {
		return false
	}
	if t.Attempt >= cfg.MaxAttempts {
		return false
	}
	return plugin.Retryable(plugin.FaultKind(o.ErrorKind))
}

// scheduleRetry derives the next attempt as a new task linked via RetryOf
// and enqueues it after a jittered exponential backoff. If the engine
// stops or the queue is full when the timer fires, the handle is finalized
// with the retry marked rejected so it never hangs.
func (s *Service) scheduleRetry(t task.Task, h *Handle, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	next := t.Retry()
	delay := backoffDelay(cfg, t.Attempt, rng)
	atomic.AddUint64(&s.retried, 1)
	s.publish(eventbus.TypeTaskRetry, TaskEvent{ID: next.ID, Type: next.Type, Attempt: next.Attempt})
	s.log.Debug("task retry scheduled",
		logx.String("type", next.Type),
		logx.String("id", next.ID),
		logx.String("retry_of", next.RetryOf),
		logx.Int("attempt", next.Attempt),
		logx.Duration("delay", delay),
	)

	time.AfterFunc(delay, func() {
		qt := queuedTask{task: next, handle: h, enqueuedAt: time.Now()}
		if err := s.enqueue(qt); err != nil {
			s.finish(qt, s.rejectedOutcome(next, err), true)
		}
	})
}

func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
