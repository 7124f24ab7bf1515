package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"offstar/internal/eventbus"
	"offstar/internal/task"
	logx "offstar/pkg/logx"

	rtsup "offstar/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service executes tasks against registered plugins with a bounded worker
// pool and a bounded queue.
//
// Admission is synchronous and non-blocking: Submit either accepts a task
// and returns a Handle, or rejects it with a typed error. Every accepted
// task produces exactly one terminal outcome on its Handle, shutdown
// included.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	resolver Resolver
	healthv  HealthView
	recorder OutcomeRecorder

	// Two queues implement priority: workers drain high before normal.
	// PriorityLow shares the normal queue.
	high chan queuedTask
	norm chan queuedTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight int32

	pickMu   sync.Mutex
	lastUsed map[string]time.Time

	hmu     sync.Mutex
	history []task.Outcome

	submitted uint64
	succeeded uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64
	retried   uint64

	lastQueueFullWarnAt int64
}

type Option func(*Service)

// WithOutcomeRecorder wires outcome persistence. Append failures are logged
// and never reach the task path.
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, resolver Resolver, healthv HealthView, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		resolver: resolver,
		healthv:  healthv,
		lastUsed: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps runtime-tunable settings. If the worker pool or queue size
// changed, the engine restarts its workers; queued tasks are finalized as
// rejected rather than silently dropped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. If a stop is in progress it waits for it first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.high = make(chan queuedTask, cfg.QueueSize)
	s.norm = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	atomic.StoreInt32(&s.inFlight, 0)
	stopCh := s.stopCh
	high := s.high
	norm := s.norm

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, high, norm, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(norm)))
}

// Stop drains the engine: submission stops immediately, workers finish the
// task they are running, queued tasks are finalized as rejected. If ctx
// expires first, in-flight executions are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	high := s.high
	norm := s.norm
	s.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.rejectQueued(high)
		s.rejectQueued(norm)
		s.mu.Lock()
		s.high = nil
		s.norm = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine drain timed out, cancelling in-flight tasks", logx.Any("err", ctx.Err()))
		if sup != nil {
			sup.Cancel()
		}
		<-done
	}
}

// rejectQueued finalizes tasks that never reached a worker so their
// handles do not hang forever.
func (s *Service) rejectQueued(q chan queuedTask) {
	if q == nil {
		return
	}
	for {
		select {
		case qt := <-q:
			o := s.rejectedOutcome(qt.task, ErrStopped)
			s.finish(qt, o, true)
		default:
			return
		}
	}
}

// Submit validates and enqueues a task, returning a Handle to await its
// outcome. It never blocks on queue space: a full queue is ErrBackpressure.
func (s *Service) Submit(ctx context.Context, t task.Task) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typ := strings.TrimSpace(t.Type)
	if typ == "" {
		return nil, fmt.Errorf("task type is required")
	}
	t.Type = typ
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}

	s.mu.Lock()
	cfg := s.cfg
	stopped := s.stopCh == nil
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopped {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}

	candidates := s.resolver.Resolve(t.Type)
	if len(candidates) == 0 {
		atomic.AddUint64(&s.rejected, 1)
		s.publish(eventbus.TypeTaskRejected, TaskEvent{ID: t.ID, Type: t.Type, Status: task.StatusRejected, Error: ErrNoHandler.Error()})
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t.Type)
	}
	if cfg.StrictHealth && !s.anyUsable(candidates) {
		atomic.AddUint64(&s.rejected, 1)
		s.publish(eventbus.TypeTaskRejected, TaskEvent{ID: t.ID, Type: t.Type, Status: task.StatusRejected, Error: ErrNoHealthyHandler.Error()})
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyHandler, t.Type)
	}

	h := newHandle(t.ID)
	if err := s.enqueue(queuedTask{task: t, handle: h, enqueuedAt: time.Now()}); err != nil {
		return nil, err
	}

	atomic.AddUint64(&s.submitted, 1)
	s.publish(eventbus.TypeTaskSubmitted, TaskEvent{ID: t.ID, Type: t.Type, Attempt: t.Attempt})
	return h, nil
}

func (s *Service) enqueue(qt queuedTask) error {
	s.mu.Lock()
	q := s.norm
	if qt.task.Priority == task.PriorityHigh {
		q = s.high
	}
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	select {
	case q <- qt:
		return nil
	default:
		atomic.AddUint64(&s.rejected, 1)
		s.publish(eventbus.TypeTaskRejected, TaskEvent{ID: qt.task.ID, Type: qt.task.Type, Status: task.StatusRejected, Error: ErrBackpressure.Error()})
		if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
			s.log.Warn("task rejected: queue full",
				logx.String("type", qt.task.Type),
				logx.String("id", qt.task.ID),
				logx.Int("queue_len", len(q)),
				logx.Int("queue_cap", cap(q)),
			)
		}
		return ErrBackpressure
	}
}

func (s *Service) anyUsable(candidates []string) bool {
	for _, name := range candidates {
		if s.healthv == nil {
			return true
		}
		if s.healthv.Status(name) != healthUnusable {
			return true
		}
	}
	return false
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	high := s.high
	norm := s.norm
	s.mu.Unlock()

	ql, qc := 0, 0
	if norm != nil {
		ql = len(norm) + len(high)
		qc = cap(norm) + cap(high)
	}

	s.hmu.Lock()
	h := make([]task.Outcome, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Counters:       s.counters(),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		History:        h,
	}
}

func (s *Service) counters() Counters {
	return Counters{
		Submitted: atomic.LoadUint64(&s.submitted),
		Succeeded: atomic.LoadUint64(&s.succeeded),
		Failed:    atomic.LoadUint64(&s.failed),
		TimedOut:  atomic.LoadUint64(&s.timedOut),
		Rejected:  atomic.LoadUint64(&s.rejected),
		Retried:   atomic.LoadUint64(&s.retried),
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) rejectedOutcome(t task.Task, cause error) task.Outcome {
	return task.Outcome{
		TaskID:      t.ID,
		Status:      task.StatusRejected,
		Error:       cause.Error(),
		CompletedAt: time.Now(),
		Attempt:     t.Attempt,
		RetryOf:     t.RetryOf,
	}
}

// finish records an outcome everywhere it belongs: handle, health record,
// history ring, counters, persistence, event bus.
func (s *Service) finish(qt queuedTask, o task.Outcome, terminal bool) {
	qt.handle.record(o, terminal)

	switch o.Status {
	case task.StatusSucceeded:
		atomic.AddUint64(&s.succeeded, 1)
	case task.StatusFailed:
		atomic.AddUint64(&s.failed, 1)
	case task.StatusTimedOut:
		atomic.AddUint64(&s.timedOut, 1)
	case task.StatusRejected:
		atomic.AddUint64(&s.rejected, 1)
	}

	if s.healthv != nil {
		s.healthv.RecordOutcome(o)
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, o)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	if s.recorder != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.AppendOutcome(rctx, o); err != nil {
			s.log.Warn("outcome persistence failed", logx.String("task", o.TaskID), logx.Any("err", err))
		}
		cancel()
	}

	s.publish("task."+string(o.Status), TaskEvent{
		ID:       o.TaskID,
		Type:     qt.task.Type,
		Plugin:   o.Plugin,
		Status:   o.Status,
		Duration: o.Duration,
		Attempt:  o.Attempt,
		Error:    o.Error,
	})
}
