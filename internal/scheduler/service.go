package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"offstar/internal/config"
	"offstar/internal/eventbus"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

// Submitter accepts scheduled task submissions. The agent satisfies this.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) error
}

type def struct {
	name    string
	raw     string
	spec    ParsedSpec
	task    string
	payload []byte
	prio    task.Priority

	runs    uint64
	errs    uint64
	lastErr string
	lastRun time.Time
}

// ScheduleStatus is a diagnostics view of one schedule.
type ScheduleStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Task    string    `json:"task"`
	Runs    uint64    `json:"runs"`
	Errors  uint64    `json:"errors"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_err,omitempty"`
}

// Service fires configured schedules by submitting tasks to the engine.
// It triggers only; execution, routing and retries belong to the engine.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []*def

	running bool
}

func New(log logx.Logger, bus eventbus.Bus, sub Submitter) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		bus:    bus,
		sub:    sub,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func parsePriority(s string) task.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return task.PriorityLow
	case "high":
		return task.PriorityHigh
	default:
		return task.PriorityNormal
	}
}

// Apply replaces the schedule set. If the service is running, cron is
// restarted with the new definitions. Invalid specs reject the whole set so
// a hot reload cannot half-apply.
func (s *Service) Apply(schedules []config.ScheduleConfig) error {
	defs := make([]*def, 0, len(schedules))
	for _, sc := range schedules {
		if !sc.IsEnabled() {
			continue
		}
		spec, err := ParseSchedule(sc.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		if spec.Kind == SpecCron {
			if _, err := s.parser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("schedule %q: %w", sc.Name, err)
			}
		}
		defs = append(defs, &def{
			name:    sc.Name,
			raw:     sc.Spec,
			spec:    spec,
			task:    sc.Task,
			payload: append([]byte(nil), sc.Payload...),
			prio:    parsePriority(sc.Priority),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	if s.running {
		s.stopCronLocked()
		s.startCronLocked()
	}
	return nil
}

// Validate checks a schedule set without applying it. Used as the config
// hot-reload gate.
func (s *Service) Validate(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		spec, err := ParseSchedule(sc.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		if spec.Kind == SpecCron {
			if _, err := s.parser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("schedule %q: %w", sc.Name, err)
			}
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startCronLocked()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser))
	for _, d := range s.defs {
		d := d
		job := func() { s.fire(d) }
		switch d.spec.Kind {
		case SpecCron:
			if _, err := s.c.AddFunc(d.spec.Cron, job); err != nil {
				// Apply/Validate already parsed the spec; this is a
				// should-not-happen guard.
				s.log.Error("schedule register failed", logx.String("schedule", d.name), logx.Any("err", err))
			}
		case SpecInterval:
			s.c.Schedule(cron.Every(d.spec.Every), cron.FuncJob(job))
		}
	}
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) fire(d *def) {
	t := task.New(d.task, d.payload, d.prio)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.sub.Submit(ctx, t)
	cancel()

	s.mu.Lock()
	d.runs++
	d.lastRun = time.Now()
	if err != nil {
		d.errs++
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("schedule submit failed", logx.String("schedule", d.name), logx.String("task", d.task), logx.Any("err", err))
	} else {
		s.log.Debug("schedule fired", logx.String("schedule", d.name), logx.String("task", d.task), logx.String("id", t.ID))
	}
	if s.bus != nil {
		ev := map[string]any{"schedule": d.name, "task": d.task, "id": t.ID}
		if err != nil {
			ev["err"] = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: ev})
	}
}

// Snapshot returns diagnostics for every configured schedule.
func (s *Service) Snapshot() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleStatus, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, ScheduleStatus{
			Name:    d.name,
			Spec:    d.raw,
			Task:    d.task,
			Runs:    d.runs,
			Errors:  d.errs,
			LastRun: d.lastRun,
			LastErr: d.lastErr,
		})
	}
	return out
}
