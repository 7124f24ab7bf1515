package health

import (
	"sort"
	"sync"
	"time"

	"offstar/internal/eventbus"
	"offstar/internal/plugin"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

// Status classifies a plugin's recent reliability.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Config controls health classification and probing.
//
// The trailing window is count-based: classification looks at the last
// WindowSize task outcomes per plugin. Rate thresholds only apply once the
// window is full, so a single early failure does not flap status.
type Config struct {
	WindowSize    int
	DegradedRate  float64
	UnhealthyRate float64

	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ProbeFailThreshold int
	// SoftLatency degrades a plugin whose probes succeed but take too long.
	SoftLatency time.Duration

	// Probes use their own small concurrency allowance so a saturated task
	// queue never starves them.
	ProbeConcurrency int
	ProbeRatePerSec  int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.DegradedRate <= 0 {
		c.DegradedRate = 0.3
	}
	if c.UnhealthyRate <= 0 {
		c.UnhealthyRate = 0.6
	}
	if c.UnhealthyRate < c.DegradedRate {
		c.UnhealthyRate = c.DegradedRate
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.ProbeFailThreshold <= 0 {
		c.ProbeFailThreshold = 3
	}
	if c.SoftLatency <= 0 {
		c.SoftLatency = 2 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 2
	}
	if c.ProbeRatePerSec <= 0 {
		c.ProbeRatePerSec = 8
	}
	return c
}

// Record is an exported point-in-time view of one plugin's health.
type Record struct {
	Plugin            string        `json:"plugin"`
	Status            Status        `json:"status"`
	SuccessCount      uint64        `json:"success_count"`
	FailureCount      uint64        `json:"failure_count"`
	WindowFailureRate float64       `json:"window_failure_rate"`
	AvgLatency        time.Duration `json:"avg_latency"`
	LastError         string        `json:"last_error,omitempty"`
	LastUpdated       time.Time     `json:"last_updated"`
	ProbeFails        int           `json:"probe_fails"`
}

// record holds the mutable state for one plugin. Each record has its own
// lock so outcome recording for one plugin never blocks another.
type record struct {
	mu sync.Mutex

	status  Status
	success uint64
	failure uint64

	// Ring of the last N task outcomes; true marks a failure.
	window []bool
	next   int
	filled int

	avgLatency  time.Duration
	lastErr     string
	lastUpdated time.Time
	probeFails  int
}

type healthEvent struct {
	Plugin string `json:"plugin"`
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Monitor tracks per-plugin health records and derives status per the
// transition rules. It implements plugin.RecordKeeper so the registry keeps
// record lifecycle in lockstep with (un)registration.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record

	log logx.Logger
	bus eventbus.Bus
}

func NewMonitor(cfg Config, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		records: map[string]*record{},
		log:     log,
		bus:     bus,
	}
}

// Apply swaps thresholds at runtime. Existing windows keep their contents;
// a shrunk window takes effect as new outcomes arrive.
func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// InitRecord implements plugin.RecordKeeper. Re-registering resets the
// record to unknown.
func (m *Monitor) InitRecord(name string) {
	cfg := m.config()
	m.mu.Lock()
	m.records[name] = &record{
		status:      StatusUnknown,
		window:      make([]bool, cfg.WindowSize),
		lastUpdated: time.Now(),
	}
	m.mu.Unlock()
}

// DropRecord implements plugin.RecordKeeper.
func (m *Monitor) DropRecord(name string) {
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
}

func (m *Monitor) get(name string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[name]
}

// RecordOutcome merges a task outcome into the plugin's record.
// Outcomes for unregistered plugins are a no-op, not a fault.
func (m *Monitor) RecordOutcome(o task.Outcome) {
	if o.Plugin == "" || o.Status == task.StatusRejected {
		return
	}
	r := m.get(o.Plugin)
	if r == nil {
		return
	}
	cfg := m.config()

	failed := !o.OK()
	r.mu.Lock()
	if failed {
		r.failure++
		r.lastErr = o.Error
	} else {
		r.success++
		r.observeLatencyLocked(o.Duration)
	}
	r.pushWindowLocked(failed, cfg.WindowSize)
	from, to, reason := r.transitionLocked(cfg)
	r.lastUpdated = time.Now()
	r.mu.Unlock()

	m.announce(o.Plugin, from, to, reason)
}

// RecordProbe merges a periodic probe result using the same transition
// rules as task outcomes. Probe failures drive the consecutive-failure
// counter; probe latency drives the soft-latency bound.
func (m *Monitor) RecordProbe(name string, rep plugin.HealthReport) {
	r := m.get(name)
	if r == nil {
		return
	}
	cfg := m.config()

	r.mu.Lock()
	if rep.Reachable {
		r.probeFails = 0
		r.observeLatencyLocked(rep.Latency)
		if rep.Latency > cfg.SoftLatency {
			r.lastErr = "probe latency above soft bound"
		}
	} else {
		r.probeFails++
		if rep.Detail != "" {
			r.lastErr = rep.Detail
		} else {
			r.lastErr = "probe failed"
		}
	}
	from, to, reason := r.transitionProbeLocked(cfg, rep)
	r.lastUpdated = time.Now()
	r.mu.Unlock()

	m.announce(name, from, to, reason)
}

// Status returns the current status for a plugin, StatusUnknown if it has
// no record.
func (m *Monitor) Status(name string) Status {
	r := m.get(name)
	if r == nil {
		return StatusUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot copies every record. Writers are only blocked for the time it
// takes to copy counters.
func (m *Monitor) Snapshot() []Record {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	recs := make([]*record, 0, len(m.records))
	for name, r := range m.records {
		names = append(names, name)
		recs = append(recs, r)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(recs))
	for i, r := range recs {
		r.mu.Lock()
		out = append(out, Record{
			Plugin:            names[i],
			Status:            r.status,
			SuccessCount:      r.success,
			FailureCount:      r.failure,
			WindowFailureRate: r.rateLocked(),
			AvgLatency:        r.avgLatency,
			LastError:         r.lastErr,
			LastUpdated:       r.lastUpdated,
			ProbeFails:        r.probeFails,
		})
		r.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

// Overall folds per-plugin records into a process-wide status (worst wins;
// unknown-only fleets stay unknown).
func Overall(records []Record) Status {
	if len(records) == 0 {
		return StatusUnknown
	}
	worst := StatusUnknown
	rank := map[Status]int{StatusUnknown: 0, StatusHealthy: 1, StatusDegraded: 2, StatusUnhealthy: 3}
	sawKnown := false
	for _, r := range records {
		if r.Status != StatusUnknown {
			sawKnown = true
		}
		if rank[r.Status] > rank[worst] {
			worst = r.Status
		}
	}
	if !sawKnown {
		return StatusUnknown
	}
	if worst == StatusUnknown {
		return StatusHealthy
	}
	return worst
}

func (m *Monitor) announce(name string, from, to Status, reason string) {
	if from == to {
		return
	}
	m.log.Info("plugin health changed",
		logx.String("plugin", name),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
		logx.String("reason", reason),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypePluginHealth, Data: healthEvent{Plugin: name, From: from, To: to, Reason: reason}})
	}
}

// ---- record internals (all require r.mu) ----

func (r *record) observeLatencyLocked(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.avgLatency == 0 {
		r.avgLatency = d
		return
	}
	// EWMA with alpha 0.2 keeps the average rolling without storing samples.
	r.avgLatency = time.Duration(float64(r.avgLatency)*0.8 + float64(d)*0.2)
}

func (r *record) pushWindowLocked(failed bool, size int) {
	if size <= 0 {
		size = 1
	}
	if len(r.window) != size {
		// Window resized via Apply: rebuild, keeping nothing. Cheaper and
		// simpler than splicing, and only happens on config reload.
		r.window = make([]bool, size)
		r.next = 0
		r.filled = 0
	}
	r.window[r.next] = failed
	r.next = (r.next + 1) % size
	if r.filled < size {
		r.filled++
	}
}

func (r *record) rateLocked() float64 {
	if r.filled == 0 {
		return 0
	}
	fails := 0
	for i := 0; i < r.filled; i++ {
		if r.window[i] {
			fails++
		}
	}
	return float64(fails) / float64(r.filled)
}

func (r *record) windowFull() bool { return r.filled > 0 && r.filled == len(r.window) }

// transitionLocked applies the outcome-driven transition rules and returns
// (from, to, reason).
func (r *record) transitionLocked(cfg Config) (Status, Status, string) {
	from := r.status
	rate := r.rateLocked()
	full := r.windowFull()

	switch r.status {
	case StatusUnknown:
		if full && rate >= cfg.UnhealthyRate {
			r.status = StatusUnhealthy
			return from, r.status, "failure rate above high threshold"
		}
		if full && rate >= cfg.DegradedRate {
			r.status = StatusDegraded
			return from, r.status, "failure rate above low threshold"
		}
		if r.success > 0 {
			r.status = StatusHealthy
			return from, r.status, "first success"
		}
	case StatusHealthy:
		if full && rate >= cfg.UnhealthyRate {
			r.status = StatusUnhealthy
			return from, r.status, "failure rate above high threshold"
		}
		if full && rate >= cfg.DegradedRate {
			r.status = StatusDegraded
			return from, r.status, "failure rate above low threshold"
		}
	case StatusDegraded:
		if full && rate >= cfg.UnhealthyRate {
			r.status = StatusUnhealthy
			return from, r.status, "failure rate above high threshold"
		}
		if full && rate < cfg.DegradedRate {
			r.status = StatusHealthy
			return from, r.status, "failure rate recovered for a full window"
		}
	case StatusUnhealthy:
		if full && rate < cfg.DegradedRate {
			r.status = StatusHealthy
			return from, r.status, "failure rate recovered for a full window"
		}
	}
	return from, r.status, ""
}

// transitionProbeLocked applies probe-driven rules: consecutive failures
// force unhealthy, recovery follows the first success, slow probes degrade.
func (r *record) transitionProbeLocked(cfg Config, rep plugin.HealthReport) (Status, Status, string) {
	from := r.status

	if !rep.Reachable {
		if r.probeFails >= cfg.ProbeFailThreshold && r.status != StatusUnhealthy {
			r.status = StatusUnhealthy
			return from, r.status, "consecutive probe failures"
		}
		return from, r.status, ""
	}

	switch r.status {
	case StatusUnknown:
		r.status = StatusHealthy
		return from, r.status, "probe succeeded"
	case StatusHealthy:
		if rep.Latency > cfg.SoftLatency {
			r.status = StatusDegraded
			return from, r.status, "probe latency above soft bound"
		}
	case StatusDegraded, StatusUnhealthy:
		// Outcome-window recovery still applies; a reachable probe alone
		// is not enough to clear a failure-rate demotion, but it does
		// recover plugins demoted purely by probe failures.
		if r.probeFails == 0 && (!r.windowFull() || r.rateLocked() < cfg.DegradedRate) && rep.Latency <= cfg.SoftLatency {
			r.status = StatusHealthy
			return from, r.status, "probe recovered"
		}
	}
	return from, r.status, ""
}

