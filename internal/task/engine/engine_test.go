package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offstar/internal/eventbus"
	"offstar/internal/health"
	"offstar/internal/plugin"
	"offstar/internal/task"
	logx "offstar/pkg/logx"
)

type fakePlugin struct {
	name string
	caps []string
	exec func(ctx context.Context, t task.Task) (any, error)
}

func (f *fakePlugin) Identity(ctx context.Context) (plugin.Identity, error) {
	return plugin.Identity{Name: f.name, Version: "0.0.1"}, nil
}
func (f *fakePlugin) Capabilities() []string { return f.caps }
func (f *fakePlugin) Execute(ctx context.Context, t task.Task) (any, error) {
	if f.exec == nil {
		return "ok", nil
	}
	return f.exec(ctx, t)
}
func (f *fakePlugin) Health(ctx context.Context) plugin.HealthReport {
	return plugin.HealthReport{Reachable: true, Latency: time.Millisecond}
}
func (f *fakePlugin) Shutdown(ctx context.Context) error { return nil }

type harness struct {
	reg     *plugin.Registry
	monitor *health.Monitor
	eng     *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logx.Nop()
	bus := eventbus.New()
	reg := plugin.NewRegistry(log, bus)
	mon := health.NewMonitor(health.Config{}, log, bus)
	reg.SetRecordKeeper(mon)
	eng := New(cfg, log, bus, reg, mon)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return &harness{reg: reg, monitor: mon, eng: eng}
}

func (h *harness) register(t *testing.T, p plugin.Plugin) {
	t.Helper()
	if _, err := h.reg.Register(context.Background(), p); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func waitOutcome(t *testing.T, h *Handle) task.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o
}

func TestEngineExecutesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	h.register(t, &fakePlugin{name: "echo", caps: []string{"ping"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		return string(tk.Payload), nil
	}})

	hd, err := h.eng.Submit(context.Background(), task.New("ping", json.RawMessage(`{"n":1}`), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if !o.OK() {
		t.Fatalf("outcome = %+v, want success", o)
	}
	if o.Plugin != "echo" || o.Attempt != 1 {
		t.Fatalf("outcome plugin/attempt = %s/%d, want echo/1", o.Plugin, o.Attempt)
	}
	if got, _ := o.Result.(string); got != `{"n":1}` {
		t.Fatalf("result = %v, want payload echoed", o.Result)
	}
}

func TestEngineExactlyOneOutcomePerTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 8, QueueSize: 256})
	h.register(t, &fakePlugin{name: "echo", caps: []string{"ping"}})

	const n = 100
	handles := make([]*Handle, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hd, err := h.eng.Submit(context.Background(), task.New("ping", nil, task.PriorityNormal))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			mu.Lock()
			handles = append(handles, hd)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, hd := range handles {
		o := waitOutcome(t, hd)
		if !o.OK() {
			t.Fatalf("outcome for %s = %+v, want success", hd.TaskID(), o)
		}
		if seen[o.TaskID] {
			t.Fatalf("duplicate outcome for task %s", o.TaskID)
		}
		seen[o.TaskID] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d outcomes, want %d", len(seen), n)
	}

	snap := h.eng.Snapshot()
	if snap.Counters.Succeeded != n {
		t.Fatalf("succeeded counter = %d, want %d", snap.Counters.Succeeded, n)
	}
}

func TestEngineNoHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.register(t, &fakePlugin{name: "echo", caps: []string{"ping"}})

	_, err := h.eng.Submit(context.Background(), task.New("unknown-type", nil, task.PriorityNormal))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Submit err = %v, want ErrNoHandler", err)
	}
}

func TestEngineBackpressure(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t, Config{Workers: 1, QueueSize: 1})
	h.register(t, &fakePlugin{name: "slow", caps: []string{"block"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	// One task occupies the worker, subsequent ones fill the queues, then
	// admission must fail fast rather than block.
	var handles []*Handle
	sawBackpressure := false
	for i := 0; i < 10; i++ {
		hd, err := h.eng.Submit(context.Background(), task.New("block", nil, task.PriorityNormal))
		if err != nil {
			if !errors.Is(err, ErrBackpressure) {
				t.Fatalf("Submit err = %v, want ErrBackpressure", err)
			}
			sawBackpressure = true
			continue
		}
		handles = append(handles, hd)
	}
	if !sawBackpressure {
		t.Fatal("never hit backpressure")
	}

	close(release)
	for _, hd := range handles {
		o := waitOutcome(t, hd)
		if !o.OK() {
			t.Fatalf("outcome = %+v, want success", o)
		}
	}
}

func TestEngineTimeoutDetachesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, DefaultTimeout: 50 * time.Millisecond})
	stuck := make(chan struct{})
	h.register(t, &fakePlugin{name: "stuck", caps: []string{"hang", "fast"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		if tk.Type == "hang" {
			// Ignores ctx on purpose.
			<-stuck
			return nil, errors.New("late")
		}
		return "fast", nil
	}})
	defer close(stuck)

	hd, err := h.eng.Submit(context.Background(), task.New("hang", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if o.Status != task.StatusTimedOut {
		t.Fatalf("outcome status = %s, want timed_out", o.Status)
	}
	if o.ErrorKind != string(plugin.FaultTimeout) {
		t.Fatalf("error kind = %s, want timeout", o.ErrorKind)
	}

	// The worker must be free again even though the plugin is still stuck.
	hd2, err := h.eng.Submit(context.Background(), task.New("fast", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit after timeout: %v", err)
	}
	if o := waitOutcome(t, hd2); !o.OK() {
		t.Fatalf("follow-up outcome = %+v, want success", o)
	}
}

func TestEngineRetryChain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, MaxAttempts: 3, RetryBase: time.Millisecond, RetryJitter: 0.01})
	var mu sync.Mutex
	calls := 0
	h.register(t, &fakePlugin{name: "flaky", caps: []string{"fetch"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, plugin.UpstreamUnavailable(fmt.Errorf("attempt %d refused", n))
		}
		return "recovered", nil
	}})

	hd, err := h.eng.Submit(context.Background(), task.New("fetch", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if !o.OK() {
		t.Fatalf("final outcome = %+v, want success", o)
	}
	if o.Attempt != 3 {
		t.Fatalf("final attempt = %d, want 3", o.Attempt)
	}
	if o.RetryOf == "" {
		t.Fatal("final outcome has no RetryOf link")
	}

	attempts := hd.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("attempt chain length = %d, want 3", len(attempts))
	}
	if attempts[0].TaskID != hd.TaskID() {
		t.Fatalf("first attempt task = %s, want %s", attempts[0].TaskID, hd.TaskID())
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i].RetryOf != attempts[i-1].TaskID {
			t.Fatalf("attempt %d RetryOf = %s, want %s", i+1, attempts[i].RetryOf, attempts[i-1].TaskID)
		}
	}
}

func TestEngineInvalidPayloadNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, MaxAttempts: 3, RetryBase: time.Millisecond})
	var mu sync.Mutex
	calls := 0
	h.register(t, &fakePlugin{name: "strict", caps: []string{"parse"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, plugin.InvalidPayload(errors.New("missing field"))
	}})

	hd, err := h.eng.Submit(context.Background(), task.New("parse", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if o.Status != task.StatusFailed || o.ErrorKind != string(plugin.FaultInvalidPayload) {
		t.Fatalf("outcome = %+v, want failed/invalid_payload", o)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("execute calls = %d, want 1 (no retries)", calls)
	}
}

func TestEnginePanicBecomesInternalFault(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.register(t, &fakePlugin{name: "bomb", caps: []string{"explode"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		panic("kaboom")
	}})

	hd, err := h.eng.Submit(context.Background(), task.New("explode", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if o.Status != task.StatusFailed || o.ErrorKind != string(plugin.FaultInternal) {
		t.Fatalf("outcome = %+v, want failed/internal_fault", o)
	}
}

func TestEngineStopFinalizesQueued(t *testing.T) {
	t.Parallel()
	log := logx.Nop()
	bus := eventbus.New()
	reg := plugin.NewRegistry(log, bus)
	mon := health.NewMonitor(health.Config{}, log, bus)
	reg.SetRecordKeeper(mon)
	eng := New(Config{Workers: 1, QueueSize: 8, DefaultTimeout: 50 * time.Millisecond}, log, bus, reg, mon)
	eng.Start(context.Background())

	block := make(chan struct{})
	if _, err := reg.Register(context.Background(), &fakePlugin{name: "slow", caps: []string{"block"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var handles []*Handle
	for i := 0; i < 5; i++ {
		hd, err := eng.Submit(context.Background(), task.New("block", nil, task.PriorityNormal))
		if err != nil {
			break
		}
		handles = append(handles, hd)
	}
	if len(handles) < 2 {
		t.Fatalf("accepted %d tasks, want at least 2", len(handles))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Stop(ctx)
	close(block)

	// Every accepted task still gets a terminal outcome: the in-flight one
	// times out or is cancelled, queued ones are rejected.
	for _, hd := range handles {
		if _, ok := hd.Outcome(); !ok {
			t.Fatalf("task %s has no terminal outcome after Stop", hd.TaskID())
		}
	}

	if _, err := eng.Submit(context.Background(), task.New("block", nil, task.PriorityNormal)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop err = %v, want ErrStopped", err)
	}
}

func TestEngineRoutesAroundUnhealthyPlugin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})

	var mu sync.Mutex
	hits := map[string]int{}
	mk := func(name string) *fakePlugin {
		return &fakePlugin{name: name, caps: []string{"work"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			return name, nil
		}}
	}
	h.register(t, mk("good"))
	h.register(t, mk("bad"))

	// Push "bad" to unhealthy directly through its health record.
	for i := 0; i < 10; i++ {
		h.monitor.RecordOutcome(task.Outcome{TaskID: fmt.Sprintf("seed-%d", i), Plugin: "bad", Status: task.StatusFailed, Error: "seed"})
	}
	if st := h.monitor.Status("bad"); st != health.StatusUnhealthy {
		t.Fatalf("seed status = %s, want unhealthy", st)
	}

	for i := 0; i < 6; i++ {
		hd, err := h.eng.Submit(context.Background(), task.New("work", nil, task.PriorityNormal))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		o := waitOutcome(t, hd)
		if o.Plugin != "good" {
			t.Fatalf("task routed to %s, want good", o.Plugin)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if hits["bad"] != 0 {
		t.Fatalf("unhealthy plugin executed %d tasks", hits["bad"])
	}
}

func TestEngineStrictHealthRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, StrictHealth: true})
	h.register(t, &fakePlugin{name: "only", caps: []string{"work"}})

	for i := 0; i < 10; i++ {
		h.monitor.RecordOutcome(task.Outcome{TaskID: fmt.Sprintf("seed-%d", i), Plugin: "only", Status: task.StatusFailed, Error: "seed"})
	}

	_, err := h.eng.Submit(context.Background(), task.New("work", nil, task.PriorityNormal))
	if !errors.Is(err, ErrNoHealthyHandler) {
		t.Fatalf("Submit err = %v, want ErrNoHealthyHandler", err)
	}
}

func TestEngineDefaultPolicyAttemptsUnhealthySoleHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})

	var executed int32
	h.register(t, &fakePlugin{name: "only", caps: []string{"work"}, exec: func(ctx context.Context, tk task.Task) (any, error) {
		atomic.AddInt32(&executed, 1)
		return "ran", nil
	}})

	for i := 0; i < 10; i++ {
		h.monitor.RecordOutcome(task.Outcome{TaskID: fmt.Sprintf("seed-%d", i), Plugin: "only", Status: task.StatusFailed, Error: "seed"})
	}
	if st := h.monitor.Status("only"); st != health.StatusUnhealthy {
		t.Fatalf("seed status = %s, want unhealthy", st)
	}

	hd, err := h.eng.Submit(context.Background(), task.New("work", nil, task.PriorityNormal))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o := waitOutcome(t, hd)
	if !o.OK() {
		t.Fatalf("outcome = %+v, want the last-resort candidate executed", o)
	}
	if o.Plugin != "only" || atomic.LoadInt32(&executed) != 1 {
		t.Fatalf("plugin=%s executed=%d, want only/1", o.Plugin, executed)
	}
}
