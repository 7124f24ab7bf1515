// Package eventbus decouples the host's components with an in-memory,
// non-blocking fanout. Producers never wait on consumers: a slow
// subscriber loses events rather than stalling task dispatch.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the host.
const (
	TypePluginRegistered   = "plugin.registered"
	TypePluginUnregistered = "plugin.unregistered"
	TypePluginHealth       = "plugin.health.changed"

	TypeTaskSubmitted = "task.submitted"
	TypeTaskStarted   = "task.started"
	TypeTaskRejected  = "task.rejected"
	TypeTaskRetry     = "task.retry"

	TypeScheduleFired = "schedule.fired"
)

// Event is a lightweight signal. Data should be small and
// JSON-serializable; events may end up in diagnostics output.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. Time is stamped if zero.
	Publish(e Event)
	// Subscribe returns a buffered channel and its unsubscribe func.
	// Events that do not fit the buffer are dropped for that subscriber.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTypes is Subscribe restricted to the given event types.
	// Terminal task outcomes publish as "task.<status>", so a consumer
	// wanting only failures subscribes to "task.failed".
	SubscribeTypes(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// Stats are best-effort operational counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means all
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot under the read lock; sends happen lock-free so Publish
	// cannot stall Subscribe/unsubscribe.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// An unsubscribe may close the channel between the snapshot and
		// the send; the recover absorbs that race.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.add(buffer, nil)
}

func (b *memBus) SubscribeTypes(buffer int, types ...string) (<-chan Event, func()) {
	filter := make(map[string]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	return b.add(buffer, filter)
}

func (b *memBus) add(buffer int, filter map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: filter}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}
