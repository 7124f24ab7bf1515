package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: TypeTaskSubmitted, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskSubmitted || e.Time.IsZero() {
				t.Fatalf("sub %d: event = %+v", i, e)
			}
		default:
			t.Fatalf("sub %d: no event delivered", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, un := b.Subscribe(1)
	defer un()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, must not block

	st := b.Stats()
	if st.Published != 2 || st.Dropped != 1 {
		t.Fatalf("stats = %+v, want published 2 dropped 1", st)
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()

	b := New()
	ch, un := b.SubscribeTypes(4, TypePluginHealth)
	defer un()

	b.Publish(Event{Type: TypeTaskStarted})
	b.Publish(Event{Type: TypePluginHealth})

	select {
	case e := <-ch:
		if e.Type != TypePluginHealth {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("filtered event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
	// The filtered-out event must not count as a drop.
	if st := b.Stats(); st.Dropped != 0 {
		t.Fatalf("dropped = %d, want 0", st.Dropped)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	_, un := b.Subscribe(1)
	un()
	un()
	b.Publish(Event{Type: "after"}) // must not panic
}
