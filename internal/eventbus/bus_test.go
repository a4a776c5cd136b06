package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "cycle.end"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "cycle.end" {
				t.Fatalf("sub %d: got type %q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := New()
	ch, un := b.SubscribeTypes(4, "notifier.")
	defer un()

	b.Publish(Event{Type: "cycle.end"})
	b.Publish(Event{Type: "notifier.sent"})

	select {
	case e := <-ch:
		if e.Type != "notifier.sent" {
			t.Fatalf("filter leaked %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, un := b.Subscribe(1)
	defer un()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped, must not block

	e := <-ch
	if e.Type != "a" {
		t.Fatalf("got %q", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %q", e.Type)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	ch, un := b.Subscribe(1)
	_ = ch
	un()
	un() // double unsubscribe is a no-op
	b.Publish(Event{Type: "x"})
}
