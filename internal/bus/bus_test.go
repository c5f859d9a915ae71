package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(NewEvent("sync.cycle_completed", "test"))

	select {
	case evt := <-ch:
		if evt.Kind != "sync.cycle_completed" {
			t.Errorf("got kind %q, want sync.cycle_completed", evt.Kind)
		}
		if evt.Timestamp.IsZero() {
			t.Error("NewEvent did not stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("lookup.", 10)
	defer unsub()

	b.Publish(Event{Kind: "daemon.status_changed"})
	b.Publish(Event{Kind: "lookup.completed"})

	select {
	case evt := <-ch:
		if evt.Kind != "lookup.completed" {
			t.Errorf("got kind %q, want lookup.completed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("daemon.", 10)
	unsub()

	b.Publish(Event{Kind: "daemon.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full, so this one is dropped.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
