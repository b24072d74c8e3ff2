package streams

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"camstream/internal/platform/logger"
)

func testLogger() *slog.Logger {
	return logger.New(io.Discard, "error", "text")
}

func TestBus_publish_in_order(t *testing.T) {
	b := NewBus(testLogger())
	sub := b.Subscribe("cam1", nil)

	b.Publish("cam1", EventStarted, nil)
	b.Publish("cam1", EventReconnecting, map[string]any{"attempt": 1})
	b.Publish("cam1", EventFailed, nil)

	want := []EventType{EventStarted, EventReconnecting, EventFailed}
	for i, w := range want {
		ev := <-sub.C
		if ev.Type != w {
			t.Errorf("event %d = %s, want %s", i, ev.Type, w)
		}
		if ev.Data["streamId"] != "cam1" {
			t.Errorf("event %d missing streamId, got %v", i, ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has zero timestamp", i)
		}
	}
}

func TestBus_initial_snapshot_delivered_first(t *testing.T) {
	b := NewBus(testLogger())
	initial := &Event{
		Type:      EventStatus,
		Data:      map[string]any{"streamId": "cam1", "status": "running"},
		Timestamp: time.Now(),
	}
	sub := b.Subscribe("cam1", initial)
	b.Publish("cam1", EventStopped, nil)

	first := <-sub.C
	if first.Type != EventStatus {
		t.Fatalf("first event = %s, want %s", first.Type, EventStatus)
	}
	second := <-sub.C
	if second.Type != EventStopped {
		t.Fatalf("second event = %s, want %s", second.Type, EventStopped)
	}
}

func TestBus_streams_are_isolated(t *testing.T) {
	b := NewBus(testLogger())
	sub1 := b.Subscribe("cam1", nil)
	sub2 := b.Subscribe("cam2", nil)

	b.Publish("cam1", EventStarted, nil)

	ev := <-sub1.C
	if ev.Data["streamId"] != "cam1" {
		t.Errorf("sub1 got %v", ev.Data)
	}
	select {
	case ev := <-sub2.C:
		t.Errorf("sub2 should receive nothing, got %v", ev)
	default:
	}
}

func TestBus_unsubscribe(t *testing.T) {
	b := NewBus(testLogger())
	sub := b.Subscribe("cam1", nil)

	b.Unsubscribe(sub)
	if _, open := <-sub.C; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount("cam1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestBus_unsubscribe_never_subscribed(t *testing.T) {
	b := NewBus(testLogger())
	// Must not panic for a foreign or nil subscription.
	b.Unsubscribe(&Subscription{C: make(chan Event)})
	b.Unsubscribe(nil)
}

func TestBus_unsubscribe_twice(t *testing.T) {
	b := NewBus(testLogger())
	sub := b.Subscribe("cam1", nil)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op, not a double close
}

func TestBus_stalled_subscriber_implicitly_unsubscribed(t *testing.T) {
	b := NewBus(testLogger())
	sub := b.Subscribe("cam1", nil)

	// Fill the buffer without draining, then publish one more.
	for i := 0; i < subscriptionBuffer; i++ {
		b.Publish("cam1", EventStarted, nil)
	}
	b.Publish("cam1", EventStarted, nil)

	if n := b.SubscriberCount("cam1"); n != 0 {
		t.Errorf("stalled subscriber should be dropped, count = %d", n)
	}

	// The buffered events are still readable, then the channel closes.
	got := 0
	for range sub.C {
		got++
	}
	if got != subscriptionBuffer {
		t.Errorf("drained %d buffered events, want %d", got, subscriptionBuffer)
	}
}

func TestBus_publish_no_subscribers(t *testing.T) {
	b := NewBus(testLogger())
	// Publishing into the void must be safe.
	b.Publish("ghost", EventFailed, nil)
}
