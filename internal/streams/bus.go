package streams

import (
	"log/slog"
	"sync"
	"time"
)

// subscriptionBuffer is how many undelivered events a subscriber may lag
// behind before it is treated as gone and implicitly unsubscribed.
const subscriptionBuffer = 16

// Subscription is one real-time listener's feed of a single stream's
// lifecycle events. The channel is closed when the listener is
// unsubscribed, explicitly or implicitly.
type Subscription struct {
	C chan Event

	streamID string
	closed   bool // guarded by the bus mutex
}

// StreamID returns the stream id this subscription is registered against.
func (s *Subscription) StreamID() string { return s.streamID }

// Bus fans lifecycle events out to subscribers keyed by stream id. Events
// for a single stream reach each subscriber in publish order; there is no
// ordering across streams. Delivery to a listener that can no longer keep
// up is an implicit unsubscribe, never an error.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBus returns an empty notification bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener for the given stream id. If initial is
// non-nil it is delivered first, before any event published afterwards, so
// a new listener never misses the current state.
func (b *Bus) Subscribe(id string, initial *Event) *Subscription {
	sub := &Subscription{
		C:        make(chan Event, subscriptionBuffer),
		streamID: id,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}

	if initial != nil {
		// Buffer is empty at this point, the send cannot block.
		sub.C <- *initial
	}

	return sub
}

// Unsubscribe removes the listener from every stream's subscriber set and
// closes its channel. Safe to call for a listener that was never
// subscribed, and safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub)
}

// Publish delivers an event to every live listener registered for id.
// Sends never block, so callers may publish while holding their own locks.
func (b *Bus) Publish(id string, typ EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["streamId"] = id

	ev := Event{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[id] {
		select {
		case sub.C <- ev:
		default:
			// Listener stopped draining; its transport is gone or wedged.
			b.log.Debug("dropping stalled subscriber", slog.String("stream_id", id))
			b.dropLocked(sub)
		}
	}
}

// SubscriberCount returns the number of live listeners for id.
func (b *Bus) SubscriberCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// dropLocked removes sub everywhere and closes its channel once.
// Caller must hold b.mu.
func (b *Bus) dropLocked(sub *Subscription) {
	for id, set := range b.subs {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, id)
			}
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
}
