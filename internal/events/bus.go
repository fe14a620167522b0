package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of playback event.
type Type string

const (
	TypePlay              Type = "play"
	TypePause             Type = "pause"
	TypeStop              Type = "stop"
	TypeSliceChange       Type = "slice_change"
	TypeBufferUpdate      Type = "buffer_update"
	TypePerformanceUpdate Type = "performance_update"
)

// Event is an immutable playback or performance notification.
// Data payloads are maps so listeners never share mutable engine state.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// Listener receives events of the type it subscribed to.
type Listener func(Event)

// ListenerID identifies a subscription for removal.
type ListenerID string

// BusStats tracks event delivery counts per type.
type BusStats struct {
	Emitted   map[Type]uint64
	Delivered uint64
	Recovered uint64
}

// Bus fans events out to listeners keyed by event type.
// Listeners are invoked synchronously at emit time; a panicking listener
// is recovered so it cannot break delivery to the others or abort the
// state transition that triggered the event.
type Bus struct {
	mu        sync.Mutex
	listeners map[Type]map[ListenerID]Listener
	emitted   map[Type]uint64
	delivered uint64
	recovered uint64
	closed    bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Type]map[ListenerID]Listener),
		emitted:   make(map[Type]uint64),
	}
}

// Subscribe registers a listener for one event type and returns its handle.
func (b *Bus) Subscribe(t Type, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || fn == nil {
		return ""
	}

	id := ListenerID(uuid.NewString())
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[ListenerID]Listener)
	}
	b.listeners[t][id] = fn
	return id
}

// Unsubscribe removes a listener by handle. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(t Type, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.listeners[t]; ok {
		delete(set, id)
	}
}

// Emit delivers an event to every listener registered for its type.
// Delivery happens outside the bus lock so listeners may call back
// into the bus (e.g. to unsubscribe themselves).
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.emitted[ev.Type]++
	targets := make([]Listener, 0, len(b.listeners[ev.Type]))
	for _, fn := range b.listeners[ev.Type] {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		b.dispatch(fn, ev)
	}
}

// dispatch invokes a single listener with panic isolation.
func (b *Bus) dispatch(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.recovered++
			b.mu.Unlock()
			log.Printf("Event listener panicked on %s event: %v", ev.Type, r)
		}
	}()

	fn(ev)

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	emitted := make(map[Type]uint64, len(b.emitted))
	for t, n := range b.emitted {
		emitted[t] = n
	}
	return BusStats{
		Emitted:   emitted,
		Delivered: b.delivered,
		Recovered: b.recovered,
	}
}

// Close drops all listeners. Subsequent Subscribe/Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.listeners = nil
}
