package relay

import "sync"

// Event identifies a provider lifecycle notification.
type Event string

const (
	// EventConnect fires when the socket is established, including reconnects.
	EventConnect Event = "connect"
	// EventSynced fires when the relay has delivered the authoritative
	// document snapshot. Fires again after every reconnect.
	EventSynced Event = "synced"
	// EventDisconnect fires when the socket drops, whether by explicit
	// teardown or network loss.
	EventDisconnect Event = "disconnect"
	// EventAwareness fires with the full awareness snapshot on every change.
	EventAwareness Event = "awareness"
)

// Payload carries event data. Only awareness events populate States.
type Payload struct {
	States []AwarenessState
}

// emitter is a minimal typed event dispatcher. Subscribers get an off
// function and must call it symmetrically with every subscribe; the provider
// relies on that to avoid handler leaks across reconnects.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Event]map[int]func(Payload)
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[Event]map[int]func(Payload))}
}

func (e *emitter) on(ev Event, fn func(Payload)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.handlers[ev] == nil {
		e.handlers[ev] = make(map[int]func(Payload))
	}
	e.handlers[ev][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[ev], id)
	}
}

func (e *emitter) emit(ev Event, p Payload) {
	e.mu.Lock()
	fns := make([]func(Payload), 0, len(e.handlers[ev]))
	for _, fn := range e.handlers[ev] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (e *emitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[Event]map[int]func(Payload))
}
