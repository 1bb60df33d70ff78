package realtime

import "sync"

// Handler consumes a dispatched event.
type Handler func(ev Event)

// Subscription is the handle returned at registration time. Off removes
// exactly this registration; other handlers for the same event survive.
type Subscription struct {
	bus   *bus
	event string
	id    uint64
	fn    Handler
}

// Off unregisters the subscription. Safe to call more than once.
func (s *Subscription) Off() {
	s.bus.unsubscribe(s)
}

// bus is an event-name-keyed subscriber registry. Handlers for one event
// fire in registration order. Each connection instance gets its own bus, and
// publish is only ever called from that connection's dispatch goroutine, so
// handlers never run concurrently with each other.
type bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64
}

func newBus() *bus {
	return &bus{subs: make(map[string][]*Subscription)}
}

func (b *bus) subscribe(event string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, event: event, id: b.nextID, fn: fn}
	b.subs[event] = append(b.subs[event], sub)
	return sub
}

func (b *bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	list := b.subs[ev.Name]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.fn
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
