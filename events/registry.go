package events

import "sync"

// Registry maps event kinds to the handlers registered for them. Handlers are
// typed at registration, so dispatch never inspects the event beyond its
// kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]func(Event)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Kind][]func(Event)),
	}
}

// Register adds a handler for events of type E.
func Register[E Event](r *Registry, handler func(E)) {
	var zero E
	kind := zero.Kind()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[kind] = append(r.handlers[kind], func(ev Event) {
		// The kind matched, so the assertion only fails if two
		// variants share a tag.
		typed, ok := ev.(E)
		if !ok {
			log.Errorf("Event %v has unexpected type %T", kind, ev)
			return
		}

		handler(typed)
	})
}

// Dispatch runs every handler registered for the event's kind, in
// registration order.
func (r *Registry) Dispatch(ev Event) {
	r.mu.RLock()
	handlers := r.handlers[ev.Kind()]
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Kinds returns the number of kinds that have at least one handler.
func (r *Registry) Kinds() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}
