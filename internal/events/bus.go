// Package events records world events into the world graph and fans them out
// to the characters who perceived them. The in-process bus gives engine
// subsystems a synchronous hook on every published event.
package events

import (
	"context"
	"sync"

	"fableforge/internal/logging"
)

// Handler reacts to one published event. Publish awaits each handler; a
// handler error is logged but does not stop delivery to later handlers.
type Handler func(ctx context.Context, ev *WorldEvent) error

// Bus is a minimal in-process pub/sub keyed by event type. No persistence,
// no reordering; delivery order follows subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event type. The type "*" receives
// every event.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish delivers the event to every matching handler, awaiting each.
func (b *Bus) Publish(ctx context.Context, ev *WorldEvent) {
	b.mu.RLock()
	handlers := append(append([]Handler{}, b.handlers[ev.Type]...), b.handlers["*"]...)
	b.mu.RUnlock()

	logging.DispatchDebug("Publishing %s event %s to %d handlers", ev.Type, ev.ID, len(handlers))
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			logging.Get(logging.CategoryDispatch).Warn(
				"Handler for %s event %s failed: %v", ev.Type, ev.ID, err)
		}
	}
}
