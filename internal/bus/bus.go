package bus

import (
	"log/slog"
	"sort"
	"sync"
)

// MessageBus is the in-process EventPublisher.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any previous handler with that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber synchronously, in subscriber id
// order. A panicking handler is logged and skipped.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]EventHandler, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for i, h := range handlers {
		deliver(ids[i], h, event)
	}
}

func deliver(id string, h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "subscriber", id, "event", event.Name, "panic", r)
		}
	}()
	h(event)
}
