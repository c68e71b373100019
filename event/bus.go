package event

import (
	"context"
	"log/slog"
	"sync"
)

// EventHandler handles one event. Returned errors are logged, never propagated.
type EventHandler func(ctx context.Context, event Event) error

// EventBus dispatches events to subscribers.
type EventBus interface {
	// Publish delivers event to the handlers subscribed to its type and to all events.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers handler for one event type.
	Subscribe(eventType EventType, handler EventHandler) error
	// SubscribeAll registers handler for every event type.
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus is a synchronous in-process EventBus. Handlers run in
// subscription order, type-specific and catch-all alike.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// subscription is a handler and the type it listens to; all is set for
// SubscribeAll.
type subscription struct {
	eventType EventType
	all       bool
	handler   EventHandler
}

func (s subscription) wants(t EventType) bool {
	return s.all || s.eventType == t
}

var _ EventBus = (*MemoryEventBus)(nil)

// MemoryEventBusOption configures a MemoryEventBus.
type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets the logger used for handler errors and panics.
func WithLogger(logger *slog.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryEventBus creates a bus logging to slog.Default unless WithLogger is given.
func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	bus := &MemoryEventBus{logger: slog.Default()}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish runs the matching handlers in the caller's goroutine. Handler
// errors and panics are logged and never reach the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(event.Type) {
			b.deliver(ctx, sub.handler, event)
		}
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panic",
				"event", event.Type.String(), "key", event.Key, "panic", r)
		}
	}()
	if err := handler(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "event handler error",
			"event", event.Type.String(), "key", event.Key, "error", err)
	}
}

// Subscribe registers handler for events of eventType.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	b.add(subscription{eventType: eventType, handler: handler})
	return nil
}

// SubscribeAll registers handler for every event.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.add(subscription{all: true, handler: handler})
	return nil
}

// add appends to a fresh slice so Publish can iterate its snapshot unlocked.
func (b *MemoryEventBus) add(sub subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, sub)
}

// Subscribers returns how many handlers an event of type t reaches.
func (b *MemoryEventBus) Subscribers(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.wants(t) {
			n++
		}
	}
	return n
}

// NoOpEventBus discards every event.
type NoOpEventBus struct{}

var _ EventBus = (*NoOpEventBus)(nil)

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error    { return nil }
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error { return nil }
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error           { return nil }
