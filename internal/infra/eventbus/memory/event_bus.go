// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent bus suitable for testing and
// development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saludtech/data-retrieval/internal/domain/events"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus is an in-memory implementation of events.EventBus. Handlers run
// synchronously on the publisher's goroutine, which makes test assertions
// deterministic.
type EventBus struct {
	mu sync.RWMutex

	// handlers maps event types to subscriber handlers.
	handlers map[events.EventType][]events.HandlerFunc

	// published retains every envelope accepted by Publish for inspection.
	published []events.EventEnvelope

	closed bool
}

// NewEventBus creates an in-memory event bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Publish delivers the envelope synchronously to every handler subscribed to
// its type. Delivery stops at the first handler error.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus is closed")
	}
	b.published = append(b.published, event)
	handlersCopy := make([]events.HandlerFunc, len(b.handlers[event.Type]))
	copy(handlersCopy, b.handlers[event.Type])
	b.mu.Unlock()

	for _, handler := range handlersCopy {
		ack := func(error) {}
		if err := handler(ctx, event, ack); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Close marks the bus closed; subsequent publishes fail.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Published returns a copy of every envelope accepted so far, in order.
func (b *EventBus) Published() []events.EventEnvelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]events.EventEnvelope(nil), b.published...)
}

// PublishedOfType returns the accepted envelopes of one type, in order.
func (b *EventBus) PublishedOfType(t events.EventType) []events.EventEnvelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []events.EventEnvelope
	for _, e := range b.published {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
