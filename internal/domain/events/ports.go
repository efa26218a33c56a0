// Package events provides domain event handling capabilities for communicating
// state changes across system boundaries in a decoupled way.
package events

import "context"

// AckFunc acknowledges processing of a message. A nil error marks the message
// as handled; a non-nil error leaves it eligible for redelivery.
type AckFunc func(error)

// HandlerFunc processes a single event envelope. Implementations must call ack
// exactly once: after a successful commit, or with the classification error.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventBus enables publishing and subscribing to domain events across system
// boundaries. It abstracts messaging infrastructure details (like Kafka) to
// keep domain logic focused on business concerns rather than transport
// mechanisms.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of the
	// specified types. The handler executes for each matching event received
	// on this bus.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated
	// resources.
	Close() error
}
