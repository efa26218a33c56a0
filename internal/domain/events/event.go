package events

import (
	"encoding/json"
	"time"
)

// DomainEvent is implemented by every domain event payload. It exposes the
// routing information the infrastructure needs without the infrastructure
// knowing the concrete payload types.
type DomainEvent interface {
	// EventType identifies the category of this event.
	EventType() EventType

	// RoutingKey returns the business identifier events are partitioned by.
	RoutingKey() string

	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
}

// EventEnvelope encapsulates all event data flowing through the system,
// providing a standardized format for event processing and distribution.
type EventEnvelope struct {
	// ID uniquely identifies this event instance for consumer-side dedup.
	ID string

	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a task id that events can be partitioned by.
	Key string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the serialized event data. The concrete shape depends
	// on the EventType; payloads are JSON documents on the wire.
	Payload json.RawMessage
}
