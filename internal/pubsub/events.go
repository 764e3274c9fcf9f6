// Package pubsub provides a generic publish/subscribe event system. It
// carries the scheduler's job status stream to SSE clients and the debug
// log tap.
package pubsub

import (
	"time"
)

// EventType classifies a published event.
type EventType string

const (
	// CreatedEvent marks a freshly produced item, such as a log entry.
	CreatedEvent EventType = "created"
	// UpdatedEvent marks a state change, such as a job status transition.
	UpdatedEvent EventType = "updated"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
