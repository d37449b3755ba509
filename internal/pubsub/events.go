// Package pubsub provides a generic publish/subscribe event system.
// gerritwatch uses it to fan out stream watcher state transitions.
package pubsub

import "time"

// EventType represents the type of event being published.
type EventType string

// StateChangedEvent reports a connection state transition.
const StateChangedEvent EventType = "state_changed"

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Publisher is the sending side of a Broker.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
