// Package event provides invocation lifecycle events and an in-process event bus.
package event

import (
	"time"
)

// EventType names an event.
type EventType string

const (
	// Attempt events, one per transactional session
	EventAttemptCommitted EventType = "attempt.committed"
	EventAttemptAborted   EventType = "attempt.aborted"

	// Invocation events
	EventResponseReplayed EventType = "response.replayed"
	EventRetryScheduled   EventType = "retry.scheduled"
	EventRetriesExhausted EventType = "retries.exhausted"

	// Circuit breaker events
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event describes something that happened while executing a key.
type Event struct {
	Type      EventType
	Key       string
	Isolation string
	Attempt   int           // 1-based; zero for events outside an attempt
	Reason    string        // abort reason label, if any
	Delay     time.Duration // backoff before the next attempt (retry.scheduled)
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

// NewEvent creates a new event with the given type and the current timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithKey sets the idempotency key.
func (e Event) WithKey(key string) Event {
	e.Key = key
	return e
}

// WithIsolation sets the isolation level label.
func (e Event) WithIsolation(level string) Event {
	e.Isolation = level
	return e
}

// WithAttempt sets the attempt number.
func (e Event) WithAttempt(n int) Event {
	e.Attempt = n
	return e
}

// WithReason sets the abort reason label.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithDelay sets the scheduled backoff.
func (e Event) WithDelay(d time.Duration) Event {
	e.Delay = d
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}
