package event

import (
	"context"
	"sync"
)

// DefaultLogSize is the capacity used when NewLog is given a non-positive size.
const DefaultLogSize = 1000

// Log keeps the most recent events in memory. Once full, the oldest event
// is dropped for each new one. Totals count every event seen since the last
// Clear, dropped ones included.
type Log struct {
	mu     sync.RWMutex
	events []LoggedEvent
	max    int
	nextID int64
	totals map[EventType]int
}

// LoggedEvent is an event as kept by a Log.
type LoggedEvent struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Key       string         `json:"key,omitempty"`
	Isolation string         `json:"isolation,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	DelayMS   int64          `json:"delay_ms,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Filter selects events from a Log. Zero fields match everything.
type Filter struct {
	Types  []EventType
	Key    string
	Limit  int // default 100
	Offset int
}

func (f Filter) match(e LoggedEvent) bool {
	if f.Key != "" && e.Key != f.Key {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if string(t) == e.Type {
			return true
		}
	}
	return false
}

// NewLog creates a Log holding at most size events.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{
		events: make([]LoggedEvent, 0, size),
		max:    size,
		totals: make(map[EventType]int),
	}
}

// Record appends e.
func (l *Log) Record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	logged := LoggedEvent{
		ID:        l.nextID,
		Type:      string(e.Type),
		Key:       e.Key,
		Isolation: e.Isolation,
		Attempt:   e.Attempt,
		Reason:    e.Reason,
		DelayMS:   e.Delay.Milliseconds(),
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:      e.Data,
	}
	if e.Error != nil {
		logged.Error = e.Error.Error()
	}

	l.events = append(l.events, logged)
	if excess := len(l.events) - l.max; excess > 0 {
		l.events = l.events[excess:]
	}
	l.totals[e.Type]++
}

// Handler returns an EventHandler that records into l, for SubscribeAll.
func (l *Log) Handler() EventHandler {
	return func(_ context.Context, e Event) error {
		l.Record(e)
		return nil
	}
}

// List returns matching events, newest first.
func (l *Log) List(f Filter) []LoggedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 100
	}
	var out []LoggedEvent
	skipped := 0
	for i := len(l.events) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := l.events[i]
		if !f.match(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out
}

// Total returns how many events of type t were recorded since the last Clear.
func (l *Log) Total(t EventType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[t]
}

// Len returns the number of events held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Clear drops every event and resets the totals.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make([]LoggedEvent, 0, l.max)
	l.totals = make(map[EventType]int)
}
