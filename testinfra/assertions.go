package testinfra

import (
	"context"
	"errors"
	"sync"
	"testing"

	"idem"
	"idem/event"
)

// SideEffects is an operation whose response is Prefix+request and which
// counts, per key, how many of its applications committed.
type SideEffects struct {
	Prefix string

	mu        sync.Mutex
	applied   int
	committed map[string]int
}

var _ idem.Operation = (*SideEffects)(nil)

// NewSideEffects creates a SideEffects operation.
func NewSideEffects(prefix string) *SideEffects {
	return &SideEffects{Prefix: prefix, committed: make(map[string]int)}
}

// Apply implements idem.Operation.
func (s *SideEffects) Apply(_ context.Context, tx idem.Tx, key, request string) (string, error) {
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()

	tx.OnCommit(func() {
		s.mu.Lock()
		s.committed[key]++
		s.mu.Unlock()
	})
	return s.Prefix + request, nil
}

// Committed returns how many applications for key committed.
func (s *SideEffects) Committed(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[key]
}

// CommittedKeys returns the number of keys with at least one committed application.
func (s *SideEffects) CommittedKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// Applied returns how many times Apply ran, aborted attempts included.
func (s *SideEffects) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Reset clears the counters.
func (s *SideEffects) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = 0
	s.committed = make(map[string]int)
}

// AssertEntries asserts the store's entry count.
func AssertEntries(t testing.TB, store idem.Store, expected int) {
	t.Helper()
	n, err := store.CountEntries(context.Background())
	if err != nil {
		t.Fatalf("Failed to count entries: %v", err)
	}
	if n != expected {
		t.Errorf("Entry count: expected %d, got %d", expected, n)
	}
}

// AssertCompleted asserts that key has exactly one record carrying response.
func AssertCompleted(t testing.TB, store idem.Store, key, response string) {
	t.Helper()
	var rec *idem.Record
	err := store.RunInTx(context.Background(), idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		var err error
		rec, err = tx.Lookup(ctx, key)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to look up %s: %v", key, err)
	}
	if !rec.HasResponse() {
		t.Errorf("Key %s: expected a completed record, got %+v", key, rec)
		return
	}
	if *rec.Response != response {
		t.Errorf("Key %s: expected response %q, got %q", key, response, *rec.Response)
	}
}

// AssertReplayEquality asserts that every successful invocation for a key
// returned the same response, and that it is prefix+payload.
func AssertReplayEquality(t testing.TB, results []idem.Invocation, prefix string) {
	t.Helper()
	seen := make(map[string]string)
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		if want := prefix + r.Payload; r.Response != want {
			t.Errorf("Invocation %d for %s: expected %q, got %q", r.Index, r.Key, want, r.Response)
		}
		if prev, ok := seen[r.Key]; ok && prev != r.Response {
			t.Errorf("Key %s answered %q and %q", r.Key, prev, r.Response)
		}
		seen[r.Key] = r.Response
	}
}

// AssertFailureReasons asserts that every failed invocation failed for one
// of the allowed reasons.
func AssertFailureReasons(t testing.TB, results []idem.Invocation, allowed ...string) {
	t.Helper()
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	for _, r := range results {
		if r.Succeeded() {
			continue
		}
		if reason := idem.FailureReason(r.Err); !ok[reason] {
			t.Errorf("Invocation %d for %s failed with unexpected reason %s: %v", r.Index, r.Key, reason, r.Err)
		}
	}
}

// SucceededKeys returns the distinct keys with at least one successful invocation.
func SucceededKeys(results []idem.Invocation) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, r := range results {
		if r.Succeeded() {
			keys[r.Key] = struct{}{}
		}
	}
	return keys
}

// EventCollector collects events for testing
type EventCollector struct {
	events []event.Event
	mu     sync.Mutex
}

// NewEventCollector creates a new event collector
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Handle collects e. It matches event.EventHandler.
func (c *EventCollector) Handle(_ context.Context, e event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the collected events
func (c *EventCollector) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

// Clear clears all collected events
func (c *EventCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// CountEventType counts events of the given type
func (c *EventCollector) CountEventType(eventType event.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.events {
		if e.Type == eventType {
			count++
		}
	}
	return count
}

// AssertEventCount asserts the count of events of the given type
func AssertEventCount(t testing.TB, collector *EventCollector, eventType event.EventType, expected int) {
	t.Helper()
	if actual := collector.CountEventType(eventType); actual != expected {
		t.Errorf("Expected %d events of type %s, got %d", expected, eventType, actual)
	}
}

// AssertErrorIs asserts that err matches target.
func AssertErrorIs(t testing.TB, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("Expected error %v, got %v", target, err)
	}
}

// AssertEqual asserts that two values are equal
func AssertEqual[T comparable](t testing.TB, expected, actual T) {
	t.Helper()
	if expected != actual {
		t.Errorf("Expected %v, got %v", expected, actual)
	}
}
