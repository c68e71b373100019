// Package metrics provides the metrics interface for idempotent execution.
package metrics

import (
	"time"

	"idem/circuit"
)

// Metrics defines the interface for collecting observability metrics.
// Isolation levels and outcome reasons are passed as their string labels.
type Metrics interface {
	// Attempt metrics (one attempt is one transactional session)
	AttemptStarted(level string)
	AttemptCommitted(level string, replayed bool, duration time.Duration)
	AttemptAborted(level, reason string, duration time.Duration)

	// Retry metrics
	RetryScheduled(reason string, delay time.Duration)
	RetriesExhausted(level string)

	// Invocation metrics (one invocation may span several attempts)
	InvocationCompleted(level string, success bool, attempts int)

	// Circuit breaker metrics
	CircuitStateChanged(store string, state circuit.State)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) AttemptStarted(level string)                                   {}
func (n *NoopMetrics) AttemptCommitted(level string, replayed bool, d time.Duration) {}
func (n *NoopMetrics) AttemptAborted(level, reason string, d time.Duration)          {}
func (n *NoopMetrics) RetryScheduled(reason string, delay time.Duration)             {}
func (n *NoopMetrics) RetriesExhausted(level string)                                 {}
func (n *NoopMetrics) InvocationCompleted(level string, success bool, attempts int)  {}
func (n *NoopMetrics) CircuitStateChanged(store string, state circuit.State)         {}
