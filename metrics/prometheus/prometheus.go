// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"idem/circuit"
	"idem/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Attempt metrics
	attemptsStartedTotal   *prometheus.CounterVec
	attemptsCommittedTotal *prometheus.CounterVec
	attemptsAbortedTotal   *prometheus.CounterVec
	attemptDuration        *prometheus.HistogramVec

	// Retry metrics
	retriesScheduledTotal *prometheus.CounterVec
	retryDelay            prometheus.Histogram
	retriesExhaustedTotal *prometheus.CounterVec

	// Invocation metrics
	invocationsTotal   *prometheus.CounterVec
	invocationAttempts *prometheus.HistogramVec

	// Circuit breaker metrics
	circuitState *prometheus.GaugeVec
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "idem")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "idem",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &PrometheusMetrics{
		attemptsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempts_started_total",
			Help:      "Total number of transactional attempts started",
		}, []string{"isolation"}),

		attemptsCommittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempts_committed_total",
			Help:      "Total number of attempts that committed, split by whether the stored response was replayed",
		}, []string{"isolation", "replayed"}),

		attemptsAbortedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempts_aborted_total",
			Help:      "Total number of attempts that aborted",
		}, []string{"isolation", "reason"}),

		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "Attempt duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"isolation", "outcome"}),

		retriesScheduledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "retries_scheduled_total",
			Help:      "Total number of retries scheduled after an abort",
		}, []string{"reason"}),

		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before each retry in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms to ~4s
		}),

		retriesExhaustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "retries_exhausted_total",
			Help:      "Total number of invocations that spent their retry budget",
		}, []string{"isolation"}),

		invocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "invocations_total",
			Help:      "Total number of invocations by final result",
		}, []string{"isolation", "success"}),

		invocationAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "invocation_attempts",
			Help:      "Number of attempts per invocation",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"isolation"}),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Current state of the store circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"store"}),
	}
}

// Attempt metrics

func (p *PrometheusMetrics) AttemptStarted(level string) {
	p.attemptsStartedTotal.WithLabelValues(level).Inc()
}

func (p *PrometheusMetrics) AttemptCommitted(level string, replayed bool, duration time.Duration) {
	p.attemptsCommittedTotal.WithLabelValues(level, strconv.FormatBool(replayed)).Inc()
	p.attemptDuration.WithLabelValues(level, "COMMITTED").Observe(duration.Seconds())
}

func (p *PrometheusMetrics) AttemptAborted(level, reason string, duration time.Duration) {
	p.attemptsAbortedTotal.WithLabelValues(level, reason).Inc()
	p.attemptDuration.WithLabelValues(level, reason).Observe(duration.Seconds())
}

// Retry metrics

func (p *PrometheusMetrics) RetryScheduled(reason string, delay time.Duration) {
	p.retriesScheduledTotal.WithLabelValues(reason).Inc()
	p.retryDelay.Observe(delay.Seconds())
}

func (p *PrometheusMetrics) RetriesExhausted(level string) {
	p.retriesExhaustedTotal.WithLabelValues(level).Inc()
}

// Invocation metrics

func (p *PrometheusMetrics) InvocationCompleted(level string, success bool, attempts int) {
	p.invocationsTotal.WithLabelValues(level, strconv.FormatBool(success)).Inc()
	p.invocationAttempts.WithLabelValues(level).Observe(float64(attempts))
}

// Circuit breaker metrics

func (p *PrometheusMetrics) CircuitStateChanged(store string, state circuit.State) {
	p.circuitState.WithLabelValues(store).Set(float64(state))
}
