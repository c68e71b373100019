package idem

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"idem/circuit"
	"idem/event"
	"idem/metrics"
	"idem/tracing"
)

// Config holds the configuration shared by the Executor, Controller, Driver and Engine.
type Config struct {
	// Retry configuration
	MaxRetries        int           // Maximum retries after the first attempt, default 20
	InitialDelay      time.Duration // Delay before the first retry, default 500ms
	BackoffMultiplier float64       // Geometric growth per retry, default 2.0
	MaxDelay          time.Duration // Cap on the computed delay before jitter, default 3s
	Jitter            time.Duration // Upper bound of the uniform delay perturbation, default 100ms
	ResolveDuplicates bool          // Re-read the winner's response after a constraint violation, default true
	RetryOn           []OutcomeKind // Outcome kinds retried with backoff, default SERIALIZATION_FAILURE

	// Store unavailability
	RetryUnavailable     bool          // Retry StoreUnavailable aborts, default true
	UnavailableDelay     time.Duration // Initial delay for unavailability retries, default 1s
	UnavailableMaxDelay  time.Duration // Cap for unavailability retries, default 10s
	CircuitThreshold     int           // Consecutive unavailability failures that open the breaker, default 5
	CircuitTimeout       time.Duration // Breaker open period, default 30s
	CircuitHalfOpenProbe int           // Probes allowed while half-open, default 1

	// Session configuration
	Isolation IsolationLevel // Default isolation level, default SERIALIZABLE

	// Driver configuration
	PoolSize int // Concurrent workers for the driver, default 10

	// Collaborators. Nil values are replaced with no-op implementations.
	Logger   *slog.Logger
	Metrics  metrics.Metrics
	Tracer   tracing.Tracer
	EventBus event.EventBus
	Breaker  *circuit.Breaker
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           20,
		InitialDelay:         500 * time.Millisecond,
		BackoffMultiplier:    2.0,
		MaxDelay:             3 * time.Second,
		Jitter:               100 * time.Millisecond,
		ResolveDuplicates:    true,
		RetryOn:              []OutcomeKind{OutcomeSerializationFailure},
		RetryUnavailable:     true,
		UnavailableDelay:     time.Second,
		UnavailableMaxDelay:  10 * time.Second,
		CircuitThreshold:     5,
		CircuitTimeout:       30 * time.Second,
		CircuitHalfOpenProbe: 1,
		Isolation:            Serializable,
		PoolSize:             10,
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithMaxRetries sets the maximum retry count.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithInitialDelay sets the delay before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitialDelay = d
	}
}

// WithBackoffMultiplier sets the multiplier for exponential backoff.
func WithBackoffMultiplier(m float64) Option {
	return func(c *Config) {
		c.BackoffMultiplier = m
	}
}

// WithMaxDelay sets the cap on computed backoff delays.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = d
	}
}

// WithJitter sets the upper bound of the random delay perturbation.
func WithJitter(d time.Duration) Option {
	return func(c *Config) {
		c.Jitter = d
	}
}

// WithResolveDuplicates toggles re-reading the winner's response after a constraint violation.
func WithResolveDuplicates(enabled bool) Option {
	return func(c *Config) {
		c.ResolveDuplicates = enabled
	}
}

// WithRetryOn sets the outcome kinds retried with backoff.
func WithRetryOn(kinds ...OutcomeKind) Option {
	return func(c *Config) {
		c.RetryOn = slices.Clone(kinds)
	}
}

// WithRetryUnavailable toggles retrying StoreUnavailable aborts.
func WithRetryUnavailable(enabled bool) Option {
	return func(c *Config) {
		c.RetryUnavailable = enabled
	}
}

// WithIsolation sets the default isolation level.
func WithIsolation(level IsolationLevel) Option {
	return func(c *Config) {
		c.Isolation = level
	}
}

// WithPoolSize sets the number of concurrent driver workers.
func WithPoolSize(n int) Option {
	return func(c *Config) {
		c.PoolSize = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithEventBus sets the event bus.
func WithEventBus(b event.EventBus) Option {
	return func(c *Config) {
		c.EventBus = b
	}
}

// WithBreaker sets the store circuit breaker. Without one the Controller
// builds its own from the Circuit* settings.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Config) {
		c.Breaker = b
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the
// result with nil collaborators replaced by no-op implementations.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.fillCollaborators()
	return cfg
}

func (c *Config) fillCollaborators() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = &metrics.NoopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = &tracing.NoopTracer{}
	}
	if c.EventBus == nil {
		c.EventBus = event.NewNoOpEventBus()
	}
}

// RetryPolicy builds the retry policy described by the configuration.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		Backoff: Backoff{
			Initial:    c.InitialDelay,
			Multiplier: c.BackoffMultiplier,
			Max:        c.MaxDelay,
			Jitter:     c.Jitter,
		},
		RetryOn:           slices.Clone(c.RetryOn),
		ResolveDuplicates: c.ResolveDuplicates,
		RetryUnavailable:  c.RetryUnavailable,
		UnavailableBackoff: Backoff{
			Initial:    c.UnavailableDelay,
			Multiplier: c.BackoffMultiplier,
			Max:        c.UnavailableMaxDelay,
			Jitter:     c.Jitter,
		},
	}
}

// ToBreakerConfig converts the circuit breaker settings.
func (c *Config) ToBreakerConfig() circuit.Config {
	return circuit.Config{
		Threshold:       c.CircuitThreshold,
		Timeout:         c.CircuitTimeout,
		HalfOpenMaxReqs: c.CircuitHalfOpenProbe,
	}
}

// Validate validates the configuration and returns an error wrapping
// ErrInvalidConfig if it is invalid.
func (c *Config) Validate() error {
	if !c.Isolation.Valid() {
		return fmt.Errorf("%w: isolation %s", ErrInvalidConfig, c.Isolation)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidConfig, c.PoolSize)
	}
	if c.CircuitThreshold <= 0 {
		return fmt.Errorf("%w: circuit threshold must be positive", ErrInvalidConfig)
	}
	if c.CircuitTimeout <= 0 {
		return fmt.Errorf("%w: circuit timeout must be positive", ErrInvalidConfig)
	}
	if c.CircuitHalfOpenProbe <= 0 {
		return fmt.Errorf("%w: half-open probe count must be positive", ErrInvalidConfig)
	}
	policy := c.RetryPolicy()
	return policy.Validate()
}
