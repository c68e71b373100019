package idem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"idem/circuit"
	"idem/event"
	"idem/metrics"
	"idem/tracing"
)

// Backoff computes exponential delays with additive uniform jitter.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64       // values below 1 are treated as 1
	Max        time.Duration // zero means uncapped
	Jitter     time.Duration
}

// Delay returns the delay before retry number retry (counting from 0):
// min(Max, Initial*Multiplier^retry) + u*Jitter, for u in [0, 1).
func (b Backoff) Delay(retry int, u float64) time.Duration {
	if retry < 0 {
		retry = 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}

	base := float64(b.Initial) * math.Pow(mult, float64(retry))
	if b.Max > 0 && (base > float64(b.Max) || math.IsInf(base, 1) || math.IsNaN(base)) {
		base = float64(b.Max)
	}
	if base > math.MaxInt64/2 {
		base = math.MaxInt64 / 2
	}

	delay := time.Duration(base)
	if b.Jitter > 0 && u > 0 {
		if u >= 1 {
			u = math.Nextafter(1, 0)
		}
		delay += time.Duration(u * float64(b.Jitter))
	}
	return delay
}

// Bound is the largest delay Delay can return.
func (b Backoff) Bound() time.Duration {
	if b.Max <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return b.Max + b.Jitter
}

func (b Backoff) validate(name string) error {
	if b.Initial < 0 || b.Max < 0 || b.Jitter < 0 {
		return fmt.Errorf("%w: %s delays must not be negative", ErrInvalidConfig, name)
	}
	if b.Multiplier != 0 && b.Multiplier < 1.0 {
		return fmt.Errorf("%w: %s multiplier must be >= 1, got %v", ErrInvalidConfig, name, b.Multiplier)
	}
	return nil
}

// RetryPolicy decides which aborts the Controller masks by retrying.
type RetryPolicy struct {
	// MaxRetries bounds the attempts after the first one.
	MaxRetries int
	// Backoff spaces retries of the kinds in RetryOn.
	Backoff Backoff
	// RetryOn lists the outcome kinds retried with Backoff.
	RetryOn []OutcomeKind
	// ResolveDuplicates re-invokes immediately after a constraint violation so
	// the concurrent winner's stored response is returned.
	ResolveDuplicates bool
	// RetryUnavailable retries StoreUnavailable aborts with UnavailableBackoff.
	RetryUnavailable   bool
	UnavailableBackoff Backoff
}

// DefaultRetryPolicy returns 20 retries of serialization failures with
// exponential backoff from 500ms doubling to 3s plus up to 100ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	cfg := DefaultConfig()
	return cfg.RetryPolicy()
}

// NoRetry returns a policy that surfaces the first abort.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Validate returns an error wrapping ErrInvalidConfig if the policy is unusable.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, p.MaxRetries)
	}
	if err := p.Backoff.validate("backoff"); err != nil {
		return err
	}
	for _, k := range p.RetryOn {
		if k != OutcomeSerializationFailure && k != OutcomeConstraintViolation && k != OutcomeOther {
			return fmt.Errorf("%w: outcome %s cannot be retried", ErrInvalidConfig, k)
		}
	}
	if p.RetryUnavailable {
		return p.UnavailableBackoff.validate("unavailable backoff")
	}
	return nil
}

// retryDecision is how the Controller proceeds after an abort.
type retryDecision int

const (
	decisionFail retryDecision = iota
	decisionBackoff
	decisionImmediate
	decisionUnavailable
)

func (p RetryPolicy) decide(o Outcome) retryDecision {
	switch {
	case o.Committed():
		return decisionFail
	case o.Unavailable():
		if p.RetryUnavailable {
			return decisionUnavailable
		}
		return decisionFail
	case o.Kind == OutcomeConstraintViolation && p.ResolveDuplicates:
		return decisionImmediate
	case slices.Contains(p.RetryOn, o.Kind):
		return decisionBackoff
	default:
		return decisionFail
	}
}

// RetryAttempt records one session run by the Controller. Number is 0 for
// the initial attempt and n for the n-th retry.
type RetryAttempt struct {
	Number  int
	Delay   time.Duration // waited before this attempt
	Outcome Outcome
}

// Controller wraps an Executor with bounded retry.
type Controller struct {
	executor *Executor
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  metrics.Metrics
	tracer   tracing.Tracer
	events   event.EventBus

	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewController creates a Controller around executor. The breaker comes from
// WithBreaker, or is built from the Circuit* settings.
func NewController(executor *Executor, opts ...Option) *Controller {
	cfg := ApplyOptions(opts...)

	c := &Controller{
		executor: executor,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		events:   cfg.EventBus,
		random:   rand.Float64,
		sleep:    sleepContext,
	}
	if c.breaker == nil {
		c.breaker = NewStoreBreaker("store", cfg)
	}
	return c
}

// NewStoreBreaker builds a breaker from cfg that reports transitions to the
// configured metrics, event bus and logger.
func NewStoreBreaker(name string, cfg Config) *circuit.Breaker {
	cfg.fillCollaborators()
	return circuit.New(name, cfg.ToBreakerConfig(), circuit.WithStateListener(
		func(name string, from, to circuit.State) {
			cfg.Metrics.CircuitStateChanged(name, to)
			cfg.Logger.Warn("store circuit breaker transition",
				"store", name, "from", from.String(), "to", to.String())

			var ev event.Event
			switch to {
			case circuit.StateOpen:
				ev = event.NewEvent(event.EventCircuitOpened)
			case circuit.StateClosed:
				ev = event.NewEvent(event.EventCircuitClosed)
			default:
				return
			}
			_ = cfg.EventBus.Publish(context.Background(), ev.WithData("store", name))
		},
	))
}

// Breaker returns the store breaker consulted before every attempt.
func (c *Controller) Breaker() *circuit.Breaker {
	return c.breaker
}

// ExecuteWithRetry runs the executor for key until it commits, a non-retryable
// abort occurs or policy.MaxRetries retries have been spent. Result.Attempts is
// set on every return path.
func (c *Controller) ExecuteWithRetry(ctx context.Context, key, payload string, level IsolationLevel, policy RetryPolicy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	ctx, span := c.tracer.StartInvocation(ctx, key, level.String())
	defer span.End()

	res, err := c.run(ctx, key, payload, level, policy, span)
	c.metrics.InvocationCompleted(level.String(), err == nil, res.Attempts)
	span.SetAttributes(tracing.AttrAttempt.Int(res.Attempts))
	if err != nil {
		span.SetError(err)
	} else {
		span.SetAttributes(tracing.AttrReplayed.Bool(res.Replayed))
	}
	return res, err
}

func (c *Controller) run(ctx context.Context, key, payload string, level IsolationLevel, policy RetryPolicy, span tracing.Span) (Result, error) {
	var history []RetryAttempt
	var delay time.Duration

	for number := 0; ; number++ {
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return Result{Attempts: number}, fmt.Errorf("waiting to retry key %q: %w", key, err)
			}
		}

		if err := c.breaker.Allow(); err != nil {
			c.logger.WarnContext(ctx, "store circuit open, failing fast",
				"key", key, "store", c.breaker.Name(), "attempt", number)
			return Result{Attempts: number}, fmt.Errorf("%w: %w: key %q", ErrCircuitOpen, ErrStoreUnavailable, key)
		}

		res, err := c.executor.Execute(withAttempt(ctx, number+1), key, payload, level)
		outcome := outcomeOf(err)
		c.breaker.Record(outcome.Unavailable())
		history = append(history, RetryAttempt{Number: number, Delay: delay, Outcome: outcome})

		if err == nil {
			res.Attempts = number + 1
			return res, nil
		}

		decision := policy.decide(outcome)
		if decision == decisionFail {
			return Result{Attempts: number + 1}, err
		}
		if number >= policy.MaxRetries {
			c.metrics.RetriesExhausted(level.String())
			c.publish(ctx, event.NewEvent(event.EventRetriesExhausted).
				WithKey(key).
				WithIsolation(level.String()).
				WithAttempt(number+1).
				WithReason(outcome.Reason()).
				WithError(err))
			c.logger.WarnContext(ctx, "retries exhausted",
				"key", key, "isolation", level.String(), "attempts", number+1, "reason", outcome.Reason())
			return Result{Attempts: number + 1}, &RetriesExhaustedError{Key: key, Attempts: history, Last: err}
		}

		switch decision {
		case decisionBackoff:
			delay = policy.Backoff.Delay(number, c.random())
		case decisionUnavailable:
			delay = policy.UnavailableBackoff.Delay(number, c.random())
		default:
			delay = 0
		}

		c.metrics.RetryScheduled(outcome.Reason(), delay)
		span.AddEvent("retry.scheduled",
			tracing.AttrOutcome.String(outcome.Reason()),
			tracing.AttrDelayMS.Int64(delay.Milliseconds()),
		)
		c.publish(ctx, event.NewEvent(event.EventRetryScheduled).
			WithKey(key).
			WithIsolation(level.String()).
			WithAttempt(number+2).
			WithReason(outcome.Reason()).
			WithDelay(delay))
		c.logger.DebugContext(ctx, "retry scheduled",
			"key", key, "retry", number+1, "reason", outcome.Reason(), "delay", delay)
	}
}

func (c *Controller) publish(ctx context.Context, e event.Event) {
	_ = c.events.Publish(ctx, e)
}

// outcomeOf recovers the session outcome from an error returned by the Executor.
func outcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeCommitted}
	}
	var aborted *OperationAbortedError
	if errors.As(err, &aborted) {
		return aborted.Outcome
	}
	return Classify(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
