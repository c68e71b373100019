package idem

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"idem/event"
	"idem/metrics"
	"idem/tracing"
)

// Result is the response returned for a key.
type Result struct {
	Response string
	// Replayed is true when the response was read from a prior completion
	// instead of being computed by this call.
	Replayed bool
	// Attempts is the number of sessions run to produce this result.
	Attempts int
}

// Executor runs the check-then-act-then-record sequence for one key as a
// single transactional session. It never retries.
type Executor struct {
	store   Store
	op      Operation
	logger  *slog.Logger
	metrics metrics.Metrics
	tracer  tracing.Tracer
	events  event.EventBus
}

// NewExecutor creates an Executor that computes first-seen responses with op.
func NewExecutor(store Store, op Operation, opts ...Option) *Executor {
	cfg := ApplyOptions(opts...)
	return &Executor{
		store:   store,
		op:      op,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		events:  cfg.EventBus,
	}
}

// Store returns the backing store.
func (e *Executor) Store() Store {
	return e.store
}

// Execute returns the stored response for key, or inserts payload, computes
// the response with the Operation and records it, all in one session at
// level. A session that does not commit returns *OperationAbortedError.
func (e *Executor) Execute(ctx context.Context, key, payload string, level IsolationLevel) (Result, error) {
	if key == "" {
		return Result{}, ErrInvalidKey
	}
	if !level.Valid() {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownIsolationLevel, int(level))
	}

	attempt := AttemptFromContext(ctx)
	ctx, span := e.tracer.StartAttempt(ctx, key, attempt)
	defer span.End()
	span.SetAttributes(tracing.AttrIsolation.String(level.String()))

	e.metrics.AttemptStarted(level.String())
	start := time.Now()

	var res Result
	outcome := RunSession(ctx, e.store, level, func(ctx context.Context, tx Tx) error {
		res = Result{}

		rec, err := tx.Lookup(ctx, key)
		if err != nil {
			return err
		}
		if rec != nil {
			if !rec.HasResponse() {
				return fmt.Errorf("%w: key %q", ErrResponseMissing, key)
			}
			res = Result{Response: *rec.Response, Replayed: true}
			return nil
		}

		if err := tx.InsertRequest(ctx, key, payload); err != nil {
			return err
		}
		response, err := e.op.Apply(ctx, tx, key, payload)
		if err != nil {
			return err
		}
		if err := tx.AttachResponse(ctx, key, response); err != nil {
			return err
		}
		res = Result{Response: response}
		return nil
	})
	elapsed := time.Since(start)

	span.SetAttributes(tracing.AttrOutcome.String(outcome.Reason()))

	if !outcome.Committed() {
		e.metrics.AttemptAborted(level.String(), outcome.Reason(), elapsed)
		span.SetError(outcome.Cause)
		e.publish(ctx, event.NewEvent(event.EventAttemptAborted).
			WithKey(key).
			WithIsolation(level.String()).
			WithAttempt(attempt).
			WithReason(outcome.Reason()).
			WithError(outcome.Cause))
		e.logger.DebugContext(ctx, "attempt aborted",
			"key", key,
			"isolation", level.String(),
			"attempt", attempt,
			"reason", outcome.Reason(),
			"duration", elapsed,
			"error", outcome.Cause,
		)
		return Result{Attempts: 1}, &OperationAbortedError{Key: key, Level: level, Outcome: outcome}
	}

	res.Attempts = 1
	e.metrics.AttemptCommitted(level.String(), res.Replayed, elapsed)
	span.SetAttributes(tracing.AttrReplayed.Bool(res.Replayed))
	span.SetStatus(codes.Ok, "")

	e.publish(ctx, event.NewEvent(event.EventAttemptCommitted).
		WithKey(key).
		WithIsolation(level.String()).
		WithAttempt(attempt).
		WithData("replayed", res.Replayed))
	if res.Replayed {
		e.publish(ctx, event.NewEvent(event.EventResponseReplayed).
			WithKey(key).
			WithIsolation(level.String()).
			WithAttempt(attempt))
	}
	e.logger.DebugContext(ctx, "attempt committed",
		"key", key,
		"isolation", level.String(),
		"attempt", attempt,
		"replayed", res.Replayed,
		"duration", elapsed,
	)
	return res, nil
}

func (e *Executor) publish(ctx context.Context, ev event.Event) {
	_ = e.events.Publish(ctx, ev)
}
