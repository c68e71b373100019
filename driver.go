package idem

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Invoker executes one logical call for a key. *Engine implements it.
type Invoker interface {
	Execute(ctx context.Context, key, payload string, opts ...CallOption) (Result, error)
}

// Invocation is the collected outcome of one dispatched call.
type Invocation struct {
	Index    int
	Key      string
	Payload  string
	Response string
	Replayed bool
	Attempts int
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the call returned a response.
func (i Invocation) Succeeded() bool {
	return i.Err == nil
}

// Driver fans calls out over a bounded worker pool and waits for all of them.
type Driver struct {
	invoker  Invoker
	poolSize int
	logger   *slog.Logger
}

// NewDriver creates a Driver with Config.PoolSize workers.
func NewDriver(invoker Invoker, opts ...Option) *Driver {
	cfg := ApplyOptions(opts...)
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultConfig().PoolSize
	}
	return &Driver{
		invoker:  invoker,
		poolSize: size,
		logger:   cfg.Logger,
	}
}

// PoolSize returns the number of concurrent workers.
func (d *Driver) PoolSize() int {
	return d.poolSize
}

// RunConcurrently dispatches n calls, the i-th for keys.Key(i) with payload
// PayloadFor(key), and returns every outcome indexed by dispatch order. A
// failing call never cancels the others.
func (d *Driver) RunConcurrently(ctx context.Context, n int, keys KeyGenerator, level IsolationLevel, withRetry bool) []Invocation {
	results := make([]Invocation, n)

	callOpts := []CallOption{WithCallIsolation(level)}
	if !withRetry {
		callOpts = append(callOpts, WithoutRetry())
	}

	var g errgroup.Group
	g.SetLimit(d.poolSize)

	for i := 0; i < n; i++ {
		key := keys.Key(i)
		payload := PayloadFor(key)
		results[i] = Invocation{Index: i, Key: key, Payload: payload}

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		g.Go(func() error {
			start := time.Now()
			res, err := d.invoker.Execute(ctx, key, payload, callOpts...)
			inv := &results[i]
			inv.Duration = time.Since(start)
			inv.Response = res.Response
			inv.Replayed = res.Replayed
			inv.Attempts = res.Attempts
			inv.Err = err
			return nil
		})
	}
	_ = g.Wait()

	summary := Summarize(results)
	d.logger.InfoContext(ctx, "concurrent run finished",
		"invocations", n,
		"isolation", level.String(),
		"retry", withRetry,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"distinct_keys", summary.DistinctKeys,
	)
	return results
}

// Summary aggregates a batch of invocations.
type Summary struct {
	Total            int
	Succeeded        int
	Replayed         int
	Failed           int
	FailuresByReason map[string]int
	DistinctKeys     int
	MaxAttempts      int
}

// Summarize aggregates results.
func Summarize(results []Invocation) Summary {
	s := Summary{
		Total:            len(results),
		FailuresByReason: make(map[string]int),
	}
	keys := make(map[string]struct{}, len(results))
	for _, r := range results {
		keys[r.Key] = struct{}{}
		if r.Attempts > s.MaxAttempts {
			s.MaxAttempts = r.Attempts
		}
		if r.Err != nil {
			s.Failed++
			s.FailuresByReason[FailureReason(r.Err)]++
			continue
		}
		s.Succeeded++
		if r.Replayed {
			s.Replayed++
		}
	}
	s.DistinctKeys = len(keys)
	return s
}

// FailureReason returns a low-cardinality label for an error returned by
// the Executor, Controller or Engine.
func FailureReason(err error) string {
	var aborted *OperationAbortedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRetriesExhausted):
		return "RETRIES_EXHAUSTED"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.As(err, &aborted):
		return aborted.Outcome.Reason()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	default:
		return "OTHER"
	}
}
