package idem

import "context"

type attemptKey struct{}

// withAttempt tags ctx with the 1-based attempt number of the session about to run.
func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// AttemptFromContext returns the 1-based attempt number the Controller is
// running, or 1 when the Executor is called directly.
func AttemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
