package idem

import "context"

// Operation computes the response for a first-seen key. It runs inside the
// executor's transaction; effects that must happen "for real" should be
// registered with tx.OnCommit so they never fire for an aborted attempt.
type Operation interface {
	Apply(ctx context.Context, tx Tx, key, request string) (string, error)
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc func(ctx context.Context, tx Tx, key, request string) (string, error)

// Apply calls f.
func (f OperationFunc) Apply(ctx context.Context, tx Tx, key, request string) (string, error) {
	return f(ctx, tx, key, request)
}

// ResponsePrefix returns an operation whose response is prefix + request.
func ResponsePrefix(prefix string) Operation {
	return OperationFunc(func(_ context.Context, _ Tx, _ string, request string) (string, error) {
		return prefix + request, nil
	})
}
