package idem

import (
	"context"
	"sync"
)

// Record is the persisted state for one idempotency key. Response is nil
// until the operation has completed.
type Record struct {
	Key      string
	Request  string
	Response *string
}

// HasResponse reports whether the record carries a completed response.
func (r *Record) HasResponse() bool {
	return r != nil && r.Response != nil
}

// Entries returns how many of request/response this record holds (0..2).
func (r *Record) Entries() int {
	if r == nil {
		return 0
	}
	n := 1
	if r.Response != nil {
		n++
	}
	return n
}

// Tx is the session handle a unit of work runs against. All calls made
// through one Tx observe the same transaction and commit or abort together.
type Tx interface {
	// Lookup returns the record for key, or nil when the key is absent.
	Lookup(ctx context.Context, key string) (*Record, error)

	// InsertRequest creates the record for key with its request payload.
	// It fails with ErrConstraintViolation if the key already exists.
	InsertRequest(ctx context.Context, key, request string) error

	// AttachResponse sets the response for an existing key.
	// It fails with ErrNotFound if the key is absent.
	AttachResponse(ctx context.Context, key, response string) error

	// OnCommit registers fn to run after the transaction commits.
	// Registered functions never run for an aborted transaction.
	OnCommit(fn func())
}

// UnitOfWork is the body of a transactional session.
type UnitOfWork func(ctx context.Context, tx Tx) error

// Store is the keyed idempotency table. This interface is implemented by
// store/memory and the database/sql backends under store/.
type Store interface {
	// RunInTx runs fn in one transaction at the given isolation level.
	// Returned errors wrap ErrSerializationFailure, ErrConstraintViolation,
	// ErrNotFound or ErrStoreUnavailable where the backend can tell.
	RunInTx(ctx context.Context, level IsolationLevel, fn UnitOfWork) error

	// CountEntries returns the number of request entries plus response entries.
	CountEntries(ctx context.Context) (int, error)

	// Reset removes every record.
	Reset(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// CommitHooks collects OnCommit callbacks for backends. The zero value is ready to use.
type CommitHooks struct {
	mu    sync.Mutex
	hooks []func()
}

// Add registers fn.
func (h *CommitHooks) Add(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Run invokes the registered callbacks in registration order and clears them.
func (h *CommitHooks) Run() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Discard drops the registered callbacks without running them.
func (h *CommitHooks) Discard() {
	h.mu.Lock()
	h.hooks = nil
	h.mu.Unlock()
}

// RunSession runs fn as one transactional session and classifies the result.
func RunSession(ctx context.Context, store Store, level IsolationLevel, fn UnitOfWork) Outcome {
	return Classify(store.RunInTx(ctx, level, fn))
}
