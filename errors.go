package idem

import (
	"errors"
	"fmt"
	"strings"
)

// Store errors. Backends wrap one of these so callers never need
// engine-specific knowledge.
var (
	// ErrConstraintViolation indicates another transaction already owns the key
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrSerializationFailure indicates the isolation manager aborted the transaction
	ErrSerializationFailure = errors.New("serialization failure")

	// ErrNotFound indicates a response was attached to a missing key
	ErrNotFound = errors.New("idempotency record not found")

	// ErrStoreUnavailable indicates a connectivity or infrastructure fault
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Execution errors
var (
	// ErrOperationAborted indicates the executor's transaction did not commit
	ErrOperationAborted = errors.New("operation aborted")

	// ErrRetriesExhausted indicates the retry budget was spent without a commit
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrResponseMissing indicates a record exists for the key but carries no response
	ErrResponseMissing = errors.New("idempotency record has no response")

	// ErrInvalidKey indicates an empty idempotency key
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// Circuit breaker errors
var (
	// ErrCircuitOpen indicates the store breaker is open and calls fail fast
	ErrCircuitOpen = errors.New("store circuit breaker is open")
)

// Config errors
var (
	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownIsolationLevel indicates an isolation level name that cannot be parsed
	ErrUnknownIsolationLevel = errors.New("unknown isolation level")
)

// OperationAbortedError is returned by the Executor when its session did not
// commit. It unwraps to the abort cause.
type OperationAbortedError struct {
	Key     string
	Level   IsolationLevel
	Outcome Outcome
}

func (e *OperationAbortedError) Error() string {
	return fmt.Sprintf("%s: key=%q isolation=%s outcome=%s: %v",
		ErrOperationAborted, e.Key, e.Level, e.Outcome.Kind, e.Outcome.Cause)
}

// Is reports ErrOperationAborted so callers can match the category.
func (e *OperationAbortedError) Is(target error) bool {
	return target == ErrOperationAborted
}

func (e *OperationAbortedError) Unwrap() error {
	return e.Outcome.Cause
}

// RetriesExhaustedError is returned by the Controller when MaxRetries retries
// did not produce a committed response. It unwraps to the last failure.
type RetriesExhaustedError struct {
	Key      string
	Attempts []RetryAttempt
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	kinds := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		kinds = append(kinds, a.Outcome.Kind.String())
	}
	return fmt.Sprintf("%s: key=%q after %d attempts [%s]: %v",
		ErrRetriesExhausted, e.Key, len(e.Attempts), strings.Join(kinds, ","), e.Last)
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}
