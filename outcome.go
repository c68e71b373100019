package idem

import (
	"errors"
	"fmt"
	"strings"
)

// OutcomeKind classifies how a transactional session ended.
type OutcomeKind int

const (
	// OutcomeCommitted means the unit of work committed.
	OutcomeCommitted OutcomeKind = iota
	// OutcomeSerializationFailure means the isolation manager aborted the transaction.
	OutcomeSerializationFailure
	// OutcomeConstraintViolation means a concurrent transaction owns the key.
	OutcomeConstraintViolation
	// OutcomeOther covers every other abort, including StoreUnavailable.
	OutcomeOther
)

// String returns the string representation of the kind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "COMMITTED"
	case OutcomeSerializationFailure:
		return "SERIALIZATION_FAILURE"
	case OutcomeConstraintViolation:
		return "CONSTRAINT_VIOLATION"
	case OutcomeOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// ParseOutcomeKind parses the String form of a kind.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMMITTED":
		return OutcomeCommitted, nil
	case "SERIALIZATION_FAILURE":
		return OutcomeSerializationFailure, nil
	case "CONSTRAINT_VIOLATION":
		return OutcomeConstraintViolation, nil
	case "OTHER":
		return OutcomeOther, nil
	default:
		return 0, fmt.Errorf("%w: unknown outcome kind %q", ErrInvalidConfig, s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcomeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of one transactional session. Cause is nil only
// when Kind is OutcomeCommitted.
type Outcome struct {
	Kind  OutcomeKind
	Cause error
}

// Committed reports whether the session committed.
func (o Outcome) Committed() bool {
	return o.Kind == OutcomeCommitted
}

// Unavailable reports whether the abort was an infrastructure fault.
func (o Outcome) Unavailable() bool {
	return o.Kind == OutcomeOther && errors.Is(o.Cause, ErrStoreUnavailable)
}

// Reason is a low-cardinality label for metrics and logs.
func (o Outcome) Reason() string {
	if o.Unavailable() {
		return "STORE_UNAVAILABLE"
	}
	return o.Kind.String()
}

// Classify maps an error returned by Store.RunInTx onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeCommitted}
	case errors.Is(err, ErrSerializationFailure):
		return Outcome{Kind: OutcomeSerializationFailure, Cause: err}
	case errors.Is(err, ErrConstraintViolation):
		return Outcome{Kind: OutcomeConstraintViolation, Cause: err}
	default:
		return Outcome{Kind: OutcomeOther, Cause: err}
	}
}
