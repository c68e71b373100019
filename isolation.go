package idem

import (
	"database/sql"
	"fmt"
	"strings"
)

// IsolationLevel is the transaction isolation a session runs under.
type IsolationLevel int

const (
	// ReadCommitted sees only data committed before each statement. Duplicate
	// detection relies entirely on the key's uniqueness constraint.
	ReadCommitted IsolationLevel = iota + 1
	// Serializable aborts any transaction whose schedule has no serial equivalent.
	Serializable
)

// String returns the string representation of the level
func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ_COMMITTED"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether l is a supported level.
func (l IsolationLevel) Valid() bool {
	return l == ReadCommitted || l == Serializable
}

// SQL maps the level onto database/sql transaction options.
func (l IsolationLevel) SQL() sql.IsolationLevel {
	switch l {
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// ParseIsolationLevel accepts READ_COMMITTED, read-committed, "read committed",
// SERIALIZABLE and friends, case-insensitively.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToUpper(strings.TrimSpace(s)))
	switch norm {
	case "READ_COMMITTED", "RC":
		return ReadCommitted, nil
	case "SERIALIZABLE", "SER":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownIsolationLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l IsolationLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIsolationLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so levels can be read
// from YAML config and flags.
func (l *IsolationLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseIsolationLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
