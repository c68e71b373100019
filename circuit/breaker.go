// Package circuit provides the store-availability circuit breaker.
//
// Only infrastructure faults count as failures. Serialization aborts and
// constraint violations prove the store is reachable and count as successes.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has elapsed
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the configuration for a breaker
type Config struct {
	// Threshold is the number of consecutive unavailability failures that opens the circuit
	Threshold int `yaml:"threshold"`
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration `yaml:"timeout"`
	// HalfOpenMaxReqs is the number of probes allowed, and successes required, in HALF_OPEN
	HalfOpenMaxReqs int `yaml:"half_open_max_reqs"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		Timeout:         30 * time.Second,
		HalfOpenMaxReqs: 1,
	}
}

// Counts holds the statistics for a breaker
type Counts struct {
	Requests             int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveSuccesses int64
	ConsecutiveFailures  int64
	Rejected             int64
}

// StateListener is notified on every state transition.
type StateListener func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateListener registers a transition callback. It is called without
// the breaker's lock held.
func WithStateListener(fn StateListener) Option {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, fn)
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker guards calls to one store.
type Breaker struct {
	mu        sync.Mutex
	name      string
	config    Config
	state     State
	counts    Counts
	openedAt  time.Time
	probes    int
	now       func() time.Time
	listeners []StateListener
}

// New creates a closed breaker. Non-positive config fields fall back to DefaultConfig.
func New(name string, config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxReqs <= 0 {
		config.HalfOpenMaxReqs = def.HalfOpenMaxReqs
	}
	b := &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded store's name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. Every nil return must be followed
// by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			b.counts.Rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		transition = b.setState(StateHalfOpen)
		b.probes = 1
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenMaxReqs {
			b.counts.Rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	b.counts.Requests++
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return nil
}

// Record reports the result of an allowed call.
func (b *Breaker) Record(unavailable bool) {
	b.mu.Lock()
	var transition func()

	if unavailable {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		switch b.state {
		case StateClosed:
			if b.counts.ConsecutiveFailures >= int64(b.config.Threshold) {
				transition = b.open()
			}
		case StateHalfOpen:
			transition = b.open()
		}
	} else {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= int64(b.config.HalfOpenMaxReqs) {
			transition = b.setState(StateClosed)
			b.probes = 0
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports HALF_OPEN; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns the current statistics
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its statistics.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(StateClosed)
	b.counts = Counts{}
	b.probes = 0
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// open must be called with mu held.
func (b *Breaker) open() func() {
	b.openedAt = b.now()
	b.probes = 0
	return b.setState(StateOpen)
}

// setState must be called with mu held. It returns the listener notification
// to run after unlocking, or nil when the state did not change.
func (b *Breaker) setState(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	listeners := b.listeners
	name := b.name
	return func() {
		for _, fn := range listeners {
			fn(name, from, to)
		}
	}
}
