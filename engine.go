package idem

import (
	"context"
	"log/slog"

	"idem/circuit"
)

// Engine is the caller boundary: it owns an Executor and a Controller over
// one Store and applies the configured defaults to every call.
type Engine struct {
	store      Store
	executor   *Executor
	controller *Controller
	logger     *slog.Logger
	config     Config
}

var _ Invoker = (*Engine)(nil)

// New creates an Engine that computes first-seen responses with op.
func New(store Store, op Operation, opts ...Option) (*Engine, error) {
	cfg := ApplyOptions(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewStoreBreaker("store", cfg)
	}

	executor := NewExecutor(store, op, WithConfig(cfg))
	return &Engine{
		store:      store,
		executor:   executor,
		controller: NewController(executor, WithConfig(cfg)),
		logger:     cfg.Logger,
		config:     cfg,
	}, nil
}

// CallOption overrides the engine defaults for a single call.
type CallOption func(*callOptions)

type callOptions struct {
	level  IsolationLevel
	policy RetryPolicy
	retry  bool
}

// WithCallIsolation runs the call at level.
func WithCallIsolation(level IsolationLevel) CallOption {
	return func(o *callOptions) {
		o.level = level
	}
}

// WithRetryPolicy retries the call under policy.
func WithRetryPolicy(policy RetryPolicy) CallOption {
	return func(o *callOptions) {
		o.policy = policy
		o.retry = true
	}
}

// WithoutRetry runs exactly one session and surfaces its abort.
func WithoutRetry() CallOption {
	return func(o *callOptions) {
		o.retry = false
	}
}

// Execute returns the canonical response for key. Errors match one of
// ErrOperationAborted, ErrRetriesExhausted or ErrStoreUnavailable, or are
// argument errors such as ErrInvalidKey.
func (e *Engine) Execute(ctx context.Context, key, payload string, opts ...CallOption) (Result, error) {
	o := callOptions{
		level:  e.config.Isolation,
		policy: e.config.RetryPolicy(),
		retry:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.retry {
		return e.executor.Execute(ctx, key, payload, o.level)
	}
	return e.controller.ExecuteWithRetry(ctx, key, payload, o.level, o.policy)
}

// Store returns the backing store.
func (e *Engine) Store() Store {
	return e.store
}

// Executor returns the engine's executor.
func (e *Engine) Executor() *Executor {
	return e.executor
}

// Controller returns the engine's retry controller.
func (e *Engine) Controller() *Controller {
	return e.controller
}

// Breaker returns the store circuit breaker.
func (e *Engine) Breaker() *circuit.Breaker {
	return e.controller.Breaker()
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Close closes the backing store.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine store")
	return e.store.Close()
}
