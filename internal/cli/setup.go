package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"idem"
	"idem/event"
	"idem/internal/config"
	promimpl "idem/metrics/prometheus"
	"idem/store/memory"
	"idem/store/mysql"
	"idem/store/postgres"
	"idem/store/sqlstore"
	"idem/tracing"
)

// session is everything one command invocation works with.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	store    idem.Store
	engine   *idem.Engine
	registry *prometheus.Registry
	events   *event.Log
}

// loadConfig reads the .env files, the config file and IDEM_* variables,
// then applies the global flags on top.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load env files", err)
	}

	cfg, err := config.Load(opts.ConfigPath, func(c *config.Config) error {
		if opts.Backend != "" {
			c.Backend = opts.Backend
		}
		if opts.DSN != "" {
			c.DSN = opts.DSN
		}
		if opts.Table != "" {
			c.Table = opts.Table
		}
		if opts.Isolation != "" {
			level, err := idem.ParseIsolationLevel(opts.Isolation)
			if err != nil {
				return err
			}
			c.Isolation = level
		}
		if opts.MetricsAddr != "" {
			c.Metrics.Addr = opts.MetricsAddr
		}
		if opts.Verbose {
			c.Log.Level = "debug"
		}
		return nil
	})
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// openStore opens the configured backend. SQL backends get their table
// created if missing.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (idem.Store, error) {
	sqlOpts := []sqlstore.Option{sqlstore.WithTable(cfg.Table), sqlstore.WithLogger(logger)}

	var (
		s   *sqlstore.Store
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(memory.Config{
			PredicatePages:   cfg.Memory.PredicatePages,
			StatementLatency: cfg.Memory.StatementLatency,
		}), nil
	case config.BackendPostgres:
		s, err = postgres.Open(ctx, cfg.DSN, sqlOpts...)
	case config.BackendMySQL:
		s, err = mysql.Open(ctx, cfg.DSN, sqlOpts...)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", idem.ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// newSession loads the configuration and builds the store and engine.
// Callers must close the session.
func newSession(cmd *cobra.Command, opts *RootOptions, op idem.Operation) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open "+cfg.Backend+" store", err)
	}

	registry := prometheus.NewRegistry()
	bus := event.NewMemoryEventBus(event.WithLogger(logger))
	events := event.NewLog(event.DefaultLogSize)
	_ = bus.SubscribeAll(events.Handler())
	_ = bus.SubscribeAll(func(ctx context.Context, e event.Event) error {
		logger.DebugContext(ctx, "event", "type", e.Type.String(), "key", e.Key,
			"attempt", e.Attempt, "reason", e.Reason, "delay", e.Delay)
		return nil
	})

	engine, err := idem.New(store, op,
		idem.WithConfig(cfg.Engine()),
		idem.WithLogger(logger),
		idem.WithMetrics(promimpl.New(promimpl.Config{Namespace: cfg.Metrics.Namespace, Registry: registry})),
		idem.WithTracer(tracing.NewOTelTracer(tracing.DefaultConfig())),
		idem.WithEventBus(bus),
	)
	if err != nil {
		_ = store.Close()
		return nil, WrapExitError(ExitCommandError, "create engine", err)
	}

	return &session{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   engine,
		registry: registry,
		events:   events,
	}, nil
}

func (s *session) Close() error {
	return s.engine.Close()
}

// serveMetrics exposes the session registry on cfg.Metrics.Addr until ctx
// is done. It returns the bound address, or "" when metrics are disabled.
func (s *session) serveMetrics(ctx context.Context) (string, error) {
	if s.cfg.Metrics.Addr == "" {
		return "", nil
	}
	ln, err := net.Listen("tcp", s.cfg.Metrics.Addr)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "listen for metrics", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}
