// Package testinfra provides test infrastructure for running idempotent
// invocations against every available backend: the in-process memory engine
// always, and PostgreSQL and MySQL when a DSN is configured and reachable.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"idem"
	"idem/store/memory"
	"idem/store/mysql"
	"idem/store/postgres"
	"idem/store/sqlstore"
)

// Environment variables naming the SQL databases used by integration tests.
const (
	EnvPostgresDSN = "IDEM_TEST_POSTGRES_DSN"
	EnvMySQLDSN    = "IDEM_TEST_MYSQL_DSN"
)

// DefaultConfig returns default test configuration
func DefaultConfig() TestConfig {
	return TestConfig{
		PostgresDSN:       os.Getenv(EnvPostgresDSN),
		MySQLDSN:          os.Getenv(EnvMySQLDSN),
		MemoryLatency:     time.Millisecond,
		MemoryPages:       8,
		ConnectTimeout:    5 * time.Second,
		MaxRetries:        50,
		InitialDelay:      2 * time.Millisecond,
		MaxDelay:          40 * time.Millisecond,
		Jitter:            5 * time.Millisecond,
		PoolSize:          10,
		UnavailableDelay:  time.Millisecond,
		UnavailableMaxGap: 5 * time.Millisecond,
	}
}

// TestConfig holds test configuration
type TestConfig struct {
	PostgresDSN       string
	MySQLDSN          string
	MemoryLatency     time.Duration // statement latency of the memory engine
	MemoryPages       int
	ConnectTimeout    time.Duration
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	PoolSize          int
	UnavailableDelay  time.Duration
	UnavailableMaxGap time.Duration
}

// EngineOptions returns engine options with short backoff suitable for tests.
func (c TestConfig) EngineOptions() []idem.Option {
	return []idem.Option{
		idem.WithMaxRetries(c.MaxRetries),
		idem.WithInitialDelay(c.InitialDelay),
		idem.WithMaxDelay(c.MaxDelay),
		idem.WithJitter(c.Jitter),
		idem.WithPoolSize(c.PoolSize),
		func(cfg *idem.Config) {
			cfg.UnavailableDelay = c.UnavailableDelay
			cfg.UnavailableMaxDelay = c.UnavailableMaxGap
		},
	}
}

// Backend is one store under test.
type Backend struct {
	Name  string
	Store idem.Store
	// Memory is set for the memory backend.
	Memory *memory.Store
	// SQL is set for database backends.
	SQL *sqlstore.Store
}

var tableCounter atomic.Int64

// uniqueTable returns a table name no other test in this process uses.
func uniqueTable() string {
	return fmt.Sprintf("idem_test_%d_%d", time.Now().UnixNano(), tableCounter.Add(1))
}

// Backends returns the memory backend plus every SQL backend whose DSN is
// set and reachable. SQL backends get a fresh table dropped at cleanup.
func Backends(t *testing.T) []Backend {
	t.Helper()
	cfg := DefaultConfig()

	mem := memory.New(memory.Config{
		PredicatePages:   cfg.MemoryPages,
		StatementLatency: cfg.MemoryLatency,
	})
	t.Cleanup(func() { _ = mem.Close() })
	backends := []Backend{{Name: "memory", Store: mem, Memory: mem}}

	open := []struct {
		name string
		dsn  string
		fn   func(context.Context, string, ...sqlstore.Option) (*sqlstore.Store, error)
	}{
		{"postgres", cfg.PostgresDSN, postgres.Open},
		{"mysql", cfg.MySQLDSN, mysql.Open},
	}
	for _, o := range open {
		if o.dsn == "" {
			continue
		}
		if s := openSQL(t, cfg, o.name, o.dsn, o.fn); s != nil {
			backends = append(backends, Backend{Name: o.name, Store: s, SQL: s})
		}
	}
	return backends
}

func openSQL(t *testing.T, cfg TestConfig, name, dsn string, open func(context.Context, string, ...sqlstore.Option) (*sqlstore.Store, error)) *sqlstore.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	s, err := open(ctx, dsn, sqlstore.WithTable(uniqueTable()))
	if err != nil {
		t.Logf("Skipping %s backend: %v", name, err)
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		t.Logf("Skipping %s backend: create table: %v", name, err)
		return nil
	}
	t.Cleanup(func() {
		if _, err := s.DB().ExecContext(context.Background(), "DROP TABLE IF EXISTS "+s.Table()); err != nil {
			t.Logf("Warning: failed to drop %s: %v", s.Table(), err)
		}
		_ = s.Close()
	})
	return s
}

// ForEachBackend runs fn as a subtest per available backend.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for _, b := range Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			fn(t, b)
		})
	}
}

// RequireSQLBackend skips the test unless at least one SQL backend is reachable.
func RequireSQLBackend(t *testing.T) []Backend {
	t.Helper()
	var out []Backend
	for _, b := range Backends(t) {
		if b.SQL != nil {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		t.Skipf("Skipping test: set %s or %s to a reachable database", EnvPostgresDSN, EnvMySQLDSN)
	}
	return out
}

// NewEngine creates an engine over store with op and test retry settings.
func NewEngine(t *testing.T, store idem.Store, op idem.Operation, opts ...idem.Option) *idem.Engine {
	t.Helper()
	all := append(DefaultConfig().EngineOptions(), opts...)
	e, err := idem.New(store, op, all...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}
