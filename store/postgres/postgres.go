// Package postgres provides the PostgreSQL backend of the idempotency store,
// using pgx as the database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"idem"
	"idem/store/sqlstore"
)

// Dialect is the PostgreSQL sqlstore.Dialect.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name returns "postgres".
func (Dialect) Name() string { return "postgres" }

// Placeholder returns $n.
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// QuoteIdent double-quotes name.
func (Dialect) QuoteIdent(name string) string { return `"` + name + `"` }

// CreateTable returns the DDL for the idempotency table.
func (Dialect) CreateTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		"key" VARCHAR(255) PRIMARY KEY,
		request TEXT NOT NULL,
		response TEXT NULL
	)`
}

// Truncate returns TRUNCATE TABLE.
func (Dialect) Truncate(table string) string { return "TRUNCATE TABLE " + table }

// Classify maps SQLSTATE codes onto the idem sentinels.
func (Dialect) Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return idem.ErrSerializationFailure
		case pgerrcode.UniqueViolation:
			return idem.ErrConstraintViolation
		case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow:
			return idem.ErrStoreUnavailable
		}
		if pgerrcode.IsConnectionException(pgErr.Code) {
			return idem.ErrStoreUnavailable
		}
		return nil
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return idem.ErrStoreUnavailable
	}
	return nil
}

// New creates a store over an open PostgreSQL handle.
func New(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect{}, opts...)
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", idem.ErrInvalidConfig, err)
	}

	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", idem.ErrStoreUnavailable, err)
	}
	return New(db, opts...)
}
