// Package mysql provides the MySQL backend of the idempotency store.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"idem"
	"idem/store/sqlstore"
)

// MySQL server error numbers the store distinguishes.
const (
	erDupEntry        = 1062
	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
	erConCount        = 1040
	erServerShutdown  = 1053
)

// Dialect is the MySQL sqlstore.Dialect.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name returns "mysql".
func (Dialect) Name() string { return "mysql" }

// Placeholder returns ?.
func (Dialect) Placeholder(int) string { return "?" }

// QuoteIdent backtick-quotes name; `key` is reserved in MySQL.
func (Dialect) QuoteIdent(name string) string { return "`" + name + "`" }

// CreateTable returns the DDL for the idempotency table.
func (Dialect) CreateTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		` + "`key`" + ` VARCHAR(255) NOT NULL PRIMARY KEY,
		request TEXT NOT NULL,
		response TEXT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
}

// Truncate returns TRUNCATE TABLE.
func (Dialect) Truncate(table string) string { return "TRUNCATE TABLE " + table }

// Classify maps MySQL error numbers onto the idem sentinels. InnoDB reports
// SERIALIZABLE conflicts as deadlocks or lock wait timeouts.
func (Dialect) Classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erLockDeadlock, erLockWaitTimeout:
			return idem.ErrSerializationFailure
		case erDupEntry:
			return idem.ErrConstraintViolation
		case erConCount, erServerShutdown:
			return idem.ErrStoreUnavailable
		}
		return nil
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return idem.ErrStoreUnavailable
	}
	return nil
}

// New creates a store over an open MySQL handle. The DSN must set
// clientFoundRows=true or AttachResponse may misreport unchanged rows; Open
// sets it.
func New(db *sql.DB, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect{}, opts...)
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mysql dsn: %w", idem.ErrInvalidConfig, err)
	}
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql connector: %w", idem.ErrInvalidConfig, err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w: %w", idem.ErrStoreUnavailable, err)
	}
	return New(db, opts...)
}
