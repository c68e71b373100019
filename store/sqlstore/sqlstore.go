// Package sqlstore implements idem.Store over database/sql. Backends supply
// a Dialect for placeholders, quoting, DDL and driver error classification.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"

	"idem"
)

// DefaultTable is the table used when WithTable is not given.
const DefaultTable = "idempotency"

// Dialect adapts the store to one SQL engine.
type Dialect interface {
	// Name identifies the engine in error messages and logs.
	Name() string
	// Placeholder returns the bind marker for the n-th argument, counting from 1.
	Placeholder(n int) string
	// QuoteIdent quotes a validated identifier.
	QuoteIdent(name string) string
	// CreateTable returns DDL creating the quoted table if it does not exist.
	CreateTable(table string) string
	// Truncate returns a statement removing every row of the quoted table.
	Truncate(table string) string
	// Classify returns the idem sentinel err stands for, or nil if none applies.
	Classify(err error) error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithLogger sets the logger used for rollback failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

type queries struct {
	lookup   string
	insert   string
	attach   string
	count    string
	truncate string
	create   string
}

// Store is an idem.Store backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	logger  *slog.Logger
	q       queries
}

var _ idem.Store = (*Store)(nil)

// New creates a Store over db. The Store owns db and closes it in Close.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: dialect,
		table:   DefaultTable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !identPattern.MatchString(s.table) {
		return nil, fmt.Errorf("%w: invalid table name %q", idem.ErrInvalidConfig, s.table)
	}
	s.q = buildQueries(dialect, s.table)
	return s, nil
}

func buildQueries(d Dialect, table string) queries {
	t := d.QuoteIdent(table)
	key := d.QuoteIdent("key")
	p1, p2 := d.Placeholder(1), d.Placeholder(2)

	return queries{
		lookup:   fmt.Sprintf("SELECT request, response FROM %s WHERE %s = %s", t, key, p1),
		insert:   fmt.Sprintf("INSERT INTO %s (%s, request) VALUES (%s, %s)", t, key, p1, p2),
		attach:   fmt.Sprintf("UPDATE %s SET response = %s WHERE %s = %s", t, p1, key, p2),
		count:    fmt.Sprintf("SELECT COUNT(request) + COUNT(response) FROM %s", t),
		truncate: d.Truncate(t),
		create:   d.CreateTable(t),
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Table returns the table name.
func (s *Store) Table() string {
	return s.table
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.create); err != nil {
		return s.wrap("ensure schema", err)
	}
	return nil
}

// RunInTx runs fn in a database transaction at level. Commit hooks run after
// a successful COMMIT only.
func (s *Store) RunInTx(ctx context.Context, level idem.IsolationLevel, fn idem.UnitOfWork) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", idem.ErrUnknownIsolationLevel, int(level))
	}

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level.SQL()})
	if err != nil {
		return s.wrap("begin", err)
	}

	tx := &Tx{store: s, tx: sqlTx}
	committed := false
	defer func() {
		if !committed {
			tx.hooks.Discard()
			s.rollback(ctx, sqlTx)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	committed = true
	tx.hooks.Run()
	return nil
}

func (s *Store) rollback(ctx context.Context, sqlTx *sql.Tx) {
	if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.WarnContext(ctx, "rollback failed",
			"dialect", s.dialect.Name(), "table", s.table, "error", err)
	}
}

// CountEntries returns COUNT(request) + COUNT(response).
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q.count).Scan(&n); err != nil {
		return 0, s.wrap("count entries", err)
	}
	return n, nil
}

// Reset truncates the table.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.truncate); err != nil {
		return s.wrap("reset", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrap annotates err with the operation and, where one applies, the idem
// sentinel it stands for.
func (s *Store) wrap(op string, err error) error {
	if sentinel := s.classify(err); sentinel != nil {
		return fmt.Errorf("%s %s: %w: %w", s.dialect.Name(), op, sentinel, err)
	}
	return fmt.Errorf("%s %s: %w", s.dialect.Name(), op, err)
}

func (s *Store) classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return idem.ErrStoreUnavailable
	}
	if sentinel := s.dialect.Classify(err); sentinel != nil {
		return sentinel
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return idem.ErrStoreUnavailable
	}
	return nil
}

// Tx is the idem.Tx handed to units of work by Store.RunInTx.
type Tx struct {
	store *Store
	tx    *sql.Tx
	hooks idem.CommitHooks
}

var _ idem.Tx = (*Tx)(nil)

// Lookup selects the record for key.
func (t *Tx) Lookup(ctx context.Context, key string) (*idem.Record, error) {
	var request string
	var response sql.NullString

	err := t.tx.QueryRowContext(ctx, t.store.q.lookup, key).Scan(&request, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.store.wrap("lookup", err)
	}

	rec := &idem.Record{Key: key, Request: request}
	if response.Valid {
		rec.Response = &response.String
	}
	return rec, nil
}

// InsertRequest inserts a row with a NULL response.
func (t *Tx) InsertRequest(ctx context.Context, key, request string) error {
	if _, err := t.tx.ExecContext(ctx, t.store.q.insert, key, request); err != nil {
		return t.store.wrap("insert request", err)
	}
	return nil
}

// AttachResponse updates the response of an existing row.
func (t *Tx) AttachResponse(ctx context.Context, key, response string) error {
	res, err := t.tx.ExecContext(ctx, t.store.q.attach, response, key)
	if err != nil {
		return t.store.wrap("attach response", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.store.wrap("attach response", err)
	}
	if n == 0 {
		return fmt.Errorf("%s attach response: %w: key %q", t.store.dialect.Name(), idem.ErrNotFound, key)
	}
	return nil
}

// OnCommit registers fn to run after COMMIT succeeds.
func (t *Tx) OnCommit(fn func()) {
	t.hooks.Add(fn)
}
