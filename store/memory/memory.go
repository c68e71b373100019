// Package memory provides an in-process transactional Store.
//
// Committed rows are versioned by a logical commit clock. READ_COMMITTED
// statements read the latest committed version. SERIALIZABLE transactions read
// the snapshot taken when they began, record the key buckets they read, and
// are aborted at commit when a transaction that committed after they began
// wrote one of those buckets (backward validation). With one bucket the read
// predicate covers the whole table, so concurrent writers of unrelated keys
// abort each other, as a page-locking SSI implementation would.
//
// Inserting a key that another open transaction has inserted blocks until
// that transaction finishes, as a unique index does.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"idem"
)

// Config tunes the engine.
type Config struct {
	// PredicatePages is the number of buckets keys hash into for SERIALIZABLE
	// read tracking. Values below 1 mean 1.
	PredicatePages int
	// StatementLatency is slept before every statement, outside any lock, to
	// widen the window in which transactions overlap.
	StatementLatency time.Duration
}

// DefaultConfig returns a table-level predicate and no latency.
func DefaultConfig() Config {
	return Config{PredicatePages: 1}
}

type version struct {
	request  string
	response *string
	ts       uint64
}

type commitRecord struct {
	ts      uint64
	buckets map[int]struct{}
}

// Store is an in-memory idem.Store.
type Store struct {
	cfg Config

	mu      sync.Mutex
	clock   uint64
	nextID  uint64
	rows    map[string][]version // ascending ts
	intents map[string]*txState
	active  map[*txState]struct{}
	recent  []commitRecord
	faults  []error
	closed  bool
}

var _ idem.Store = (*Store)(nil)

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.PredicatePages < 1 {
		cfg.PredicatePages = 1
	}
	return &Store{
		cfg:     cfg,
		rows:    make(map[string][]version),
		intents: make(map[string]*txState),
		active:  make(map[*txState]struct{}),
	}
}

// FailNext makes the next n transactions fail at begin with err. A nil err
// means idem.ErrStoreUnavailable.
func (s *Store) FailNext(n int, err error) {
	if err == nil {
		err = idem.ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

// RunInTx runs fn in one transaction at level.
func (s *Store) RunInTx(ctx context.Context, level idem.IsolationLevel, fn idem.UnitOfWork) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", idem.ErrUnknownIsolationLevel, int(level))
	}
	tx, err := s.begin(level)
	if err != nil {
		return err
	}

	// A panicking fn still releases its intents before the panic resumes.
	committed := false
	defer func() {
		if !committed {
			s.abort(tx)
		}
	}()

	if err := fn(ctx, &memTx{store: s, state: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	committed = true
	tx.hooks.Run()
	return nil
}

func (s *Store) begin(level idem.IsolationLevel) (*txState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errStoreClosed()
	}
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return nil, fmt.Errorf("begin: %w", err)
	}

	s.nextID++
	tx := &txState{
		id:     s.nextID,
		level:  level,
		start:  s.clock,
		reads:  make(map[int]struct{}),
		writes: make(map[string]*version),
		done:   make(chan struct{}),
	}
	s.active[tx] = struct{}{}
	return tx, nil
}

func (s *Store) commit(tx *txState) error {
	s.mu.Lock()

	if s.closed {
		s.finishLocked(tx)
		s.mu.Unlock()
		return fmt.Errorf("commit: %w", errStoreClosed())
	}

	if tx.level == idem.Serializable && len(tx.writes) > 0 {
		if err := s.validateLocked(tx); err != nil {
			s.finishLocked(tx)
			s.mu.Unlock()
			return err
		}
	}

	if len(tx.writes) > 0 {
		s.clock++
		written := make(map[int]struct{}, len(tx.writes))
		for _, key := range tx.order {
			w := tx.writes[key]
			w.ts = s.clock
			s.rows[key] = append(s.rows[key], *w)
			written[s.bucket(key)] = struct{}{}
		}
		s.recent = append(s.recent, commitRecord{ts: s.clock, buckets: written})
	}
	s.finishLocked(tx)
	s.mu.Unlock()
	return nil
}

// validateLocked aborts tx if a transaction committed after tx began wrote a
// bucket tx read, or a row tx updates.
func (s *Store) validateLocked(tx *txState) error {
	for _, c := range s.recent {
		if c.ts <= tx.start {
			continue
		}
		for b := range tx.reads {
			if _, ok := c.buckets[b]; ok {
				return fmt.Errorf("%w: read/write dependency on page %d with commit %d", idem.ErrSerializationFailure, b, c.ts)
			}
		}
	}
	for key := range tx.updates {
		if latest, ok := s.latestLocked(key); ok && latest.ts > tx.start {
			return fmt.Errorf("%w: concurrent update of key %q", idem.ErrSerializationFailure, key)
		}
	}
	return nil
}

func (s *Store) abort(tx *txState) {
	s.mu.Lock()
	s.finishLocked(tx)
	s.mu.Unlock()
	tx.hooks.Discard()
}

func (s *Store) finishLocked(tx *txState) {
	if tx.finished {
		return
	}
	tx.finished = true
	for key, owner := range s.intents {
		if owner == tx {
			delete(s.intents, key)
		}
	}
	delete(s.active, tx)
	close(tx.done)
	s.pruneLocked()
}

// pruneLocked drops commit records no open transaction can conflict with.
func (s *Store) pruneLocked() {
	oldest := s.clock
	for tx := range s.active {
		if tx.start < oldest {
			oldest = tx.start
		}
	}
	i := 0
	for i < len(s.recent) && s.recent[i].ts <= oldest {
		i++
	}
	s.recent = s.recent[i:]
}

func (s *Store) bucket(key string) int {
	if s.cfg.PredicatePages <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(s.cfg.PredicatePages))
}

func (s *Store) latestLocked(key string) (version, bool) {
	vs := s.rows[key]
	if len(vs) == 0 {
		return version{}, false
	}
	return vs[len(vs)-1], true
}

// visibleLocked returns the committed version of key tx may read.
func (s *Store) visibleLocked(tx *txState, key string) (version, bool) {
	vs := s.rows[key]
	if tx.level != idem.Serializable {
		return s.latestLocked(key)
	}
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].ts <= tx.start {
			return vs[i], true
		}
	}
	return version{}, false
}

// CountEntries returns committed requests plus committed responses.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed()
	}
	n := 0
	for key := range s.rows {
		latest, _ := s.latestLocked(key)
		n++
		if latest.response != nil {
			n++
		}
	}
	return n, nil
}

// Get returns the latest committed record for key, or nil.
func (s *Store) Get(key string) *idem.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latestLocked(key)
	if !ok {
		return nil
	}
	return v.record(key)
}

// Reset removes every record, like TRUNCATE. Open transactions are unaffected
// until they commit.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	s.rows = make(map[string][]version)
	s.clock++
	s.recent = append(s.recent, commitRecord{ts: s.clock, buckets: s.allBuckets()})
	return nil
}

func (s *Store) allBuckets() map[int]struct{} {
	all := make(map[int]struct{}, s.cfg.PredicatePages)
	for b := 0; b < s.cfg.PredicatePages; b++ {
		all[b] = struct{}{}
	}
	return all
}

// Close makes every later call fail with idem.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (v version) record(key string) *idem.Record {
	rec := &idem.Record{Key: key, Request: v.request}
	if v.response != nil {
		resp := *v.response
		rec.Response = &resp
	}
	return rec
}

type txState struct {
	id       uint64
	level    idem.IsolationLevel
	start    uint64
	reads    map[int]struct{}
	writes   map[string]*version
	order    []string
	updates  map[string]struct{} // keys written that were committed before tx
	done     chan struct{}
	waiting  *txState
	hooks    idem.CommitHooks
	finished bool
}

type memTx struct {
	store *Store
	state *txState
}

var _ idem.Tx = (*memTx)(nil)

func (t *memTx) statement(ctx context.Context) error {
	if d := t.store.cfg.StatementLatency; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (t *memTx) Lookup(ctx context.Context, key string) (*idem.Record, error) {
	if err := t.statement(ctx); err != nil {
		return nil, err
	}
	s, tx := t.store, t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	if tx.level == idem.Serializable {
		tx.reads[s.bucket(key)] = struct{}{}
	}
	if w, ok := tx.writes[key]; ok {
		return w.record(key), nil
	}
	v, ok := s.visibleLocked(tx, key)
	if !ok {
		return nil, nil
	}
	return v.record(key), nil
}

func (t *memTx) InsertRequest(ctx context.Context, key, request string) error {
	if err := t.statement(ctx); err != nil {
		return err
	}
	s, tx := t.store, t.state
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return errStoreClosed()
		}
		if _, ok := tx.writes[key]; ok {
			return fmt.Errorf("%w: key %q already inserted", idem.ErrConstraintViolation, key)
		}
		owner, held := s.intents[key]
		if !held || owner == tx {
			break
		}
		if s.waitCycleLocked(tx, owner) {
			return fmt.Errorf("%w: deadlock detected waiting for key %q", idem.ErrSerializationFailure, key)
		}

		tx.waiting = owner
		s.mu.Unlock()
		select {
		case <-owner.done:
		case <-ctx.Done():
		}
		s.mu.Lock()
		tx.waiting = nil
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if latest, ok := s.latestLocked(key); ok {
		if tx.level == idem.Serializable && latest.ts > tx.start {
			return fmt.Errorf("%w: key %q inserted by a concurrent transaction", idem.ErrSerializationFailure, key)
		}
		return fmt.Errorf("%w: duplicate key %q", idem.ErrConstraintViolation, key)
	}

	s.intents[key] = tx
	tx.writes[key] = &version{request: request}
	tx.order = append(tx.order, key)
	return nil
}

// waitCycleLocked reports whether tx waiting for owner would close a cycle.
func (s *Store) waitCycleLocked(tx, owner *txState) bool {
	for cur := owner; cur != nil; cur = cur.waiting {
		if cur == tx {
			return true
		}
	}
	return false
}

func (t *memTx) AttachResponse(ctx context.Context, key, response string) error {
	if err := t.statement(ctx); err != nil {
		return err
	}
	s, tx := t.store, t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	resp := response
	if w, ok := tx.writes[key]; ok {
		w.response = &resp
		return nil
	}

	v, ok := s.visibleLocked(tx, key)
	if !ok {
		return fmt.Errorf("%w: key %q", idem.ErrNotFound, key)
	}
	if tx.updates == nil {
		tx.updates = make(map[string]struct{})
	}
	tx.updates[key] = struct{}{}
	tx.writes[key] = &version{request: v.request, response: &resp}
	tx.order = append(tx.order, key)
	return nil
}

func (t *memTx) OnCommit(fn func()) {
	t.state.hooks.Add(fn)
}

// ErrClosed is wrapped, together with idem.ErrStoreUnavailable, by every
// call made after Close.
var ErrClosed = errors.New("memory store closed")

func errStoreClosed() error {
	return fmt.Errorf("%w: %w", idem.ErrStoreUnavailable, ErrClosed)
}
