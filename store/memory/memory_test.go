package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"idem"
)

// heldTx is a transaction running in its own goroutine that pauses after
// its body until commit is closed.
type heldTx struct {
	ready    chan error
	commit   chan struct{}
	done     chan error
	failWith error
}

func startTx(s *Store, level idem.IsolationLevel, body idem.UnitOfWork) *heldTx {
	h := &heldTx{
		ready:  make(chan error, 1),
		commit: make(chan struct{}),
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- s.RunInTx(context.Background(), level, func(ctx context.Context, tx idem.Tx) error {
			err := body(ctx, tx)
			h.ready <- err
			if err != nil {
				return err
			}
			<-h.commit
			return h.failWith
		})
	}()
	return h
}

func (h *heldTx) waitReady(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.ready:
		if err != nil {
			t.Fatalf("transaction body failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transaction body")
	}
}

func (h *heldTx) finish(t *testing.T) error {
	t.Helper()
	close(h.commit)
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit")
		return nil
	}
}

// abortWith releases the transaction, making its body return err.
func (h *heldTx) abortWith(t *testing.T, err error) error {
	t.Helper()
	h.failWith = err
	return h.finish(t)
}

func insertWithResponse(key, request, response string) idem.UnitOfWork {
	return func(ctx context.Context, tx idem.Tx) error {
		if err := tx.InsertRequest(ctx, key, request); err != nil {
			return err
		}
		return tx.AttachResponse(ctx, key, response)
	}
}

func TestStore_InsertLookupAttach(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	err := s.RunInTx(ctx, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		rec, err := tx.Lookup(ctx, "k1")
		if err != nil {
			return err
		}
		if rec != nil {
			t.Errorf("expected no record, got %+v", rec)
		}
		if err := tx.InsertRequest(ctx, "k1", "req"); err != nil {
			return err
		}
		rec, _ = tx.Lookup(ctx, "k1")
		if rec == nil || rec.HasResponse() {
			t.Errorf("expected own pending insert without response, got %+v", rec)
		}
		return tx.AttachResponse(ctx, "k1", "resp")
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	rec := s.Get("k1")
	if rec == nil || rec.Request != "req" || !rec.HasResponse() || *rec.Response != "resp" {
		t.Fatalf("unexpected committed record %+v", rec)
	}

	n, err := s.CountEntries(ctx)
	if err != nil {
		t.Fatalf("CountEntries failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestStore_DuplicateInsert(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	if err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse("k", "a", "ra")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse("k", "b", "rb"))
	if !errors.Is(err, idem.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}

	err = s.RunInTx(ctx, idem.Serializable, func(ctx context.Context, tx idem.Tx) error {
		if err := tx.InsertRequest(ctx, "other", "x"); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, "other", "x")
	})
	if !errors.Is(err, idem.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation for a repeated insert in one tx, got %v", err)
	}

	if rec := s.Get("k"); *rec.Response != "ra" {
		t.Errorf("expected the first response to survive, got %s", *rec.Response)
	}
	if s.Get("other") != nil {
		t.Error("aborted insert must not be visible")
	}
}

func TestStore_AttachMissingKey(t *testing.T) {
	s := New(DefaultConfig())

	err := s.RunInTx(context.Background(), idem.Serializable, func(ctx context.Context, tx idem.Tx) error {
		return tx.AttachResponse(ctx, "missing", "r")
	})
	if !errors.Is(err, idem.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AttachToCommittedRecord(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	err := s.RunInTx(ctx, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.InsertRequest(ctx, "k", "req")
	})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountEntries(ctx); n != 1 {
		t.Errorf("expected 1 entry for a request-only record, got %d", n)
	}

	err = s.RunInTx(ctx, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.AttachResponse(ctx, "k", "resp")
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec := s.Get("k"); rec.Request != "req" || *rec.Response != "resp" {
		t.Errorf("unexpected record %+v", rec)
	}
	if n, _ := s.CountEntries(ctx); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestStore_CommitHooks(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var fired int32
	err := s.RunInTx(ctx, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		tx.OnCommit(func() { atomic.AddInt32(&fired, 1) })
		return tx.InsertRequest(ctx, "k", "r")
	})
	if err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("expected hook to fire once after commit, fired %d", fired)
	}

	err = s.RunInTx(ctx, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		tx.OnCommit(func() { atomic.AddInt32(&fired, 1) })
		return tx.InsertRequest(ctx, "k", "r")
	})
	if !errors.Is(err, idem.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if fired != 1 {
		t.Errorf("hook of an aborted transaction fired")
	}
}

func TestStore_BodyErrorRollsBack(t *testing.T) {
	s := New(DefaultConfig())
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		if err := tx.InsertRequest(ctx, "k", "r"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	if s.Get("k") != nil {
		t.Error("rolled back insert is visible")
	}
}

func TestStore_PanicReleasesIntent(t *testing.T) {
	s := New(DefaultConfig())
	ran := false

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected the panic to resume, got %v", r)
			}
		}()
		_ = s.RunInTx(context.Background(), idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
			tx.OnCommit(func() { ran = true })
			if err := tx.InsertRequest(ctx, "k", "r"); err != nil {
				return err
			}
			panic("boom")
		})
	}()
	if ran {
		t.Error("commit hook ran for a panicked transaction")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse("k", "r", "done")); err != nil {
		t.Fatalf("insert after panic failed: %v", err)
	}
	if rec := s.Get("k"); rec == nil || !rec.HasResponse() || *rec.Response != "done" {
		t.Fatalf("expected the second insert to commit, got %+v", rec)
	}
}

func TestStore_ConcurrentInsertBlocksThenConflicts(t *testing.T) {
	cases := []struct {
		level idem.IsolationLevel
		want  error
	}{
		{idem.ReadCommitted, idem.ErrConstraintViolation},
		{idem.Serializable, idem.ErrSerializationFailure},
	}
	for _, tc := range cases {
		t.Run(tc.level.String(), func(t *testing.T) {
			s := New(DefaultConfig())

			winner := startTx(s, tc.level, insertWithResponse("k", "w", "rw"))
			winner.waitReady(t)

			loserDone := make(chan error, 1)
			go func() {
				loserDone <- s.RunInTx(context.Background(), tc.level, insertWithResponse("k", "l", "rl"))
			}()

			select {
			case err := <-loserDone:
				t.Fatalf("loser finished before the winner committed: %v", err)
			case <-time.After(50 * time.Millisecond):
			}

			if err := winner.finish(t); err != nil {
				t.Fatalf("winner failed: %v", err)
			}
			if err := <-loserDone; !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if rec := s.Get("k"); *rec.Response != "rw" {
				t.Errorf("expected winner's response, got %s", *rec.Response)
			}
		})
	}
}

func TestStore_WaiterProceedsAfterOwnerAborts(t *testing.T) {
	s := New(DefaultConfig())

	owner := startTx(s, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.InsertRequest(ctx, "k", "owner")
	})
	owner.waitReady(t)

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- s.RunInTx(context.Background(), idem.ReadCommitted, insertWithResponse("k", "waiter", "rw"))
	}()
	time.Sleep(20 * time.Millisecond)

	boom := errors.New("boom")
	if err := owner.abortWith(t, boom); !errors.Is(err, boom) {
		t.Fatalf("expected owner to abort with its body error, got %v", err)
	}
	if err := <-waiterDone; err != nil {
		t.Fatalf("waiter should commit once the owner aborted, got %v", err)
	}
	if rec := s.Get("k"); rec.Request != "waiter" {
		t.Errorf("expected the waiter's record, got %+v", rec)
	}
}

func TestStore_CloseWakesWaiters(t *testing.T) {
	s := New(DefaultConfig())

	owner := startTx(s, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.InsertRequest(ctx, "k", "owner")
	})
	owner.waitReady(t)

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- s.RunInTx(context.Background(), idem.ReadCommitted, insertWithResponse("k", "waiter", "rw"))
	}()
	time.Sleep(20 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := owner.finish(t); !errors.Is(err, idem.ErrStoreUnavailable) {
		t.Fatalf("expected commit on a closed store to fail as unavailable, got %v", err)
	}
	if err := <-waiterDone; !errors.Is(err, idem.ErrStoreUnavailable) {
		t.Fatalf("expected waiter to observe the closed store, got %v", err)
	}
}

func TestStore_SerializableSnapshot(t *testing.T) {
	s := New(DefaultConfig())

	var before, after *idem.Record
	reader := startTx(s, idem.Serializable, func(ctx context.Context, tx idem.Tx) error {
		var err error
		before, err = tx.Lookup(ctx, "k")
		return err
	})
	reader.waitReady(t)

	if err := s.RunInTx(context.Background(), idem.ReadCommitted, insertWithResponse("k", "r", "resp")); err != nil {
		t.Fatal(err)
	}

	var rcSaw *idem.Record
	_ = s.RunInTx(context.Background(), idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		rcSaw, _ = tx.Lookup(ctx, "k")
		return nil
	})
	if rcSaw == nil {
		t.Error("READ_COMMITTED must see committed data")
	}

	s.mu.Lock()
	for tx := range s.active {
		if v, ok := s.visibleLocked(tx, "k"); ok {
			after = v.record("k")
		}
	}
	s.mu.Unlock()

	if before != nil || after != nil {
		t.Errorf("SERIALIZABLE snapshot must not see a later commit, saw %+v / %+v", before, after)
	}
	if err := reader.finish(t); err != nil {
		t.Errorf("read-only serializable tx must commit, got %v", err)
	}
}

func TestStore_SerializableTableLevelPredicateAbortsUnrelatedWriter(t *testing.T) {
	s := New(Config{PredicatePages: 1})

	executorBody := func(key string) idem.UnitOfWork {
		return func(ctx context.Context, tx idem.Tx) error {
			if _, err := tx.Lookup(ctx, key); err != nil {
				return err
			}
			return insertWithResponse(key, "req-"+key, "resp-"+key)(ctx, tx)
		}
	}

	a := startTx(s, idem.Serializable, executorBody("a"))
	b := startTx(s, idem.Serializable, executorBody("b"))
	a.waitReady(t)
	b.waitReady(t)

	if err := a.finish(t); err != nil {
		t.Fatalf("first committer failed: %v", err)
	}
	if err := b.finish(t); !errors.Is(err, idem.ErrSerializationFailure) {
		t.Fatalf("expected spurious serialization failure, got %v", err)
	}
}

func TestStore_SerializableFinePredicateAllowsDisjointWriters(t *testing.T) {
	s := New(Config{PredicatePages: 1024})
	keyA, keyB := "a", "b"
	if s.bucket(keyA) == s.bucket(keyB) {
		keyB = "c"
	}

	body := func(key string) idem.UnitOfWork {
		return func(ctx context.Context, tx idem.Tx) error {
			if _, err := tx.Lookup(ctx, key); err != nil {
				return err
			}
			return insertWithResponse(key, "r", "p")(ctx, tx)
		}
	}
	a := startTx(s, idem.Serializable, body(keyA))
	b := startTx(s, idem.Serializable, body(keyB))
	a.waitReady(t)
	b.waitReady(t)

	if err := a.finish(t); err != nil {
		t.Fatal(err)
	}
	if err := b.finish(t); err != nil {
		t.Fatalf("disjoint pages must not conflict, got %v", err)
	}
}

// Each transaction checks that neither key exists and inserts its own. At
// most one of them may exist in any serial history.
func TestStore_WriteSkew(t *testing.T) {
	run := func(t *testing.T, level idem.IsolationLevel) (errA, errB error, rows int) {
		s := New(Config{PredicatePages: 1024})
		keyX, keyY := "x", "y"
		for s.bucket(keyX) == s.bucket(keyY) {
			keyY += "y"
		}

		checkThenInsert := func(own string) idem.UnitOfWork {
			return func(ctx context.Context, tx idem.Tx) error {
				for _, k := range []string{keyX, keyY} {
					rec, err := tx.Lookup(ctx, k)
					if err != nil {
						return err
					}
					if rec != nil {
						return fmt.Errorf("%s already taken", k)
					}
				}
				return tx.InsertRequest(ctx, own, "claim")
			}
		}

		a := startTx(s, level, checkThenInsert(keyX))
		b := startTx(s, level, checkThenInsert(keyY))
		a.waitReady(t)
		b.waitReady(t)
		errA = a.finish(t)
		errB = b.finish(t)
		rows, _ = s.CountEntries(context.Background())
		return errA, errB, rows
	}

	t.Run("READ_COMMITTED allows the anomaly", func(t *testing.T) {
		errA, errB, rows := run(t, idem.ReadCommitted)
		if errA != nil || errB != nil {
			t.Fatalf("expected both to commit, got %v / %v", errA, errB)
		}
		if rows != 2 {
			t.Errorf("expected both claims, got %d rows", rows)
		}
	})

	t.Run("SERIALIZABLE prevents it", func(t *testing.T) {
		errA, errB, rows := run(t, idem.Serializable)
		if errA != nil {
			t.Fatalf("first committer failed: %v", errA)
		}
		if !errors.Is(errB, idem.ErrSerializationFailure) {
			t.Fatalf("expected serialization failure, got %v", errB)
		}
		if rows != 1 {
			t.Errorf("expected a single claim, got %d rows", rows)
		}
	})
}

func TestStore_DeadlockDetected(t *testing.T) {
	s := New(DefaultConfig())

	t1 := startTx(s, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.InsertRequest(ctx, "a", "1")
	})
	t1.waitReady(t)

	t2Ready := make(chan struct{})
	t2Second := make(chan struct{})
	t2Done := make(chan error, 1)
	go func() {
		t2Done <- s.RunInTx(context.Background(), idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
			if err := tx.InsertRequest(ctx, "b", "2"); err != nil {
				return err
			}
			close(t2Ready)
			<-t2Second
			return tx.InsertRequest(ctx, "a", "2")
		})
	}()
	<-t2Ready

	// t1 now waits for b, owned by t2.
	s.mu.Lock()
	t1State := s.intents["a"]
	s.mu.Unlock()

	t1Blocked := make(chan error, 1)
	go func() {
		tx := &memTx{store: s, state: t1State}
		t1Blocked <- tx.InsertRequest(context.Background(), "b", "1")
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		waiting := t1State.waiting != nil
		s.mu.Unlock()
		if waiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("t1 never started waiting")
		}
		time.Sleep(time.Millisecond)
	}

	close(t2Second)
	if err := <-t2Done; !errors.Is(err, idem.ErrSerializationFailure) {
		t.Fatalf("expected deadlock reported as serialization failure, got %v", err)
	}
	if err := <-t1Blocked; err != nil {
		t.Fatalf("t1 should acquire b after t2 aborts, got %v", err)
	}
	if err := t1.finish(t); err != nil {
		t.Fatalf("t1 commit failed: %v", err)
	}
	if n, _ := s.CountEntries(context.Background()); n != 2 {
		t.Errorf("expected a and b from t1, got %d entries", n)
	}
}

func TestStore_WaitHonorsContext(t *testing.T) {
	s := New(DefaultConfig())

	owner := startTx(s, idem.ReadCommitted, func(ctx context.Context, tx idem.Tx) error {
		return tx.InsertRequest(ctx, "k", "r")
	})
	owner.waitReady(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse("k", "x", "y"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := owner.finish(t); err != nil {
		t.Fatal(err)
	}
}

func TestStore_FaultInjection(t *testing.T) {
	s := New(DefaultConfig())
	s.FailNext(2, nil)

	for i := 0; i < 2; i++ {
		err := s.RunInTx(context.Background(), idem.ReadCommitted, insertWithResponse("k", "r", "p"))
		if !errors.Is(err, idem.ErrStoreUnavailable) {
			t.Fatalf("call %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	if err := s.RunInTx(context.Background(), idem.ReadCommitted, insertWithResponse("k", "r", "p")); err != nil {
		t.Fatalf("expected recovery after injected faults, got %v", err)
	}
}

func TestStore_ResetAndClose(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse(k, "r", "p")); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := s.CountEntries(ctx); n != 6 {
		t.Fatalf("expected 6 entries, got %d", n)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountEntries(ctx); n != 0 {
		t.Fatalf("expected 0 entries after reset, got %d", n)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err := s.RunInTx(ctx, idem.ReadCommitted, insertWithResponse("a", "r", "p"))
	if !errors.Is(err, idem.ErrStoreUnavailable) || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed store error, got %v", err)
	}
	if _, err := s.CountEntries(ctx); !errors.Is(err, idem.ErrStoreUnavailable) {
		t.Fatalf("expected CountEntries to fail after close, got %v", err)
	}
}

func TestStore_UnknownIsolation(t *testing.T) {
	s := New(DefaultConfig())
	err := s.RunInTx(context.Background(), idem.IsolationLevel(0), func(context.Context, idem.Tx) error { return nil })
	if !errors.Is(err, idem.ErrUnknownIsolationLevel) {
		t.Fatalf("expected ErrUnknownIsolationLevel, got %v", err)
	}
}

// Concurrent first-time inserts of colliding keys leave exactly one record
// per distinct key, at either isolation level.
func TestProperty_OneRecordPerKey(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		level := rapid.SampledFrom([]idem.IsolationLevel{idem.ReadCommitted, idem.Serializable}).Draw(rt, "level")
		keys := rapid.SliceOfN(rapid.IntRange(0, 5), 1, 30).Draw(rt, "keys")

		s := New(Config{PredicatePages: rapid.IntRange(1, 8).Draw(rt, "pages")})
		var committedHooks sync.Map
		var wg sync.WaitGroup
		for i, k := range keys {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("k%d", k)
				_ = s.RunInTx(context.Background(), level, func(ctx context.Context, tx idem.Tx) error {
					rec, err := tx.Lookup(ctx, key)
					if err != nil || rec != nil {
						return err
					}
					tx.OnCommit(func() {
						n, _ := committedHooks.LoadOrStore(key, new(int32))
						atomic.AddInt32(n.(*int32), 1)
					})
					return insertWithResponse(key, fmt.Sprint(i), "resp")(ctx, tx)
				})
			}()
		}
		wg.Wait()

		committedHooks.Range(func(k, v any) bool {
			if n := atomic.LoadInt32(v.(*int32)); n != 1 {
				rt.Fatalf("key %v: %d committed first-time executions", k, n)
			}
			return true
		})

		n, err := s.CountEntries(context.Background())
		if err != nil {
			rt.Fatal(err)
		}
		if n%2 != 0 {
			rt.Fatalf("every record must carry its response, got %d entries", n)
		}
	})
}
