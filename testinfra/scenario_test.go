package testinfra

import (
	"context"
	"testing"
	"time"

	"idem"
	"idem/event"
)

// ============================================================================
// Scenario Matrix Tests
// ============================================================================

// TestScenarioMatrix runs every canonical scenario on every available
// backend and checks the invariants that hold whatever the interleaving.
func TestScenarioMatrix(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping scenario matrix in short mode")
	}

	ForEachBackend(t, func(t *testing.T, b Backend) {
		op := NewSideEffects("response-")
		engine := NewEngine(t, b.Store, op)

		for _, sc := range idem.CanonicalScenarios() {
			t.Run(sc.Name, func(t *testing.T) {
				op.Reset()
				report, err := idem.RunScenario(context.Background(), engine, sc, 2024)
				if err != nil {
					t.Fatalf("RunScenario failed: %v", err)
				}
				checkReport(t, b, sc, report, op)
			})
		}
	})
}

func checkReport(t *testing.T, b Backend, sc idem.Scenario, report idem.ScenarioReport, op *SideEffects) {
	t.Helper()
	results := report.Results
	succeeded := SucceededKeys(results)

	// One record, request and response, per key that any call completed.
	if report.Entries != 2*len(succeeded) {
		t.Errorf("Entries: expected %d for %d completed keys, got %d", 2*len(succeeded), len(succeeded), report.Entries)
	}
	if sc.Repeats && report.Entries > 2*sc.MaxID {
		t.Errorf("Entries %d exceed two per possible key (%d)", report.Entries, sc.MaxID)
	}

	AssertReplayEquality(t, results, "response-")

	for key := range succeeded {
		if n := op.Committed(key); n != 1 {
			t.Errorf("Key %s: side effect committed %d times", key, n)
		}
	}
	AssertEqual(t, len(succeeded), op.CommittedKeys())

	if sc.Retry {
		if !report.AllSucceeded() {
			t.Errorf("Retrying scenario had failures: %v", report.Summary.FailuresByReason)
		}
		if !report.Consistent() {
			t.Errorf("Retrying scenario inconsistent: %d entries, expected %d", report.Entries, report.ExpectedEntries)
		}
		return
	}

	switch {
	case sc.Isolation == idem.Serializable:
		AssertFailureReasons(t, results, "SERIALIZATION_FAILURE", "CONSTRAINT_VIOLATION")
	case b.Name == "mysql":
		// InnoDB may resolve concurrent duplicate inserts with a deadlock.
		AssertFailureReasons(t, results, "CONSTRAINT_VIOLATION", "SERIALIZATION_FAILURE")
	default:
		AssertFailureReasons(t, results, "CONSTRAINT_VIOLATION")
	}
	if !sc.Repeats && sc.Isolation == idem.ReadCommitted && !report.AllSucceeded() {
		t.Errorf("Unique keys never conflict under READ_COMMITTED, got %v", report.Summary.FailuresByReason)
	}
}

// ============================================================================
// Replay Tests
// ============================================================================

// TestReplayAfterCompletion validates that a completed key answers later
// calls from the store, whatever their payload.
func TestReplayAfterCompletion(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		op := NewSideEffects("r-")
		collector := NewEventCollector()
		bus := event.NewMemoryEventBus()
		_ = bus.SubscribeAll(collector.Handle)
		engine := NewEngine(t, b.Store, op, idem.WithEventBus(bus))

		first, err := engine.Execute(ctx, "order-1", "a")
		if err != nil {
			t.Fatal(err)
		}
		second, err := engine.Execute(ctx, "order-1", "b", idem.WithCallIsolation(idem.ReadCommitted))
		if err != nil {
			t.Fatal(err)
		}

		AssertEqual(t, "r-a", first.Response)
		AssertEqual(t, "r-a", second.Response)
		AssertEqual(t, false, first.Replayed)
		AssertEqual(t, true, second.Replayed)
		AssertEqual(t, 1, op.Committed("order-1"))
		AssertEntries(t, b.Store, 2)
		AssertEventCount(t, collector, event.EventResponseReplayed, 1)
	})
}

// TestConcurrentDuplicatesConverge validates that concurrent calls for one
// key all return the winner's response when retries are enabled.
func TestConcurrentDuplicatesConverge(t *testing.T) {
	for _, level := range []idem.IsolationLevel{idem.ReadCommitted, idem.Serializable} {
		t.Run(level.String(), func(t *testing.T) {
			ForEachBackend(t, func(t *testing.T, b Backend) {
				op := NewSideEffects("response-")
				engine := NewEngine(t, b.Store, op)
				driver := idem.NewDriver(engine, idem.WithPoolSize(8))

				results := driver.RunConcurrently(context.Background(), 16, idem.KeyGeneratorFunc(func(int) string {
					return "hot"
				}), level, true)

				summary := idem.Summarize(results)
				AssertEqual(t, 0, summary.Failed)
				AssertEqual(t, 15, summary.Replayed)
				AssertEqual(t, 1, op.Committed("hot"))
				AssertEntries(t, b.Store, 2)
				AssertReplayEquality(t, results, "response-")
			})
		})
	}
}

// TestStoreUnavailableIsRetried validates unavailability retries on the
// memory engine's injected failures.
func TestStoreUnavailableIsRetried(t *testing.T) {
	mem := Backends(t)[0].Memory
	if mem == nil {
		t.Fatal("expected the memory backend first")
	}

	op := NewSideEffects("r-")
	engine := NewEngine(t, mem, op)
	mem.FailNext(2, idem.ErrStoreUnavailable)

	res, err := engine.Execute(context.Background(), "k", "v")
	if err != nil {
		t.Fatalf("expected recovery after transient unavailability, got %v", err)
	}
	AssertEqual(t, 3, res.Attempts)
	AssertEqual(t, "r-v", res.Response)
}

// TestPanickingOperationReleasesKey validates that a panic inside the
// operation leaves no open transaction behind, so the key stays usable.
func TestPanickingOperationReleasesKey(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, b Backend) {
		panicking := true
		op := idem.OperationFunc(func(ctx context.Context, tx idem.Tx, key, request string) (string, error) {
			if panicking {
				panic("operation crashed")
			}
			return "response-" + request, nil
		})
		engine := NewEngine(t, b.Store, op)

		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected the panic to reach the caller")
				}
			}()
			_, _ = engine.Execute(context.Background(), "k", "v", idem.WithCallIsolation(idem.ReadCommitted), idem.WithoutRetry())
		}()
		AssertEntries(t, b.Store, 0)

		panicking = false
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := engine.Execute(ctx, "k", "v", idem.WithCallIsolation(idem.ReadCommitted))
		if err != nil {
			t.Fatalf("execute after panic failed: %v", err)
		}
		AssertEqual(t, "response-v", res.Response)
		AssertCompleted(t, b.Store, "k", "response-v")
	})
}
