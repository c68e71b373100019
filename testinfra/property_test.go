package testinfra

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"idem"
	"idem/store/memory"
)

// ============================================================================
// Property Tests
// ============================================================================

// TestProperty_AtMostOneRecordPerKey runs random call plans on the memory
// engine and checks that each key ends with at most one record, that every
// completed key has exactly one committed side effect and that replays
// return the first response.
func TestProperty_AtMostOneRecordPerKey(t *testing.T) {
	cfg := DefaultConfig()

	rapid.Check(t, func(rt *rapid.T) {
		level := rapid.SampledFrom([]idem.IsolationLevel{idem.ReadCommitted, idem.Serializable}).Draw(rt, "level")
		retry := rapid.Bool().Draw(rt, "retry")
		maxID := rapid.IntRange(1, 8).Draw(rt, "maxID")
		calls := rapid.IntRange(1, 30).Draw(rt, "calls")
		seed := rapid.Uint64().Draw(rt, "seed")
		pages := rapid.IntRange(1, 8).Draw(rt, "pages")

		store := memory.New(memory.Config{PredicatePages: pages})
		defer store.Close()

		op := NewSideEffects("p:")
		engine, err := idem.New(store, op, cfg.EngineOptions()...)
		if err != nil {
			rt.Fatalf("New failed: %v", err)
		}

		driver := idem.NewDriver(engine, idem.WithPoolSize(6))
		results := driver.RunConcurrently(context.Background(), calls, idem.RandomKeys(maxID, seed), level, retry)

		completed := SucceededKeys(results)
		for i := 0; i < maxID; i++ {
			key := fmt.Sprint(i)
			rec := store.Get(key)
			_, done := completed[key]
			switch {
			case done && !rec.HasResponse():
				rt.Fatalf("key %s answered but has no completed record: %+v", key, rec)
			case !done && rec != nil:
				rt.Fatalf("key %s has a record but no call completed", key)
			case done && *rec.Response != "p:"+idem.PayloadFor(key):
				rt.Fatalf("key %s stored %q", key, *rec.Response)
			}
			if done && op.Committed(key) != 1 {
				rt.Fatalf("key %s: %d committed side effects", key, op.Committed(key))
			}
		}

		n, err := store.CountEntries(context.Background())
		if err != nil {
			rt.Fatal(err)
		}
		if n != 2*len(completed) {
			rt.Fatalf("entries %d, expected %d", n, 2*len(completed))
		}
		if retry && idem.Summarize(results).Failed != 0 {
			rt.Fatalf("retrying calls failed: %v", idem.Summarize(results).FailuresByReason)
		}

		seen := make(map[string]string)
		for _, r := range results {
			if !r.Succeeded() {
				continue
			}
			if prev, ok := seen[r.Key]; ok && prev != r.Response {
				rt.Fatalf("key %s answered %q and %q", r.Key, prev, r.Response)
			}
			seen[r.Key] = r.Response
		}
	})
}

// TestProperty_SequentialCallsReplay checks that, without concurrency, the
// first call for a key computes and every later call replays.
func TestProperty_SequentialCallsReplay(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, b Backend) {
		engine := NewEngine(t, b.Store, NewSideEffects("s:"))

		rapid.Check(t, func(rt *rapid.T) {
			if err := b.Store.Reset(context.Background()); err != nil {
				rt.Fatal(err)
			}
			payloads := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 5).Draw(rt, "payloads")
			level := rapid.SampledFrom([]idem.IsolationLevel{idem.ReadCommitted, idem.Serializable}).Draw(rt, "level")

			for i, p := range payloads {
				res, err := engine.Execute(context.Background(), "seq", p, idem.WithCallIsolation(level))
				if err != nil {
					rt.Fatalf("call %d failed: %v", i, err)
				}
				if res.Response != "s:"+payloads[0] {
					rt.Fatalf("call %d answered %q, expected %q", i, res.Response, "s:"+payloads[0])
				}
				if res.Replayed != (i > 0) {
					rt.Fatalf("call %d: replayed=%v", i, res.Replayed)
				}
			}
		})
	})
}
