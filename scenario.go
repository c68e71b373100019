package idem

import (
	"context"
	"fmt"
	"time"
)

// Canonical matrix parameters.
const (
	ScenarioMaxID   = 10
	ScenarioNumRuns = 50
)

// Scenario is one cell of the isolation × key-repetition × retry matrix.
type Scenario struct {
	Name      string
	Isolation IsolationLevel
	Repeats   bool // keys drawn from [0, MaxID) so calls collide
	Retry     bool
	MaxID     int
	NumRuns   int
}

// ScenarioReport is what one scenario run observed.
type ScenarioReport struct {
	Scenario Scenario
	Summary  Summary
	// Entries is the store's entry count after the run.
	Entries int
	// ExpectedEntries is two per distinct key dispatched.
	ExpectedEntries int
	Duration        time.Duration
	Results         []Invocation
}

// Consistent reports whether the store holds exactly one completed record
// per distinct key.
func (r ScenarioReport) Consistent() bool {
	return r.Entries == r.ExpectedEntries
}

// AllSucceeded reports whether every invocation returned a response.
func (r ScenarioReport) AllSucceeded() bool {
	return r.Summary.Failed == 0
}

// CanonicalScenarios returns the seven-scenario matrix with MaxID 10 and
// NumRuns 50: every isolation/repeat/retry combination except
// READ_COMMITTED with unique keys and retry, which cannot differ from
// its no-retry twin.
func CanonicalScenarios() []Scenario {
	var out []Scenario
	for _, level := range []IsolationLevel{Serializable, ReadCommitted} {
		for _, repeats := range []bool{true, false} {
			for _, retry := range []bool{false, true} {
				if level == ReadCommitted && !repeats && retry {
					continue
				}
				out = append(out, Scenario{
					Name:      scenarioName(level, repeats, retry),
					Isolation: level,
					Repeats:   repeats,
					Retry:     retry,
					MaxID:     ScenarioMaxID,
					NumRuns:   ScenarioNumRuns,
				})
			}
		}
	}
	return out
}

func scenarioName(level IsolationLevel, repeats, retry bool) string {
	r, t := "no-repeats", "no-retry"
	if repeats {
		r = "repeats"
	}
	if retry {
		t = "retry"
	}
	return fmt.Sprintf("%s/%s/%s", level, r, t)
}

// FindScenario returns the canonical scenario called name.
func FindScenario(name string) (Scenario, bool) {
	for _, s := range CanonicalScenarios() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Keys returns the scenario's key generator.
func (s Scenario) Keys(seed uint64) KeyGenerator {
	if s.Repeats {
		return RandomKeys(s.MaxID, seed)
	}
	return UniqueKeys()
}

// RunScenario resets the engine's store, drives the scenario through a
// Driver with the engine's pool size and reports the resulting entry count.
func RunScenario(ctx context.Context, engine *Engine, s Scenario, seed uint64) (ScenarioReport, error) {
	store := engine.Store()
	if err := store.Reset(ctx); err != nil {
		return ScenarioReport{}, fmt.Errorf("reset before %s: %w", s.Name, err)
	}

	driver := NewDriver(engine, WithPoolSize(engine.Config().PoolSize), WithLogger(engine.logger))
	start := time.Now()
	results := driver.RunConcurrently(ctx, s.NumRuns, s.Keys(seed), s.Isolation, s.Retry)
	elapsed := time.Since(start)

	entries, err := store.CountEntries(ctx)
	if err != nil {
		return ScenarioReport{}, fmt.Errorf("count after %s: %w", s.Name, err)
	}

	summary := Summarize(results)
	return ScenarioReport{
		Scenario:        s,
		Summary:         summary,
		Entries:         entries,
		ExpectedEntries: 2 * summary.DistinctKeys,
		Duration:        elapsed,
		Results:         results,
	}, nil
}
