package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"idem"
	"idem/event"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Scenarios []string
	Seed      uint64
	Runs      int
	MaxID     int
	Check     bool
	Hold      bool
	Events    int
}

// BenchRow is the printed outcome of one scenario.
type BenchRow struct {
	Scenario        string              `json:"scenario"`
	Invocations     int                 `json:"invocations"`
	DistinctKeys    int                 `json:"distinct_keys"`
	Succeeded       int                 `json:"succeeded"`
	Replayed        int                 `json:"replayed"`
	Failed          int                 `json:"failed"`
	Failures        map[string]int      `json:"failures,omitempty"`
	MaxAttempts     int                 `json:"max_attempts"`
	RetriesPlanned  int                 `json:"retries_scheduled"`
	Exhausted       int                 `json:"retries_exhausted"`
	Entries         int                 `json:"entries"`
	ExpectedEntries int                 `json:"expected_entries"`
	Consistent      bool                `json:"consistent"`
	DurationMS      int64               `json:"duration_ms"`
	Events          []event.LoggedEvent `json:"events,omitempty"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the isolation × repetition × retry scenario matrix",
		Long: `Run concurrent invocations against the store for each scenario and
report failures and the resulting entry count. A scenario is consistent
when the store holds one request entry and one response entry per
distinct key dispatched.

Scenarios are named ISOLATION/repeats|no-repeats/retry|no-retry.

Example:
  idemctl bench --scenario SERIALIZABLE/repeats/retry --check`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Scenarios, "scenario", nil, "scenarios to run (default all)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "seed for repeated key draws")
	cmd.Flags().IntVar(&opts.Runs, "runs", 0, "invocations per scenario (default 50)")
	cmd.Flags().IntVar(&opts.MaxID, "max-id", 0, "distinct keys for repeating scenarios (default 10)")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "exit 1 unless every retrying scenario succeeds and stays consistent")
	cmd.Flags().BoolVar(&opts.Hold, "hold", false, "keep serving metrics after the run until interrupted")
	cmd.Flags().IntVar(&opts.Events, "events", 0, "print the last N abort, retry and exhaustion events of each scenario")

	return cmd
}

func selectScenarios(opts *BenchOptions) ([]idem.Scenario, error) {
	var out []idem.Scenario
	if len(opts.Scenarios) == 0 {
		out = idem.CanonicalScenarios()
	} else {
		for _, name := range opts.Scenarios {
			s, ok := idem.FindScenario(strings.TrimSpace(name))
			if !ok {
				return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown scenario %q", name))
			}
			out = append(out, s)
		}
	}
	for i := range out {
		if opts.Runs > 0 {
			out[i].NumRuns = opts.Runs
		}
		if opts.MaxID > 0 {
			out[i].MaxID = opts.MaxID
		}
	}
	return out, nil
}

func runBench(cmd *cobra.Command, opts *BenchOptions) error {
	scenarios, err := selectScenarios(opts)
	if err != nil {
		return err
	}

	s, err := newSession(cmd, opts.RootOptions, idem.ResponsePrefix("response-"))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if _, err := s.serveMetrics(ctx); err != nil {
		return err
	}

	rows := make([]BenchRow, 0, len(scenarios))
	var violations []error
	for _, sc := range scenarios {
		s.events.Clear()
		report, err := idem.RunScenario(ctx, s.engine, sc, opts.Seed)
		if err != nil {
			return WrapExitError(ExitCommandError, "run "+sc.Name, err)
		}
		row := benchRow(report, s.events)
		if opts.Events > 0 {
			row.Events = s.events.List(event.Filter{Types: noteworthyEvents, Limit: opts.Events})
		}
		rows = append(rows, row)

		s.logger.InfoContext(ctx, "scenario finished",
			"scenario", sc.Name,
			"failed", row.Failed,
			"entries", row.Entries,
			"consistent", row.Consistent,
		)
		if sc.Retry && !(report.AllSucceeded() && report.Consistent()) {
			violations = append(violations, fmt.Errorf("%s: %d failed, %d entries for %d keys",
				sc.Name, row.Failed, row.Entries, row.DistinctKeys))
		}
	}

	p := printer{format: opts.Format, w: cmd.OutOrStdout()}
	if opts.Check && len(violations) > 0 {
		return p.failure(rows, errors.Join(violations...), func(w io.Writer) { printBenchTable(w, rows) })
	}
	if err := p.result(rows, func(w io.Writer) { printBenchTable(w, rows) }); err != nil {
		return err
	}

	if opts.Hold && s.cfg.Metrics.Addr != "" {
		s.logger.Info("holding metrics endpoint, interrupt to exit")
		<-ctx.Done()
	}
	return nil
}

// noteworthyEvents are the events --events prints.
var noteworthyEvents = []event.EventType{
	event.EventAttemptAborted,
	event.EventRetryScheduled,
	event.EventRetriesExhausted,
	event.EventCircuitOpened,
	event.EventCircuitClosed,
}

func benchRow(r idem.ScenarioReport, events *event.Log) BenchRow {
	row := BenchRow{
		Scenario:        r.Scenario.Name,
		Invocations:     r.Summary.Total,
		DistinctKeys:    r.Summary.DistinctKeys,
		Succeeded:       r.Summary.Succeeded,
		Replayed:        r.Summary.Replayed,
		Failed:          r.Summary.Failed,
		MaxAttempts:     r.Summary.MaxAttempts,
		RetriesPlanned:  events.Total(event.EventRetryScheduled),
		Exhausted:       events.Total(event.EventRetriesExhausted),
		Entries:         r.Entries,
		ExpectedEntries: r.ExpectedEntries,
		Consistent:      r.Consistent(),
		DurationMS:      r.Duration.Milliseconds(),
	}
	if len(r.Summary.FailuresByReason) > 0 {
		row.Failures = r.Summary.FailuresByReason
	}
	return row
}

func printBenchTable(w io.Writer, rows []BenchRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tCALLS\tKEYS\tOK\tREPLAYED\tFAILED\tRETRIES\tENTRIES\tCONSISTENT\tTIME")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%d\t%d/%d\t%t\t%s\n",
			r.Scenario, r.Invocations, r.DistinctKeys, r.Succeeded, r.Replayed,
			failureCell(r), r.RetriesPlanned, r.Entries, r.ExpectedEntries, r.Consistent,
			(time.Duration(r.DurationMS) * time.Millisecond).String())
	}
	_ = tw.Flush()

	for _, r := range rows {
		if len(r.Events) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s, latest events:\n", r.Scenario)
		for _, e := range r.Events {
			fmt.Fprintf(w, "  %s %s key=%s attempt=%d", e.Timestamp, e.Type, e.Key, e.Attempt)
			if e.Reason != "" {
				fmt.Fprintf(w, " reason=%s", e.Reason)
			}
			if e.DelayMS > 0 {
				fmt.Fprintf(w, " delay=%dms", e.DelayMS)
			}
			fmt.Fprintln(w)
		}
	}
}

func failureCell(r BenchRow) string {
	if r.Failed == 0 {
		return "0"
	}
	reasons := make([]string, 0, len(r.Failures))
	for reason, n := range r.Failures {
		reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(reasons)
	return fmt.Sprintf("%d (%s)", r.Failed, strings.Join(reasons, ","))
}
