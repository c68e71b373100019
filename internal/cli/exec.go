package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"idem"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	NoRetry bool
	Prefix  string
}

// ExecResult is the printed outcome of one exec call.
type ExecResult struct {
	Key      string `json:"key"`
	Response string `json:"response,omitempty"`
	Replayed bool   `json:"replayed"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <key> <payload>",
		Short: "Execute one idempotent call",
		Long: `Execute one idempotent call for key. The first call for a key stores
prefix+payload as its response; later calls return the stored response
whatever payload they carry.

Example:
  idemctl exec --backend postgres --dsn postgres://localhost/idem order-17 '{"qty":3}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.NoRetry, "no-retry", false, "run exactly one transaction and surface its abort")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "response-", "response prefix of the demo operation")

	return cmd
}

func runExec(cmd *cobra.Command, opts *ExecOptions, key, payload string) error {
	s, err := newSession(cmd, opts.RootOptions, idem.ResponsePrefix(opts.Prefix))
	if err != nil {
		return err
	}
	defer s.Close()

	var callOpts []idem.CallOption
	if opts.NoRetry {
		callOpts = append(callOpts, idem.WithoutRetry())
	}

	res, err := s.engine.Execute(cmd.Context(), key, payload, callOpts...)
	out := ExecResult{Key: key, Response: res.Response, Replayed: res.Replayed, Attempts: res.Attempts}
	p := printer{format: opts.Format, w: cmd.OutOrStdout()}
	if err != nil {
		out.Reason = idem.FailureReason(err)
		return p.failure(out, err, func(w io.Writer) {
			fmt.Fprintf(w, "%s: failed (%s): %v\n", key, out.Reason, err)
		})
	}
	return p.result(out, func(w io.Writer) {
		source := "computed"
		if out.Replayed {
			source = "replayed"
		}
		fmt.Fprintf(w, "%s: %s (%s, %d attempt(s))\n", key, out.Response, source, out.Attempts)
	})
}
