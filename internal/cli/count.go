package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"idem"
)

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "count",
		Short:         "Print the number of request and response entries in the store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, rootOpts, idem.ResponsePrefix(""))
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.store.CountEntries(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "count entries", err)
			}
			p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.result(map[string]int{"entries": n}, func(w io.Writer) {
				fmt.Fprintln(w, n)
			})
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reset",
		Short:         "Remove every record from the store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, rootOpts, idem.ResponsePrefix(""))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.store.Reset(cmd.Context()); err != nil {
				return WrapExitError(ExitCommandError, "reset store", err)
			}
			p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.result(map[string]bool{"reset": true}, func(w io.Writer) {
				fmt.Fprintf(w, "%s store reset\n", s.cfg.Backend)
			})
		},
	}
}
