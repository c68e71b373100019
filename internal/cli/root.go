// Package cli implements the idemctl commands.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands. Empty values leave the
// configuration file and environment in charge.
type RootOptions struct {
	ConfigPath  string
	EnvFiles    []string
	Backend     string
	DSN         string
	Table       string
	Isolation   string
	MetricsAddr string
	Verbose     bool
	Format      string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for idemctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "idemctl",
		Short: "Idempotent execution under concurrent transactions",
		Long: `idemctl executes idempotent operations against a keyed store and
benchmarks how isolation level, key repetition and retry interact.

Backends: memory (in-process), postgres, mysql.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	flags.StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, ".env files loaded before reading IDEM_* variables")
	flags.StringVar(&opts.Backend, "backend", "", "store backend (memory|postgres|mysql)")
	flags.StringVar(&opts.DSN, "dsn", "", "database connection string")
	flags.StringVar(&opts.Table, "table", "", "idempotency table name")
	flags.StringVar(&opts.Isolation, "isolation", "", "default isolation level (read-committed|serializable)")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}
