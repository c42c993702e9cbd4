// Package cmd implements the codeindexer command-line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/logging"
)

var (
	debug      bool
	logCleanup func()
)

// NewRootCmd builds the root cobra command and wires every subcommand.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "codeindexer",
		Short:         "Hybrid semantic and full-text code search",
		Long:          `codeindexer indexes pre-chunked code into a local hybrid vector/FTS store and serves fast searches over it, directly or through a background daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logCfg := logging.DefaultConfig()
			logCfg.WriteToStderr = debug
			if debug {
				logCfg.Level = "debug"
			}
			logger, cleanup, err := logging.Setup(logCfg)
			if err != nil {
				// Logging is not critical to CLI operation; fall back silently.
				return nil
			}
			slog.SetDefault(logger)
			logCleanup = cleanup
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCleanup != nil {
				logCleanup()
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging to ~/.codeindexer/logs/")

	cmd.AddCommand(newCollectionCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newSearchFTSCmd())
	cmd.AddCommand(newSearchHybridCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newTemporalCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and returns an error on failure. Callers
// should os.Exit(1) on a non-nil error; diagnostics are printed here.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		printDiagnostic(cmd, err)
		return err
	}
	return nil
}

// printDiagnostic writes a single-line error message, with the full error
// chain when --debug is set.
func printDiagnostic(cmd *cobra.Command, err error) {
	if debug {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
}
