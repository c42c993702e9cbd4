package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/output"
)

func newTemporalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "temporal",
		Short: "Manage temporal (commit-indexed) collections",
	}

	cmd.AddCommand(newTemporalReconcileCmd())
	return cmd
}

func newTemporalReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <collection>",
		Short: "Drop hash-prefix metadata for points no longer present in the collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemporalReconcile(cmd, args[0])
		},
	}
}

func runTemporalReconcile(cmd *cobra.Command, collection string) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := newLocalBackend(ctx, cfg, root, collection)
	if err != nil {
		return err
	}
	defer b.Embedder.Close()

	removed, err := b.ReconcileTemporal(ctx)
	if err != nil {
		return err
	}

	out.Successf("Reconciled %q: removed %d stale metadata entries", collection, removed)
	return nil
}
