package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/output"
)

func newIndexCmd() *cobra.Command {
	var skipHNSWRebuild bool

	cmd := &cobra.Command{
		Use:   "index <collection> <path>",
		Short: "Ingest pre-chunked JSONL records into a collection",
		Long: `Reads a file of newline-delimited JSON chunk records
({"path","line_start","line_end","language","content"}), embeds each
chunk's content, and upserts the results into the named collection.

Chunking itself is out of scope; this command expects its input already
split into chunks by an external producer.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, args[0], args[1], skipHNSWRebuild)
		},
	}

	cmd.Flags().BoolVar(&skipHNSWRebuild, "skip-hnsw-rebuild", false, "Skip rebuilding the HNSW graph after ingest; marks the collection stale instead")

	return cmd
}

func runIndex(cmd *cobra.Command, collection, path string, skipHNSWRebuild bool) error {
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

	result, err := b.Index(ctx, daemon.IndexParams{InputPath: path, SkipHNSWRebuild: skipHNSWRebuild})
	if err != nil {
		return err
	}

	out.Successf("Indexed %d record(s) in %.1fms (%d failed)", result.RecordsIndexed, result.DurationMS, result.RecordsFailed)
	if skipHNSWRebuild {
		out.Warning("HNSW rebuild skipped; collection marked stale")
	}

	return nil
}
