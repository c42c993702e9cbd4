package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/backend"
	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/output"
)

type searchOptions struct {
	limit     int
	threshold float64
	format    string
}

type searchMode int

const (
	modeSemantic searchMode = iota
	modeFTS
	modeHybrid
)

func newSearchCmd() *cobra.Command {
	return newSearchLikeCmd("search", "Semantic search over an indexed collection", modeSemantic)
}

func newSearchFTSCmd() *cobra.Command {
	return newSearchLikeCmd("search-fts", "Full-text search over an indexed collection", modeFTS)
}

func newSearchHybridCmd() *cobra.Command {
	return newSearchLikeCmd("search-hybrid", "Fused semantic + full-text search over an indexed collection", modeHybrid)
}

func newSearchLikeCmd(use, short string, mode searchMode) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   use + " <collection> <query>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, args[0], args[1], mode, opts)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum number of results")
	cmd.Flags().Float64Var(&opts.threshold, "score-threshold", 0, "Minimum score for a result to be returned")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text or json")

	return cmd
}

func runSearch(cmd *cobra.Command, collection, query string, mode searchMode, opts searchOptions) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	params := daemon.QueryParams{
		Query:          query,
		Limit:          opts.limit,
		ScoreThreshold: opts.threshold,
	}

	resp, err := dispatchQuery(ctx, collection, mode, params)
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Results) == 0 {
		out.Status("", "No results")
		return nil
	}

	for _, r := range resp.Results {
		out.Statusf("", "%s:%d-%d (score %.3f)", r.Path, r.StartLine, r.EndLine, r.Score)
		if r.Snippet != "" {
			out.Code(r.Snippet)
		}
		if r.Stale != nil && r.Stale.IsStale {
			out.Warningf("stale: %s", r.Stale.Reason)
		}
	}
	out.Statusf("", "%d result(s) in %.1fms", len(resp.Results), resp.Timing.TotalMS)

	return nil
}

// dispatchQuery tries the daemon first, the way the teacher's search
// command prefers an already-warm daemon over paying embedder init cost
// on every invocation, and falls back to a local backend if the daemon
// isn't running.
func dispatchQuery(ctx context.Context, collection string, mode searchMode, params daemon.QueryParams) (daemon.QueryResponse, error) {
	cfg, root, err := loadConfig()
	if err != nil {
		return daemon.QueryResponse{}, err
	}

	client := daemon.NewClient(daemonConfig(cfg))
	if client.IsRunning() {
		resp, err := callDaemon(ctx, client, mode, params)
		if err != nil {
			return daemon.QueryResponse{}, fmt.Errorf("daemon query failed: %w", err)
		}
		return *resp, nil
	}

	b, err := newLocalBackend(ctx, cfg, root, collection)
	if err != nil {
		return daemon.QueryResponse{}, err
	}
	defer b.Embedder.Close()

	return callBackend(ctx, b, mode, params)
}

func callDaemon(ctx context.Context, c *daemon.Client, mode searchMode, params daemon.QueryParams) (*daemon.QueryResponse, error) {
	switch mode {
	case modeFTS:
		return c.QueryFTS(ctx, params)
	case modeHybrid:
		return c.QueryHybrid(ctx, params)
	default:
		return c.Query(ctx, params)
	}
}

func callBackend(ctx context.Context, b *backend.Backend, mode searchMode, params daemon.QueryParams) (daemon.QueryResponse, error) {
	switch mode {
	case modeFTS:
		return b.QueryFTS(ctx, params)
	case modeHybrid:
		return b.QueryHybrid(ctx, params)
	default:
		return b.Query(ctx, params)
	}
}
