package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/output"
)

type collectionStatus struct {
	Name       string `json:"name"`
	Points     int    `json:"points"`
	VectorSize int    `json:"vector_size"`
	Stale      bool   `json:"stale"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local collection and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	names, err := s.ListCollections()
	if err != nil {
		return err
	}

	collections := make([]collectionStatus, 0, len(names))
	for _, name := range names {
		info, err := s.GetCollectionInfo(name)
		if err != nil {
			continue
		}
		b, err := newLocalBackend(ctx, cfg, root, name)
		stale := false
		if err == nil {
			stale = b.IndexStale()
			b.Embedder.Close()
		}
		collections = append(collections, collectionStatus{
			Name:       info.Name,
			Points:     info.PointCount,
			VectorSize: info.VectorSize,
			Stale:      stale,
		})
	}

	client := daemon.NewClient(daemonConfig(cfg))
	daemonRunning := client.IsRunning()

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ProjectRoot   string             `json:"project_root"`
			DaemonRunning bool               `json:"daemon_running"`
			Collections   []collectionStatus `json:"collections"`
		}{ProjectRoot: root, DaemonRunning: daemonRunning, Collections: collections})
	}

	out.Statusf("", "project root: %s", root)
	if daemonRunning {
		out.Status("", "daemon:       running")
	} else {
		out.Status("", "daemon:       not running")
	}
	if len(collections) == 0 {
		out.Status("", "no collections")
		return nil
	}
	for _, c := range collections {
		staleLabel := ""
		if c.Stale {
			staleLabel = " (stale)"
		}
		out.Status("", fmt.Sprintf("%s: %d points, %d dims%s", c.Name, c.Points, c.VectorSize, staleLabel))
	}

	return nil
}
