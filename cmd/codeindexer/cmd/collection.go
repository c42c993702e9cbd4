package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/embed"
	"github.com/amanmcp-lab/codeindexer/internal/output"
	"github.com/amanmcp-lab/codeindexer/internal/store"
)

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage collections in the local vector/FTS store",
	}

	cmd.AddCommand(newCollectionCreateCmd())
	cmd.AddCommand(newCollectionListCmd())
	cmd.AddCommand(newCollectionInfoCmd())
	cmd.AddCommand(newCollectionRmCmd())

	return cmd
}

func openStore() (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Storage.RootDir), nil
}

func newCollectionCreateCmd() *cobra.Command {
	var vectorSize int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			s, err := openStore()
			if err != nil {
				return err
			}

			size := vectorSize
			if size <= 0 {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				emb, err := embed.NewEmbedder(ctx, cfg.Embed.Provider, cfg.Embed.Model)
				if err != nil {
					return fmt.Errorf("failed to resolve default vector size from embedder: %w", err)
				}
				defer emb.Close()
				size = emb.Dimensions()
			}

			created, err := s.CreateCollection(args[0], size)
			if err != nil {
				return err
			}
			if created {
				out.Successf("Created collection %q (dimensions: %d)", args[0], size)
			} else {
				out.Status("", fmt.Sprintf("Collection %q already exists", args[0]))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&vectorSize, "vector-size", 0, "Embedding vector dimensions (defaults to the configured embedder's)")
	return cmd
}

func newCollectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			s, err := openStore()
			if err != nil {
				return err
			}
			names, err := s.ListCollections()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				out.Status("", "No collections")
				return nil
			}
			for _, n := range names {
				out.Status("", n)
			}
			return nil
		},
	}
}

func newCollectionInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show collection metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			s, err := openStore()
			if err != nil {
				return err
			}
			info, err := s.GetCollectionInfo(args[0])
			if err != nil {
				return err
			}
			out.Statusf("", "name:        %s", info.Name)
			out.Statusf("", "vector_size: %d", info.VectorSize)
			out.Statusf("", "points:      %d", info.PointCount)
			out.Statusf("", "created_at:  %s", info.CreatedAt)
			return nil
		},
	}
}

func newCollectionRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a collection and all its on-disk data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			s, err := openStore()
			if err != nil {
				return err
			}
			if err := s.RemoveCollection(args[0]); err != nil {
				return err
			}
			out.Successf("Removed collection %q", args[0])
			return nil
		},
	}
}
