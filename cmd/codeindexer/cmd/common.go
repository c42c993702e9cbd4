package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/amanmcp-lab/codeindexer/internal/backend"
	"github.com/amanmcp-lab/codeindexer/internal/config"
	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/embed"
)

// loadConfig resolves the project root from the current working directory
// and loads layered configuration for it.
func loadConfig() (*config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get working directory: %w", err)
	}

	root, err := config.FindProjectRoot(cwd)
	if err != nil {
		root = cwd
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, root, nil
}

// newLocalBackend builds an embedder and a Backend directly against local
// storage, bypassing the daemon. Used both as the daemon-unavailable
// fallback and for commands that never talk to the daemon (index, temporal,
// status).
func newLocalBackend(ctx context.Context, cfg *config.Config, root, collection string) (*backend.Backend, error) {
	emb, err := embed.NewEmbedder(ctx, cfg.Embed.Provider, cfg.Embed.Model)
	if err != nil {
		return nil, fmt.Errorf("embedder initialization failed: %w", err)
	}

	b, err := backend.New(ctx, root, collection, *cfg, emb)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	return b, nil
}

// daemonConfig maps codeindexer's daemon settings onto the daemon package's
// own Config, the shape its Client and Server constructors expect.
func daemonConfig(cfg *config.Config) daemon.Config {
	dcfg := daemon.DefaultConfig()
	if cfg.Daemon.SocketPath != "" {
		dcfg.SocketPath = cfg.Daemon.SocketPath
	}
	dcfg.CacheSize = cfg.Daemon.CacheSize
	dcfg.TTLMinutes = cfg.Daemon.TTLMinutes
	dcfg.AutoShutdownOnIdle = cfg.Daemon.AutoShutdownOnIdle
	return dcfg
}
