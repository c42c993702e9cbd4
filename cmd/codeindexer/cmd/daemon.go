package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amanmcp-lab/codeindexer/internal/daemon"
	"github.com/amanmcp-lab/codeindexer/internal/output"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background query daemon",
		Long: `The daemon keeps the embedding model and index handles loaded in memory
so repeated searches skip per-invocation initialization cost.`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())

	return cmd
}

// defaultCollection is the collection a daemon serves when --collection
// isn't given. The daemon's query RPCs are scoped to a single collection
// for the lifetime of the process, matching one daemon per indexed project.
const defaultCollection = "default"

func newDaemonStartCmd() *cobra.Command {
	var foreground bool
	var collection string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(cmd, foreground, collection)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in the foreground instead of daemonizing")
	cmd.Flags().StringVar(&collection, "collection", defaultCollection, "Collection this daemon serves")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDaemonStart(cmd *cobra.Command, foreground bool, collection string) error {
	out := output.New(cmd.OutOrStdout())

	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	dcfg := daemonConfig(cfg)

	client := daemon.NewClient(dcfg)
	if client.IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	if foreground {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := newLocalBackend(ctx, cfg, root, collection)
		if err != nil {
			return err
		}
		defer b.Embedder.Close()

		d, err := daemon.NewDaemon(dcfg, daemon.WithEmbedder(b.Embedder), daemon.WithBackend(b))
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		out.Statusf("", "Starting daemon in foreground (socket: %s)", dcfg.SocketPath)
		return d.Start(ctx)
	}

	out.Status("", "Starting daemon in background...")

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	bgCmd := exec.Command(execPath, "daemon", "start", "--foreground", "--collection", collection)
	bgCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := bgCmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- bgCmd.Wait() }()

	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly")
		default:
		}

		time.Sleep(100 * time.Millisecond)
		if client.IsRunning() {
			out.Successf("Daemon started (pid: %d)", bgCmd.Process.Pid)
			return nil
		}
	}

	return fmt.Errorf("daemon failed to start within timeout")
}

func runDaemonStop(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client := daemon.NewClient(daemonConfig(cfg))

	if !client.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	out.Success("Daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, jsonOutput bool) error {
	out := output.New(cmd.OutOrStdout())

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client := daemon.NewClient(daemonConfig(cfg))

	if !client.IsRunning() {
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(daemon.StatusResult{Running: false})
		}
		out.Status("", "Daemon is not running")
		return nil
	}

	status, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	out.Status("", "Daemon is running")
	out.Statusf("", "  PID:      %d", status.PID)
	out.Statusf("", "  Uptime:   %s", status.Uptime)
	out.Statusf("", "  Embedder: %s (%s)", status.EmbedderType, status.EmbedderStatus)
	out.Statusf("", "  Cache:    %d entries, %d min TTL", status.CacheSize, status.TTLMinutes)
	out.Statusf("", "  Socket:   %s", daemonConfig(cfg).SocketPath)

	return nil
}
