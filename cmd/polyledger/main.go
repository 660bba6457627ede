// Command polyledger keeps a local ledger of Polymarket trades: it mirrors the
// market catalog, scrapes order-filled events and reconciles them into
// normalized trade rows.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "polyledger",
	Short: "Resumable Polymarket trade ledger",
	Long: `polyledger syncs the Polymarket market catalog, scrapes order-filled
events from the orderbook subgraph, and reconciles them into an append-only
trade ledger. Every stage resumes from its own cursor.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cli.BindConfigFlag(rootCmd)

	// Register commands
	rootCmd.AddCommand(cli.SyncCommand())
	rootCmd.AddCommand(cli.ScrapeCommand())
	rootCmd.AddCommand(cli.ReconcileCommand())
	rootCmd.AddCommand(cli.RunCommand())
	rootCmd.AddCommand(cli.BackfillCommand())
	rootCmd.AddCommand(cli.StatsCommand())
	rootCmd.AddCommand(cli.RebuildCommand())
	rootCmd.AddCommand(cli.SnapshotCommand())
}

func main() {
	// Until a command loads its config, log at info.
	slog.SetDefault(cli.NewLogger(os.Stderr, "info"))

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
