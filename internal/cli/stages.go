package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
	"github.com/alanyoungcy/polyledger/internal/pipeline"
)

var (
	syncBatchSize  int
	scrapePageSize int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Append new markets from the catalog API",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		batch := orDefault(syncBatchSize, a.Config().Sync.BatchSize)
		return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
			n, err := a.Syncer.Sync(ctx, batch)
			printf(cmd, "markets added: %d\n", n)
			return err
		})
	}),
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Append new order-filled events from the subgraph",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		page := orDefault(scrapePageSize, a.Config().Scrape.PageSize)
		return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
			n, err := a.Scraper.Scrape(ctx, page)
			printf(cmd, "events added: %d\n", n)
			return err
		})
	}),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Derive ledger rows for stored events",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
			_, err := a.Reconciler.Reconcile(ctx)
			printReconcile(cmd, a.Reconciler.Report())
			return err
		})
	}),
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Look up every token in the missing-tokens list",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
			rep, err := a.Backfiller.Backfill(ctx)
			printf(cmd, "candidates:    %d\n", rep.Candidates)
			printf(cmd, "resolved:      %d\n", rep.Resolved)
			printf(cmd, "still missing: %d\n", len(rep.StillMissing))
			return err
		})
	}),
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Discard the ledger and reconcile every stored event again",
	Long: `Truncate the trades and skipped-fills stores, clear the reconcile cursor,
and reconcile from the first stored event. Catalog, events and the
missing-tokens list are kept.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
		return a.Orchestrator.Exclusive(ctx, func(ctx context.Context) error {
			_, err := a.Reconciler.Rebuild(ctx)
			printReconcile(cmd, a.Reconciler.Report())
			return err
		})
	}),
}

func printReconcile(cmd *cobra.Command, r pipeline.ReconcileReport) {
	printf(cmd, "scanned:    %d\n", r.Scanned)
	printf(cmd, "appended:   %d\n", r.Appended)
	printf(cmd, "duplicates: %d\n", r.Duplicates)
	printf(cmd, "malformed:  %d\n", r.Malformed)
	printf(cmd, "abandoned:  %d\n", r.Abandoned)
	if r.Held > 0 {
		printf(cmd, "held back:  %d\n", r.Held)
	}
	if r.Barrier != nil {
		printf(cmd, "blocked at: %d %s\n", r.Barrier.Timestamp, r.Barrier.TxHash)
	}
	if len(r.Unresolved) > 0 {
		printf(cmd, "unresolved: %s\n", strings.Join(r.Unresolved, ", "))
	}
}

func init() {
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "markets per catalog request (default from config)")
	scrapeCmd.Flags().IntVar(&scrapePageSize, "page-size", 0, "events per subgraph request (default from config)")
}

// SyncCommand returns the sync command for registration
func SyncCommand() *cobra.Command {
	return syncCmd
}

// ScrapeCommand returns the scrape command for registration
func ScrapeCommand() *cobra.Command {
	return scrapeCmd
}

// ReconcileCommand returns the reconcile command for registration
func ReconcileCommand() *cobra.Command {
	return reconcileCmd
}

// BackfillCommand returns the backfill command for registration
func BackfillCommand() *cobra.Command {
	return backfillCmd
}

// RebuildCommand returns the rebuild command for registration
func RebuildCommand() *cobra.Command {
	return rebuildCmd
}
