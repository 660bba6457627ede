// Package app wires the configured stores, upstream clients and optional
// adapters into the pipeline stages the CLI drives.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/ledger"
	"github.com/alanyoungcy/polyledger/internal/pipeline"
	"github.com/alanyoungcy/polyledger/internal/platform/goldsky"
	"github.com/alanyoungcy/polyledger/internal/platform/polymarket"
	"github.com/alanyoungcy/polyledger/internal/store/csvstore"
	"github.com/alanyoungcy/polyledger/internal/store/cursor"
)

// App is the root application object. It owns the configuration, the wired
// pipeline stages and a list of cleanup functions that are called in reverse
// order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	closers []func()

	Syncer       *pipeline.CatalogSyncer
	Scraper      *pipeline.EventScraper
	Reconciler   *pipeline.Reconciler
	Backfiller   *pipeline.Backfiller
	Orchestrator *pipeline.Orchestrator
	// Snapshotter is nil unless an S3 bucket is configured.
	Snapshotter *pipeline.Snapshotter
}

// New wires every dependency named by cfg and builds the pipeline stages.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}

	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.deps = deps
	a.closers = append(a.closers, cleanup)

	policy := cfg.Retry.Policy()
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, polymarket.GammaOptions{
		Timeout:           cfg.Polymarket.Timeout.Duration,
		RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
		Retry:             policy,
		Logger:            logger,
	})
	subgraph := goldsky.NewClient(cfg.Goldsky.URL, goldsky.Options{
		APIKey:            cfg.Goldsky.APIKey,
		Timeout:           cfg.Goldsky.Timeout.Duration,
		RequestsPerSecond: cfg.Goldsky.RequestsPerSecond,
		Retry:             policy,
		Logger:            logger,
	})

	store := deps.Store
	a.Syncer = pipeline.NewCatalogSyncer(gamma, store.Markets, store.Discovered, deps.Cursors, logger)
	if deps.MarketMirror != nil {
		a.Syncer.WithMirror(deps.MarketMirror)
	}
	if deps.TokenCache != nil {
		a.Syncer.WithTokenCache(deps.TokenCache, cfg.Redis.UnknownTokenTTL.Duration)
	}

	a.Scraper = pipeline.NewEventScraper(subgraph, store.Fills, deps.Cursors, logger)

	a.Reconciler = pipeline.NewReconciler(pipeline.ReconcilerStores{
		Fills:      store.Fills,
		Catalog:    store.Markets,
		Discovered: store.Discovered,
		Trades:     store.Trades,
		Missing:    store.MissingTokens,
		Skipped:    store.SkippedFills,
		Cursors:    deps.Cursors,
	}, a.Syncer, pipeline.ReconcilerOptions{
		FlushSize:          cfg.Reconcile.FlushSize,
		MaxResolveAttempts: cfg.Reconcile.MaxResolveAttempts,
	}, logger)
	if deps.TradeMirror != nil {
		a.Reconciler.WithMirror(deps.TradeMirror)
	}

	a.Backfiller = pipeline.NewBackfiller(store.MissingTokens, store.Markets, store.Discovered, a.Syncer, logger)

	a.Orchestrator = pipeline.NewOrchestrator(a.Syncer, a.Scraper, a.Reconciler, deps.Locks, deps.Notifier,
		pipeline.OrchestratorConfig{
			BatchSize: cfg.Sync.BatchSize,
			PageSize:  cfg.Scrape.PageSize,
			LockTTL:   cfg.Run.LockTTL.Duration,
		}, logger)

	if deps.Blobs != nil {
		a.Snapshotter = pipeline.NewSnapshotter(deps.Blobs, deps.Blobs, cfg.S3.SnapshotPrefix(),
			pipeline.SnapshotLayout{
				DataDir:       cfg.Storage.DataDir,
				DataFiles:     store.Files(),
				StateDir:      cfg.StateDir(),
				StateFiles:    cursor.Files(),
				StaleSuffixes: []string{csvstore.JournalSuffix},
			}, logger)
	}

	a.logger.DebugContext(ctx, "application wired",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Bool("redis", cfg.Redis.Enabled()),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("s3", cfg.S3.Enabled()),
	)
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Stores returns the local CSV stores.
func (a *App) Stores() *csvstore.Store { return a.deps.Store }

// LedgerFilter builds the wallet exclusion filter used by ledger statistics.
func (a *App) LedgerFilter() (*ledger.Filter, error) {
	wallets, err := ledger.NewWalletSet(a.cfg.Ledger.ExcludedWallets)
	if err != nil {
		return nil, fmt.Errorf("app: excluded wallets: %w", err)
	}
	return ledger.NewFilter(wallets), nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Debug("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
