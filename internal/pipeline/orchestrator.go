package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/notify"
)

// DefaultLockKey names the run-exclusivity lock.
const DefaultLockKey = "polyledger:run"

// Notifier receives run summaries. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// OrchestratorConfig tunes a pipeline run.
type OrchestratorConfig struct {
	BatchSize int
	PageSize  int
	LockKey   string
	LockTTL   time.Duration
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID        string
	StartedAt    time.Time
	Duration     time.Duration
	MarketsAdded int
	FillsAdded   int
	Reconcile    ReconcileReport
}

// Orchestrator runs the catalog sync and the event scrape concurrently,
// then reconciles, all under the run lock.
type Orchestrator struct {
	syncer     *CatalogSyncer
	scraper    *EventScraper
	reconciler *Reconciler
	locks      domain.LockManager
	notifier   Notifier
	cfg        OrchestratorConfig
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. notifier may be nil.
func NewOrchestrator(
	syncer *CatalogSyncer,
	scraper *EventScraper,
	reconciler *Reconciler,
	locks domain.LockManager,
	notifier Notifier,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Orchestrator{
		syncer:     syncer,
		scraper:    scraper,
		reconciler: reconciler,
		locks:      locks,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// Exclusive runs fn while holding the run lock. It returns
// domain.ErrLockHeld when another process holds it.
func (o *Orchestrator) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	unlock, err := o.locks.Acquire(ctx, o.cfg.LockKey, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	defer unlock()
	return fn(ctx)
}

// Run performs one full pipeline pass: {sync || scrape} then reconcile.
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With(slog.String("run_id", report.RunID))
	logger.InfoContext(ctx, "pipeline run starting",
		slog.Int("batch_size", o.cfg.BatchSize),
		slog.Int("page_size", o.cfg.PageSize),
	)

	err := o.Exclusive(ctx, func(ctx context.Context) error {
		return o.run(ctx, &report)
	})
	report.Duration = time.Since(report.StartedAt)

	if err != nil {
		logger.ErrorContext(ctx, "pipeline run failed",
			slog.Duration("duration", report.Duration),
			slog.String("error", err.Error()),
		)
		o.notify(ctx, failureMessage(report, err))
		return report, err
	}

	logger.InfoContext(ctx, "pipeline run complete",
		slog.Duration("duration", report.Duration),
		slog.Int("markets_added", report.MarketsAdded),
		slog.Int("fills_added", report.FillsAdded),
		slog.Int("trades_added", report.Reconcile.Appended),
	)
	o.notify(ctx, summaryMessage(report))
	if len(report.Reconcile.Unresolved) > 0 {
		o.notify(ctx, unresolvedMessage(report))
	}
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, report *RunReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := o.syncer.Sync(gctx, o.cfg.BatchSize)
		report.MarketsAdded = n
		if err != nil {
			return fmt.Errorf("catalog sync: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := o.scraper.Scrape(gctx, o.cfg.PageSize)
		report.FillsAdded = n
		if err != nil {
			return fmt.Errorf("event scrape: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	_, err := o.reconciler.Reconcile(ctx)
	report.Reconcile = o.reconciler.Report()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// RunLoop runs the pipeline immediately and then on every tick until ctx is
// cancelled. A failed run is logged and retried on the next tick; a held
// lock just skips the tick.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) error {
	o.logger.InfoContext(ctx, "pipeline loop starting", slog.Duration("interval", interval))

	o.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.InfoContext(ctx, "pipeline loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	_, err := o.Run(ctx)
	if errors.Is(err, domain.ErrLockHeld) {
		o.logger.WarnContext(ctx, "another run holds the lock, skipping tick")
	}
}

func (o *Orchestrator) notify(ctx context.Context, msg notify.Message) {
	if o.notifier == nil {
		return
	}
	// Deliver even when the run was cancelled.
	if err := o.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

func summaryMessage(r RunReport) notify.Message {
	return notify.Message{
		Event: notify.EventRunCompleted,
		Level: notify.LevelInfo,
		Title: "polyledger run complete",
		Fields: []notify.Field{
			{Name: "run_id", Value: r.RunID},
			{Name: "duration", Value: r.Duration.Round(time.Millisecond).String()},
			{Name: "markets_added", Value: strconv.Itoa(r.MarketsAdded)},
			{Name: "fills_added", Value: strconv.Itoa(r.FillsAdded)},
			{Name: "trades_added", Value: strconv.Itoa(r.Reconcile.Appended)},
			{Name: "skipped", Value: strconv.Itoa(r.Reconcile.Malformed + r.Reconcile.Abandoned)},
		},
	}
}

func unresolvedMessage(r RunReport) notify.Message {
	msg := notify.Message{
		Event: notify.EventUnresolved,
		Level: notify.LevelWarn,
		Title: "polyledger ledger halted on unknown tokens",
		Body:  strings.Join(r.Reconcile.Unresolved, "\n"),
		Fields: []notify.Field{
			{Name: "run_id", Value: r.RunID},
			{Name: "tokens", Value: strconv.Itoa(len(r.Reconcile.Unresolved))},
		},
	}
	if b := r.Reconcile.Barrier; b != nil {
		msg.Fields = append(msg.Fields, notify.Field{Name: "barrier", Value: fmt.Sprintf("%d/%s", b.Timestamp, b.TxHash)})
	}
	return msg
}

func failureMessage(r RunReport, err error) notify.Message {
	return notify.Message{
		Event: notify.EventRunFailed,
		Level: notify.LevelError,
		Title: "polyledger run failed",
		Body:  err.Error(),
		Fields: []notify.Field{
			{Name: "run_id", Value: r.RunID},
			{Name: "duration", Value: r.Duration.Round(time.Millisecond).String()},
		},
	}
}
