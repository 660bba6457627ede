package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// DefaultFlushSize is the number of ledger rows buffered between flushes.
const DefaultFlushSize = 1000

// Skip reasons written to the skipped-fills list.
const (
	ReasonMalformed = "malformed"
	ReasonAbandoned = "unresolved_abandoned"
)

// ReconcilerStores groups the stores the Reconciler reads and writes.
type ReconcilerStores struct {
	Fills      domain.FillStore
	Catalog    domain.MarketStore
	Discovered domain.MarketStore
	Trades     domain.TradeStore
	Missing    domain.MissingTokenStore
	Skipped    domain.SkippedFillStore
	Cursors    domain.CursorStore
}

// ReconcilerOptions tunes a Reconciler.
type ReconcilerOptions struct {
	// FlushSize is the buffered row count that triggers a flush at the next
	// transaction boundary.
	FlushSize int
	// MaxResolveAttempts abandons a token once this many failed lookups are
	// recorded for it. Zero never abandons.
	MaxResolveAttempts int
}

// ReconcileReport summarizes one Reconcile call.
type ReconcileReport struct {
	Scanned    int
	Appended   int
	Duplicates int
	Malformed  int
	Abandoned  int
	// Held counts events left for a later run because the scraper has not
	// settled their timestamp bucket.
	Held int
	// Unresolved lists tokens no market could be found for in this run.
	Unresolved []string
	// Barrier is the first event that could not be resolved, if any.
	Barrier *domain.ReconcileCursor
	Cursor  domain.ReconcileCursor
}

// Reconciler joins raw events with the market catalog into the ledger.
type Reconciler struct {
	stores   ReconcilerStores
	resolver MarketResolver
	mirror   domain.TradeMirror
	opts     ReconcilerOptions
	logger   *slog.Logger

	report ReconcileReport
}

// NewReconciler creates a Reconciler. resolver may be nil, in which case
// unknown tokens are never looked up.
func NewReconciler(stores ReconcilerStores, resolver MarketResolver, opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	if opts.FlushSize <= 0 {
		opts.FlushSize = DefaultFlushSize
	}
	return &Reconciler{
		stores:   stores,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// WithMirror copies every flushed ledger chunk to m.
func (r *Reconciler) WithMirror(m domain.TradeMirror) *Reconciler {
	r.mirror = m
	return r
}

// Report returns the summary of the last Reconcile call.
func (r *Reconciler) Report() ReconcileReport {
	return r.report
}

// reconcileRun is the mutable state of one Reconcile call.
type reconcileRun struct {
	index      *MarketIndex
	ledgerTail map[string]struct{}
	skipped    map[string]struct{}
	attempts   map[string]int
	unresolved map[string]struct{}

	trades     []domain.Trade
	skipBuf    []domain.SkippedFill
	missingBuf []domain.MissingToken

	// pos is the position of the last consumed event, saved is the position
	// last written to the cursor file, and txStart is the pending row count
	// at the start of the current transaction.
	pos     domain.ReconcileCursor
	saved   domain.ReconcileCursor
	txPos   domain.ReconcileCursor
	txStart int
	txBase  domain.ReconcileCursor
	barrier bool

	report ReconcileReport
}

// Reconcile appends a ledger row for every event after the reconcile cursor
// whose market is known. Malformed events are recorded and skipped without
// moving the cursor, which only ever rests on a derived ledger row. The
// first event with an unresolvable token stops the cursor for this run; the
// remaining events are still scanned to record further missing tokens.
// Events in the newest stored bucket wait until a scrape has drained the
// feed. It returns the number of rows appended.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	started := time.Now()
	r.report = ReconcileReport{}
	run, err := r.reconcile(ctx)
	if run != nil {
		r.report = run.report
		r.report.Cursor = run.saved
		metrics.RecordCursor("reconcile", run.saved.Timestamp)
	}
	metrics.RecordStage("reconcile", started, err)
	return r.report.Appended, err
}

func (r *Reconciler) reconcile(ctx context.Context) (*reconcileRun, error) {
	cursor, err := r.startCursor(ctx)
	if err != nil {
		return nil, err
	}
	run, err := r.prepare(ctx, cursor)
	if err != nil {
		return nil, err
	}
	horizon, held, err := r.heldFrom(ctx)
	if err != nil {
		return run, err
	}

	all, err := r.stores.Fills.All(ctx)
	if err != nil {
		return run, fmt.Errorf("reconcile: read events: %w", err)
	}
	pending := make([]domain.RawFill, 0, len(all))
	for _, f := range all {
		if !f.Position().After(cursor) {
			continue
		}
		if held && f.Timestamp >= horizon {
			run.report.Held++
			continue
		}
		pending = append(pending, f)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Position().Less(pending[j].Position())
	})

	r.logger.InfoContext(ctx, "reconcile starting",
		slog.Int64("cursor_ts", cursor.Timestamp),
		slog.String("cursor_tx", cursor.TxHash),
		slog.Int("pending", len(pending)),
		slog.Int("held", run.report.Held),
		slog.Int("markets", run.index.Len()),
	)

	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return run, r.abort(ctx, run, err)
		}
		p := f.Position()
		if p != run.txPos {
			if len(run.trades) >= r.opts.FlushSize {
				if err := r.flush(ctx, run); err != nil {
					return run, err
				}
			}
			run.txPos = p
			run.txBase = run.pos
			run.txStart = len(run.trades)
		}
		run.report.Scanned++

		if err := r.consume(ctx, run, f); err != nil {
			return run, r.abort(ctx, run, err)
		}
	}

	if err := r.flush(ctx, run); err != nil {
		return run, err
	}

	r.logger.InfoContext(ctx, "reconcile complete",
		slog.Int("appended", run.report.Appended),
		slog.Int("duplicates", run.report.Duplicates),
		slog.Int("malformed", run.report.Malformed),
		slog.Int("abandoned", run.report.Abandoned),
		slog.Int("unresolved", len(run.report.Unresolved)),
		slog.Int64("cursor_ts", run.saved.Timestamp),
	)
	return run, nil
}

// consume handles one event. It returns an error only when the run must
// stop.
func (r *Reconciler) consume(ctx context.Context, run *reconcileRun, f domain.RawFill) error {
	p := f.Position()

	if _, dup := run.ledgerTail[f.TransactionHash]; dup {
		run.report.Duplicates++
		run.advance(p)
		return nil
	}
	if _, done := run.skipped[f.Key()]; done {
		return nil
	}

	tokenID, err := TokenAsset(f)
	if err != nil {
		if !run.barrier {
			r.skip(ctx, run, f, ReasonMalformed, err)
		}
		return nil
	}

	m, ok := run.index.Lookup(tokenID)
	if !ok {
		m, ok, err = r.resolve(ctx, run, f, tokenID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if run.barrier {
		return nil
	}

	trade, err := Derive(f, m)
	if err != nil {
		r.skip(ctx, run, f, ReasonMalformed, err)
		return nil
	}
	run.trades = append(run.trades, trade)
	run.advance(p)
	return nil
}

// resolve looks up a token missing from the index. ok is false when the
// event cannot be derived in this run.
func (r *Reconciler) resolve(ctx context.Context, run *reconcileRun, f domain.RawFill, tokenID string) (domain.Market, bool, error) {
	if _, failed := run.unresolved[tokenID]; failed {
		r.block(ctx, run, f)
		return domain.Market{}, false, nil
	}
	if r.abandoned(run, tokenID) {
		if !run.barrier {
			run.report.Abandoned++
			r.skip(ctx, run, f, ReasonAbandoned,
				fmt.Errorf("token %s abandoned after %d lookups", tokenID, run.attempts[tokenID]))
		}
		return domain.Market{}, false, nil
	}

	var (
		m   domain.Market
		err = fmt.Errorf("no resolver: %w", domain.ErrNotFound)
	)
	if r.resolver != nil {
		m, err = r.resolver.ResolveMarket(ctx, tokenID)
	}
	switch {
	case err == nil && m.TokenSide(tokenID) != "":
		run.index.Add(m)
		return m, true, nil
	case fatal(err):
		return domain.Market{}, false, err
	}

	if err == nil {
		err = fmt.Errorf("market %s does not list token", m.ID)
	}
	r.logger.WarnContext(ctx, "market unresolved",
		slog.String("token_id", tokenID),
		slog.String("tx_hash", f.TransactionHash),
		slog.String("error", err.Error()),
	)
	run.unresolved[tokenID] = struct{}{}
	run.report.Unresolved = append(run.report.Unresolved, tokenID)
	run.missingBuf = append(run.missingBuf, domain.MissingToken{
		TokenID:    tokenID,
		TxHash:     f.TransactionHash,
		Timestamp:  f.Timestamp,
		RecordedAt: time.Now().UTC(),
	})
	metrics.RecordSkipped("unresolved")
	r.block(ctx, run, f)
	return domain.Market{}, false, nil
}

// block makes f the barrier of this run. Rows already buffered for f's
// transaction are dropped so the transaction is retried as a whole.
func (r *Reconciler) block(ctx context.Context, run *reconcileRun, f domain.RawFill) {
	if run.barrier {
		return
	}
	run.barrier = true
	p := f.Position()
	run.report.Barrier = &p
	run.trades = run.trades[:run.txStart]
	run.pos = run.txBase

	r.logger.WarnContext(ctx, "ledger halted at unresolved event",
		slog.Int64("timestamp", f.Timestamp),
		slog.String("tx_hash", f.TransactionHash),
	)
}

func (r *Reconciler) abandoned(run *reconcileRun, tokenID string) bool {
	return r.opts.MaxResolveAttempts > 0 && run.attempts[tokenID] >= r.opts.MaxResolveAttempts
}

// skip records a malformed or abandoned event once. The cursor stays where
// it is.
func (r *Reconciler) skip(ctx context.Context, run *reconcileRun, f domain.RawFill, reason string, cause error) {
	if reason == ReasonMalformed {
		run.report.Malformed++
	}
	metrics.RecordSkipped(reason)

	key := f.Key()
	if _, seen := run.skipped[key]; seen {
		return
	}
	run.skipped[key] = struct{}{}
	run.skipBuf = append(run.skipBuf, domain.SkippedFill{Fill: f, Reason: reason})

	r.logger.WarnContext(ctx, "skipping event",
		slog.String("reason", reason),
		slog.Int64("timestamp", f.Timestamp),
		slog.String("tx_hash", f.TransactionHash),
		slog.String("error", cause.Error()),
	)
}

// advance moves the consumed position to a derived or already written
// ledger row unless a barrier was hit.
func (run *reconcileRun) advance(p domain.ReconcileCursor) {
	if !run.barrier {
		run.pos = p
	}
}

// flush writes buffered side-list rows, then ledger rows, then the cursor.
func (r *Reconciler) flush(ctx context.Context, run *reconcileRun) error {
	if len(run.skipBuf) > 0 {
		if err := r.stores.Skipped.Append(ctx, run.skipBuf); err != nil {
			return fmt.Errorf("reconcile: append skipped events: %w", err)
		}
		run.skipBuf = nil
	}
	if len(run.missingBuf) > 0 {
		if err := r.stores.Missing.Append(ctx, run.missingBuf); err != nil {
			return fmt.Errorf("reconcile: append missing tokens: %w", err)
		}
		run.missingBuf = nil
	}
	if len(run.trades) > 0 {
		if err := r.stores.Trades.Append(ctx, run.trades); err != nil {
			return fmt.Errorf("reconcile: append ledger: %w", err)
		}
		run.report.Appended += len(run.trades)
		metrics.RecordAdded("trades", len(run.trades))
		r.mirrorTrades(ctx, run.trades)
		run.trades = nil
		run.txStart = 0
	}
	if run.pos != run.saved {
		if err := r.stores.Cursors.SaveReconcile(ctx, run.pos); err != nil {
			return fmt.Errorf("reconcile: save cursor: %w", err)
		}
		run.saved = run.pos
	}
	return nil
}

// abort persists the completed transactions and returns cause.
func (r *Reconciler) abort(ctx context.Context, run *reconcileRun, cause error) error {
	if !run.barrier {
		run.trades = run.trades[:run.txStart]
		run.pos = run.txBase
	}
	if err := r.flush(context.WithoutCancel(ctx), run); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Reconciler) mirrorTrades(ctx context.Context, trades []domain.Trade) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.InsertBatch(ctx, trades); err != nil {
		r.logger.WarnContext(ctx, "trade mirror failed",
			slog.Int("count", len(trades)),
			slog.String("error", err.Error()),
		)
	}
}

// startCursor prefers the cursor file and falls back to the last ledger row.
func (r *Reconciler) startCursor(ctx context.Context) (domain.ReconcileCursor, error) {
	c, ok, err := r.stores.Cursors.LoadReconcile(ctx)
	if err != nil {
		return domain.ReconcileCursor{}, fmt.Errorf("reconcile: load cursor: %w", err)
	}
	if ok {
		return c, nil
	}
	last, err := r.stores.Trades.Last(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReconcileCursor{}, nil
	}
	if err != nil {
		return domain.ReconcileCursor{}, fmt.Errorf("reconcile: read last ledger row: %w", err)
	}
	return last.Position(), nil
}

// heldFrom returns the timestamp from which stored events are held back.
// held is false when the scrape cursor settles every stored bucket or when
// events were stored without a scraper.
func (r *Reconciler) heldFrom(ctx context.Context) (int64, bool, error) {
	c, ok, err := r.stores.Cursors.LoadScrape(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reconcile: load scrape cursor: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	last, err := r.stores.Fills.Last(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reconcile: read last event: %w", err)
	}
	if c.Complete && c.Timestamp >= last.Timestamp {
		return 0, false, nil
	}
	return last.Timestamp, true, nil
}

func (r *Reconciler) prepare(ctx context.Context, cursor domain.ReconcileCursor) (*reconcileRun, error) {
	index, err := LoadMarketIndex(ctx, r.stores.Catalog, r.stores.Discovered)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	tail, err := r.stores.Trades.After(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read ledger tail: %w", err)
	}
	ledgerTail := make(map[string]struct{}, len(tail))
	for _, t := range tail {
		ledgerTail[t.TxHash] = struct{}{}
	}

	skippedRows, err := r.stores.Skipped.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read skipped events: %w", err)
	}
	skipped := make(map[string]struct{}, len(skippedRows))
	for _, s := range skippedRows {
		skipped[s.Fill.Key()] = struct{}{}
	}

	missing, err := r.stores.Missing.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read missing tokens: %w", err)
	}
	attempts := make(map[string]int)
	for _, m := range missing {
		attempts[m.TokenID]++
	}

	return &reconcileRun{
		index:      index,
		ledgerTail: ledgerTail,
		skipped:    skipped,
		attempts:   attempts,
		unresolved: make(map[string]struct{}),
		pos:        cursor,
		saved:      cursor,
		txPos:      cursor,
		txBase:     cursor,
	}, nil
}

// fatal reports whether a lookup error must stop the run rather than mark
// the token unresolved.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrRetryableFetchFailed) ||
		errors.Is(err, domain.ErrStoreIO) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Rebuild empties the ledger, the skipped list and the reconcile cursor,
// then reconciles from genesis. Callers must hold the run lock.
func (r *Reconciler) Rebuild(ctx context.Context) (int, error) {
	if err := r.stores.Trades.Truncate(ctx); err != nil {
		return 0, fmt.Errorf("rebuild: truncate ledger: %w", err)
	}
	if err := r.stores.Skipped.Truncate(ctx); err != nil {
		return 0, fmt.Errorf("rebuild: truncate skipped events: %w", err)
	}
	if err := r.stores.Cursors.ClearReconcile(ctx); err != nil {
		return 0, fmt.Errorf("rebuild: clear cursor: %w", err)
	}
	r.logger.InfoContext(ctx, "ledger cleared, reconciling from genesis")
	return r.Reconcile(ctx)
}
