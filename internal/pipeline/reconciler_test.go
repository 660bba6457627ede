package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func seedCatalog(t *testing.T, env *testEnv, markets ...domain.Market) {
	t.Helper()
	require.NoError(t, env.store.Markets.Append(context.Background(), markets))
}

func seedFills(t *testing.T, env *testEnv, fills ...domain.RawFill) {
	t.Helper()
	require.NoError(t, env.store.Fills.Append(context.Background(), fills))
}

func reconcileCursor(t *testing.T, env *testEnv) domain.ReconcileCursor {
	t.Helper()
	c, _, err := env.cursors.LoadReconcile(context.Background())
	require.NoError(t, err)
	return c
}

func ledger(t *testing.T, env *testEnv) []domain.Trade {
	t.Helper()
	all, err := env.store.Trades.All(context.Background())
	require.NoError(t, err)
	return all
}

func ledgerTxs(t *testing.T, env *testEnv) []string {
	t.Helper()
	var out []string
	for _, tr := range ledger(t, env) {
		out = append(out, tr.TxHash)
	}
	return out
}

// Prices are cash over tokens rounded half away from zero to six places:
// 4.85 USDC for 5 tokens is 0.97. A price above 1 is malformed.
func TestReconcileEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env, buyFill(100, "0xabc", "T1", 4_850_000, 5_000_000))

	n, err := env.reconciler(nil, ReconcilerOptions{}).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := ledger(t, env)
	require.Len(t, rows, 1)
	tr := rows[0]
	assert.Equal(t, "m1", tr.MarketID)
	assert.Equal(t, domain.TokenSide1, tr.TokenSide)
	assert.Equal(t, domain.DirectionBuy, tr.MakerDirection)
	assert.Equal(t, domain.DirectionSell, tr.TakerDirection)
	assertDecimal(t, "0.97", tr.Price)
	assertDecimal(t, "4.85", tr.USDAmount)
	assertDecimal(t, "5", tr.TokenAmount)
	assert.Equal(t, "0xabc", tr.TxHash)

	assert.Equal(t, domain.ReconcileCursor{Timestamp: 100, TxHash: "0xabc"}, reconcileCursor(t, env))
}

// 5 USDC for 4.85 tokens prices above 1, so the event is malformed.
func TestReconcileSkipsPriceAboveOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env, buyFill(100, "0xabc", "T1", 5_000_000, 4_850_000))

	r := env.reconciler(nil, ReconcilerOptions{})
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.Report().Malformed)
	assert.Empty(t, ledger(t, env))
	_, ok, err := env.cursors.LoadReconcile(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a skipped event does not move the cursor")

	// The next run sees the event again but records it once.
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Report().Malformed)
	skipped, err := env.store.SkippedFills.All(ctx)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonMalformed, skipped[0].Reason)
}

func TestReconcileIsIdempotentAndRebuildReproducesLedger(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"), market("m2", "U1", "U2"))
	seedFills(t, env,
		buyFill(300, "0xc", "U2", 100_000, 1_000_000),
		buyFill(100, "0xb", "T1", 400_000, 1_000_000),
		buyFill(100, "0xa", "T2", 600_000, 1_000_000),
		buyFill(200, "0xd", "T1", 0, 0),
	)

	r := env.reconciler(nil, ReconcilerOptions{FlushSize: 1})
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, ledgerTxs(t, env))
	first := ledger(t, env)

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, first, ledger(t, env))
}

func TestReconcileResolvesUnknownTokenOnTheFly(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	src := &fakeCatalog{extra: []domain.Market{market("x1", "X1", "X2")}}
	seedFills(t, env, buyFill(10, "0x1", "X2", 250_000, 1_000_000))

	n, err := env.reconciler(env.syncer(src), ReconcilerOptions{}).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	discovered, err := env.store.Discovered.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x1"}, marketIDs(discovered))
	assert.Equal(t, domain.TokenSide2, ledger(t, env)[0].TokenSide)
}

func TestReconcileBarrierThenBackfill(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "X1", 500_000, 1_000_000),
		buyFill(102, "0x3", "T1", 500_000, 1_000_000),
		buyFill(103, "0x4", "Y1", 500_000, 1_000_000),
	)
	src := &fakeCatalog{}
	syncer := env.syncer(src)
	r := env.reconciler(syncer, ReconcilerOptions{})

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"0x1"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 100, TxHash: "0x1"}, reconcileCursor(t, env))

	report := r.Report()
	assert.Equal(t, []string{"X1", "Y1"}, report.Unresolved)
	require.NotNil(t, report.Barrier)
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 101, TxHash: "0x2"}, *report.Barrier)

	missing, err := env.store.MissingTokens.All(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, "X1", missing[0].TokenID)
	assert.Equal(t, "0x2", missing[0].TxHash)

	// The markets appear upstream; backfill brings them in.
	src.addExtra(market("x", "X1", "X2"))
	src.addExtra(market("y", "Y1", "Y2"))
	bf, err := NewBackfiller(env.store.MissingTokens, env.store.Markets, env.store.Discovered, syncer, quietLogger()).Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, bf.Candidates)
	assert.Equal(t, 2, bf.Resolved)
	assert.Empty(t, bf.StillMissing)

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"0x1", "0x2", "0x3", "0x4"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 103, TxHash: "0x4"}, reconcileCursor(t, env))
}

func TestReconcileBarrierKeepsTransactionWhole(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(100, "0x1", "X1", 500_000, 1_000_000),
	)

	resolver := &fakeResolver{}
	r := env.reconciler(resolver, ReconcilerOptions{})
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, reconcileCursor(t, env).IsZero())

	resolver.markets = map[string]domain.Market{"X1": market("x", "X1", "X2")}
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReconcileAbandonsTokenAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "GONE", 500_000, 1_000_000),
		buyFill(101, "0x2", "T1", 500_000, 1_000_000),
	)
	resolver := &fakeResolver{}
	r := env.reconciler(resolver, ReconcilerOptions{MaxResolveAttempts: 2})

	for range 2 {
		n, err := r.Reconcile(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, 2, resolver.calls)

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, resolver.calls)
	assert.Equal(t, 1, r.Report().Abandoned)

	skipped, err := env.store.SkippedFills.All(ctx)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonAbandoned, skipped[0].Reason)
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 101, TxHash: "0x2"}, reconcileCursor(t, env))

	// An abandoned event is neither looked up nor recorded again.
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, r.Report().Abandoned)
	assert.Equal(t, 2, resolver.calls)
	skipped, err = env.store.SkippedFills.All(ctx)
	require.NoError(t, err)
	assert.Len(t, skipped, 1)
}

func TestReconcileCursorRestsOnLastDerivedRow(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "T1", 2_000_000, 1_000_000),
		buyFill(102, "0x3", "T1", 0, 0),
	)

	r := env.reconciler(nil, ReconcilerOptions{})
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, r.Report().Malformed)
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 100, TxHash: "0x1"}, reconcileCursor(t, env))

	seedFills(t, env, buyFill(103, "0x4", "T1", 500_000, 1_000_000))
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, r.Report().Malformed)
	assert.Equal(t, []string{"0x1", "0x4"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 103, TxHash: "0x4"}, reconcileCursor(t, env))

	skipped, err := env.store.SkippedFills.All(ctx)
	require.NoError(t, err)
	assert.Len(t, skipped, 2)
}

func TestReconcileSkipsRowsWrittenBeforeLostCursor(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "T1", 500_000, 1_000_000),
	)
	r := env.reconciler(nil, ReconcilerOptions{})
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	// Simulate a crash between the ledger append and the cursor write.
	require.NoError(t, env.cursors.SaveReconcile(ctx, domain.ReconcileCursor{Timestamp: 100, TxHash: "0x1"}))

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.Report().Duplicates)
	assert.Equal(t, []string{"0x1", "0x2"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 101, TxHash: "0x2"}, reconcileCursor(t, env))
}

func TestReconcileFallsBackToLedgerWithoutCursorFile(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env, buyFill(100, "0x1", "T1", 500_000, 1_000_000))

	r := env.reconciler(nil, ReconcilerOptions{})
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.NoError(t, env.cursors.ClearReconcile(ctx))

	seedFills(t, env, buyFill(200, "0x2", "T1", 500_000, 1_000_000))
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"0x1", "0x2"}, ledgerTxs(t, env))
}

func TestReconcileStopsOnExhaustedLookup(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "X1", 500_000, 1_000_000),
	)
	resolver := &fakeResolver{err: domain.ErrRetryableFetchFailed}

	_, err := env.reconciler(resolver, ReconcilerOptions{}).Reconcile(ctx)
	require.ErrorIs(t, err, domain.ErrRetryableFetchFailed)

	// Work done before the failure is kept and nothing is recorded missing.
	assert.Equal(t, []string{"0x1"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 100, TxHash: "0x1"}, reconcileCursor(t, env))
	missing, err := env.store.MissingTokens.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReconcileCursorNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	r := env.reconciler(&fakeResolver{}, ReconcilerOptions{})

	var prev domain.ReconcileCursor
	batches := [][]domain.RawFill{
		{buyFill(10, "0x1", "T1", 1, 2)},
		{buyFill(11, "0x2", "NOPE", 1, 2)},
		{buyFill(12, "0x3", "T1", 1, 2)},
	}
	for _, b := range batches {
		seedFills(t, env, b...)
		_, err := r.Reconcile(ctx)
		require.NoError(t, err)
		c := reconcileCursor(t, env)
		assert.False(t, c.Less(prev), "cursor moved from %v to %v", prev, c)
		prev = c
	}
}

func TestReconcileAfterInterruptedScrapeMatchesRebuild(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	r := env.reconciler(nil, ReconcilerOptions{})

	// The first scrape stores part of the bucket at 2 and then fails.
	src := &fakeFills{failAt: 2, events: []domain.RawFill{
		buyFill(1, "0xa", "T1", 500_000, 1_000_000),
		buyFill(2, "0xd", "T1", 500_000, 1_000_000),
	}}
	scraper := NewEventScraper(src, env.store.Fills, env.cursors, quietLogger())
	_, err := scraper.Scrape(ctx, 2)
	require.ErrorIs(t, err, domain.ErrRetryableFetchFailed)

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Report().Held)
	assert.Equal(t, []string{"0xa"}, ledgerTxs(t, env))

	// The next scrape finds a smaller hash in the same bucket.
	src.failAt = 0
	src.events = []domain.RawFill{
		buyFill(1, "0xa", "T1", 500_000, 1_000_000),
		buyFill(2, "0xd", "T1", 500_000, 1_000_000),
		buyFill(2, "0xb", "T1", 500_000, 1_000_000),
		buyFill(3, "0xe", "T1", 500_000, 1_000_000),
	}
	_, err = scraper.Scrape(ctx, 2)
	require.NoError(t, err)

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, r.Report().Held)
	assert.Equal(t, []string{"0xa", "0xb", "0xd", "0xe"}, ledgerTxs(t, env))
	incremental := ledger(t, env)

	_, err = r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, incremental, ledger(t, env))
}

func TestReconcileHoldsBucketAheadOfScrapeCursor(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(1, "0x1", "T1", 500_000, 1_000_000),
		buyFill(2, "0x2", "T1", 500_000, 1_000_000),
	)
	// Events at 2 were appended but the cursor write was lost.
	require.NoError(t, env.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: 1, Complete: true}))

	r := env.reconciler(nil, ReconcilerOptions{})
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 1, TxHash: "0x1"}, reconcileCursor(t, env))

	require.NoError(t, env.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: 2, Complete: true}))
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"0x1", "0x2"}, ledgerTxs(t, env))
}

// failingTrades rejects every Append after the first ok calls.
type failingTrades struct {
	domain.TradeStore
	ok    int
	calls int
}

func (f *failingTrades) Append(ctx context.Context, trades []domain.Trade) error {
	f.calls++
	if f.calls > f.ok {
		return fmt.Errorf("%w: disk full", domain.ErrStoreIO)
	}
	return f.TradeStore.Append(ctx, trades)
}

func TestReconcileStoreFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "T1", 500_000, 1_000_000),
	)
	stores := env.reconcilerStores()
	stores.Trades = &failingTrades{TradeStore: env.store.Trades}

	r := NewReconciler(stores, nil, ReconcilerOptions{}, quietLogger())
	n, err := r.Reconcile(ctx)
	require.ErrorIs(t, err, domain.ErrStoreIO)
	assert.Zero(t, n)
	assert.Empty(t, ledger(t, env))
	_, ok, err := env.cursors.LoadReconcile(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A healthy store picks up every event on the next run.
	n, err = env.reconciler(nil, ReconcilerOptions{}).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReconcileStoreFailureMidRunKeepsFlushedRows(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	seedFills(t, env,
		buyFill(100, "0x1", "T1", 500_000, 1_000_000),
		buyFill(101, "0x2", "T1", 500_000, 1_000_000),
		buyFill(102, "0x3", "T1", 500_000, 1_000_000),
	)
	stores := env.reconcilerStores()
	stores.Trades = &failingTrades{TradeStore: env.store.Trades, ok: 1}

	r := NewReconciler(stores, nil, ReconcilerOptions{FlushSize: 1}, quietLogger())
	_, err := r.Reconcile(ctx)
	require.ErrorIs(t, err, domain.ErrStoreIO)
	assert.Equal(t, []string{"0x1"}, ledgerTxs(t, env))
	assert.Equal(t, domain.ReconcileCursor{Timestamp: 100, TxHash: "0x1"}, reconcileCursor(t, env))
}
