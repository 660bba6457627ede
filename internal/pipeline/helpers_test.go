package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/store/csvstore"
	"github.com/alanyoungcy/polyledger/internal/store/cursor"
)

const (
	makerAddr = "0x1111111111111111111111111111111111111111"
	takerAddr = "0x2222222222222222222222222222222222222222"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv is a data and state directory pair opened the way the CLI opens
// them.
type testEnv struct {
	store   *csvstore.Store
	cursors *cursor.FileStore
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := csvstore.Open(t.TempDir(), quietLogger())
	require.NoError(t, err)
	cursors, err := cursor.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return &testEnv{store: store, cursors: cursors}
}

func (e *testEnv) reconcilerStores() ReconcilerStores {
	return ReconcilerStores{
		Fills:      e.store.Fills,
		Catalog:    e.store.Markets,
		Discovered: e.store.Discovered,
		Trades:     e.store.Trades,
		Missing:    e.store.MissingTokens,
		Skipped:    e.store.SkippedFills,
		Cursors:    e.cursors,
	}
}

func (e *testEnv) reconciler(resolver MarketResolver, opts ReconcilerOptions) *Reconciler {
	return NewReconciler(e.reconcilerStores(), resolver, opts, quietLogger())
}

func (e *testEnv) syncer(src CatalogSource) *CatalogSyncer {
	return NewCatalogSyncer(src, e.store.Markets, e.store.Discovered, e.cursors, quietLogger())
}

func market(id, token1, token2 string) domain.Market {
	return domain.Market{
		ID:        id,
		Question:  "Will " + id + " happen?",
		Outcomes:  [2]string{"Yes", "No"},
		TokenIDs:  [2]string{token1, token2},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// buyFill is a fill where the maker pays cash for token.
func buyFill(ts int64, tx, token string, cash, amount int64) domain.RawFill {
	return domain.RawFill{
		Timestamp:         ts,
		Maker:             makerAddr,
		MakerAssetID:      domain.CashAssetID,
		MakerAmountFilled: cash,
		Taker:             takerAddr,
		TakerAssetID:      token,
		TakerAmountFilled: amount,
		TransactionHash:   tx,
	}
}

// fakeCatalog pages over markets and answers token lookups from markets and
// extra.
type fakeCatalog struct {
	mu          sync.Mutex
	markets     []domain.Market
	extra       []domain.Market
	listCalls   int
	lookupCalls int
	// failListAt makes the n-th ListMarkets call (1-based) fail.
	failListAt int
	lookupErr  error
}

func (f *fakeCatalog) ListMarkets(_ context.Context, limit, offset int) (domain.MarketPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failListAt > 0 && f.listCalls == f.failListAt {
		return domain.MarketPage{}, fmt.Errorf("%w: gamma down", domain.ErrRetryableFetchFailed)
	}
	if offset >= len(f.markets) {
		return domain.MarketPage{}, nil
	}
	end := min(offset+limit, len(f.markets))
	page := append([]domain.Market(nil), f.markets[offset:end]...)
	return domain.MarketPage{Markets: page, Received: len(page)}, nil
}

func (f *fakeCatalog) MarketByToken(_ context.Context, tokenID string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return domain.Market{}, f.lookupErr
	}
	for _, list := range [][]domain.Market{f.markets, f.extra} {
		for _, m := range list {
			if m.TokenSide(tokenID) != "" {
				return m, nil
			}
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeCatalog) addExtra(m domain.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extra = append(f.extra, m)
}

// fakeFills serves events the way the subgraph does: timestamp >= since,
// ascending, then skip and first.
type fakeFills struct {
	mu     sync.Mutex
	events []domain.RawFill
	calls  int
	// failAt makes the n-th call (1-based) fail.
	failAt int
}

func (f *fakeFills) FetchOrderFills(_ context.Context, since int64, first, skip int) (domain.FillPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return domain.FillPage{}, fmt.Errorf("%w: goldsky down", domain.ErrRetryableFetchFailed)
	}
	var match []domain.RawFill
	for _, e := range f.events {
		if e.Timestamp >= since {
			match = append(match, e)
		}
	}
	if skip >= len(match) {
		return domain.FillPage{}, nil
	}
	end := min(skip+first, len(match))
	page := append([]domain.RawFill(nil), match[skip:end]...)
	return domain.FillPage{Fills: page, Received: len(page)}, nil
}

// fakeResolver resolves from a fixed map and fails otherwise.
type fakeResolver struct {
	markets map[string]domain.Market
	err     error
	calls   int
}

func (r *fakeResolver) ResolveMarket(_ context.Context, tokenID string) (domain.Market, error) {
	r.calls++
	if m, ok := r.markets[tokenID]; ok {
		return m, nil
	}
	if r.err != nil {
		return domain.Market{}, r.err
	}
	return domain.Market{}, domain.ErrNotFound
}

type memTokenCache struct {
	unknown map[string]bool
}

func (c *memTokenCache) MarkUnknown(_ context.Context, tokenID string, _ time.Duration) error {
	c.unknown[tokenID] = true
	return nil
}

func (c *memTokenCache) IsUnknown(_ context.Context, tokenID string) (bool, error) {
	return c.unknown[tokenID], nil
}
