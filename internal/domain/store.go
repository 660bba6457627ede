package domain

import "context"

// MarketStore is an append-only collection of markets. It backs both the
// primary catalog and the discovered-markets list.
type MarketStore interface {
	Append(ctx context.Context, markets []Market) error
	All(ctx context.Context) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// FillStore is the append-only raw event store.
type FillStore interface {
	Append(ctx context.Context, fills []RawFill) error
	All(ctx context.Context) ([]RawFill, error)
	// Last returns the final persisted event, or ErrNotFound when empty.
	Last(ctx context.Context) (RawFill, error)
	// AtTimestamp returns every persisted event with the given timestamp.
	AtTimestamp(ctx context.Context, ts int64) ([]RawFill, error)
}

// TradeStore is the append-only normalized ledger.
type TradeStore interface {
	Append(ctx context.Context, trades []Trade) error
	All(ctx context.Context) ([]Trade, error)
	// Last returns the final ledger row, or ErrNotFound when empty.
	Last(ctx context.Context) (Trade, error)
	// After returns the ledger rows positioned strictly after c.
	After(ctx context.Context, c ReconcileCursor) ([]Trade, error)
	Truncate(ctx context.Context) error
}

// MissingTokenStore is the side list of unresolved tokens.
type MissingTokenStore interface {
	Append(ctx context.Context, tokens []MissingToken) error
	All(ctx context.Context) ([]MissingToken, error)
}

// SkippedFillStore is the side list of malformed events.
type SkippedFillStore interface {
	Append(ctx context.Context, fills []SkippedFill) error
	All(ctx context.Context) ([]SkippedFill, error)
	Truncate(ctx context.Context) error
}

// CursorStore persists per-stage progress. Load methods report false when no
// cursor has been written yet.
type CursorStore interface {
	LoadCatalog(ctx context.Context) (CatalogCursor, bool, error)
	SaveCatalog(ctx context.Context, c CatalogCursor) error
	LoadScrape(ctx context.Context) (ScrapeCursor, bool, error)
	SaveScrape(ctx context.Context, c ScrapeCursor) error
	LoadReconcile(ctx context.Context) (ReconcileCursor, bool, error)
	SaveReconcile(ctx context.Context, c ReconcileCursor) error
	ClearReconcile(ctx context.Context) error
}

// TradeMirror receives ledger rows after they are durably appended, for
// example a Postgres copy used by downstream tooling.
type TradeMirror interface {
	InsertBatch(ctx context.Context, trades []Trade) error
}

// MarketMirror receives catalog rows after they are durably appended.
type MarketMirror interface {
	UpsertBatch(ctx context.Context, markets []Market) error
}

// MarketPage is one page from the catalog source. Received counts the raw
// entries returned, including any that could not be parsed.
type MarketPage struct {
	Markets  []Market
	Received int
}

// FillPage is one page from the event source. Received counts the raw
// entries returned, including any that could not be parsed.
type FillPage struct {
	Fills    []RawFill
	Received int
}
