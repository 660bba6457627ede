package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// TradeMirror implements domain.TradeMirror.
type TradeMirror struct {
	c *Client
}

var _ domain.TradeMirror = (*TradeMirror)(nil)

func NewTradeMirror(c *Client) *TradeMirror {
	return &TradeMirror{c: c}
}

const insertTrade = `
	INSERT INTO trades (
		timestamp, market_id, maker, taker, token_side,
		maker_direction, taker_direction,
		price, usd_amount, token_amount, tx_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (tx_hash, maker, taker, token_amount, usd_amount) DO NOTHING`

// InsertBatch inserts trades in one batch. Rows already mirrored are
// skipped, so replaying a chunk after a crash is harmless.
func (m *TradeMirror) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade,
			t.Timestamp, t.MarketID, t.Maker, t.Taker, t.TokenSide,
			string(t.MakerDirection), string(t.TakerDirection),
			t.Price, t.USDAmount, t.TokenAmount, t.TxHash,
		)
	}
	if err := m.c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert %d trades: %w", len(trades), err)
	}
	return nil
}

// MarketMirror implements domain.MarketMirror.
type MarketMirror struct {
	c *Client
}

var _ domain.MarketMirror = (*MarketMirror)(nil)

func NewMarketMirror(c *Client) *MarketMirror {
	return &MarketMirror{c: c}
}

const upsertMarket = `
	INSERT INTO markets (
		id, question, slug, answer1, answer2, token1, token2,
		condition_id, ticker, neg_risk, volume, created_at, closed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		question     = EXCLUDED.question,
		slug         = EXCLUDED.slug,
		volume       = EXCLUDED.volume,
		closed_at    = EXCLUDED.closed_at,
		mirrored_at  = NOW()`

// UpsertBatch inserts or refreshes markets in one batch.
func (m *MarketMirror) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, mk := range markets {
		var created any
		if !mk.CreatedAt.IsZero() {
			created = mk.CreatedAt
		}
		batch.Queue(upsertMarket,
			mk.ID, mk.Question, mk.Slug, mk.Outcomes[0], mk.Outcomes[1],
			mk.TokenIDs[0], mk.TokenIDs[1], mk.ConditionID, mk.Ticker,
			mk.NegRisk, mk.Volume, created, mk.ClosedAt,
		)
	}
	if err := m.c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: upsert %d markets: %w", len(markets), err)
	}
	return nil
}
