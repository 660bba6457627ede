package csvstore

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var tradeHeader = []string{
	"timestamp", "market_id", "maker", "taker", "nonusdc_side",
	"maker_direction", "taker_direction", "price", "usd_amount", "token_amount",
	"transactionHash",
}

const amountPlaces = 6

var tradeCodec = Codec[domain.Trade]{
	Header: tradeHeader,
	Encode: func(tr domain.Trade) []string {
		return []string{
			strconv.FormatInt(tr.Timestamp.Unix(), 10),
			tr.MarketID,
			tr.Maker,
			tr.Taker,
			tr.TokenSide,
			string(tr.MakerDirection),
			string(tr.TakerDirection),
			tr.Price.StringFixed(amountPlaces),
			tr.USDAmount.StringFixed(amountPlaces),
			tr.TokenAmount.StringFixed(amountPlaces),
			tr.TxHash,
		}
	},
	Decode: func(rec []string) (domain.Trade, error) {
		var tr domain.Trade
		if err := checkWidth(rec, len(tradeHeader)); err != nil {
			return tr, err
		}
		sec, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return tr, decodeErr("timestamp", err)
		}
		tr.Timestamp = time.Unix(sec, 0).UTC()
		tr.MarketID = rec[1]
		tr.Maker = rec[2]
		tr.Taker = rec[3]
		tr.TokenSide = rec[4]
		tr.MakerDirection = domain.Direction(rec[5])
		tr.TakerDirection = domain.Direction(rec[6])
		if tr.Price, err = decimal.NewFromString(rec[7]); err != nil {
			return tr, decodeErr("price", err)
		}
		if tr.USDAmount, err = decimal.NewFromString(rec[8]); err != nil {
			return tr, decodeErr("usd_amount", err)
		}
		if tr.TokenAmount, err = decimal.NewFromString(rec[9]); err != nil {
			return tr, decodeErr("token_amount", err)
		}
		tr.TxHash = rec[10]
		return tr, nil
	},
}

// TradeTable is the normalized trade ledger.
type TradeTable struct {
	*Table[domain.Trade]
}

var _ domain.TradeStore = (*TradeTable)(nil)

// Append adds ledger rows in order.
func (t *TradeTable) Append(ctx context.Context, trades []domain.Trade) error {
	return t.Table.Append(ctx, trades)
}

// All returns the whole ledger in file order.
func (t *TradeTable) All(ctx context.Context) ([]domain.Trade, error) {
	return t.ReadAll(ctx)
}

// Last returns the final ledger row.
func (t *TradeTable) Last(ctx context.Context) (domain.Trade, error) {
	var last domain.Trade
	found := false
	err := t.ReverseScan(ctx, func(tr domain.Trade) bool {
		last, found = tr, true
		return false
	})
	if err != nil {
		return domain.Trade{}, err
	}
	if !found {
		return domain.Trade{}, domain.ErrNotFound
	}
	return last, nil
}

// After returns the rows positioned strictly after c. The ledger is written
// in position order, so only its tail is read.
func (t *TradeTable) After(ctx context.Context, c domain.ReconcileCursor) ([]domain.Trade, error) {
	var out []domain.Trade
	err := t.ReverseScan(ctx, func(tr domain.Trade) bool {
		if !tr.Position().After(c) {
			return false
		}
		out = append(out, tr)
		return true
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Truncate empties the ledger.
func (t *TradeTable) Truncate(ctx context.Context) error {
	return t.Table.Truncate(ctx)
}
