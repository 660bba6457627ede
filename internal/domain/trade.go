package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a trade from one participant's point of view.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Trade is a normalized ledger row derived from one RawFill. It is keyed by
// TxHash.
type Trade struct {
	Timestamp      time.Time
	MarketID       string
	Maker          string
	Taker          string
	TokenSide      string // "token1" or "token2"
	MakerDirection Direction
	TakerDirection Direction
	Price          decimal.Decimal
	USDAmount      decimal.Decimal
	TokenAmount    decimal.Decimal
	TxHash         string
}

// Position returns the reconcile ordering position of the trade.
func (t Trade) Position() ReconcileCursor {
	return ReconcileCursor{Timestamp: t.Timestamp.Unix(), TxHash: t.TxHash}
}

// MissingToken records a token that could not be mapped to a market while
// reconciling.
type MissingToken struct {
	TokenID    string
	TxHash     string
	Timestamp  int64
	RecordedAt time.Time
}

// SkippedFill records an event rejected as malformed.
type SkippedFill struct {
	Fill   RawFill
	Reason string
}
