package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Amounts on the exchange are fixed-point with six decimals.
const (
	amountDecimals = 6
	pricePlaces    = 6
)

// TokenAsset returns the outcome-token asset of a fill: the side whose asset
// is not the cash sentinel. Fills where both or neither side is cash are
// malformed.
func TokenAsset(f domain.RawFill) (string, error) {
	makerCash := f.MakerAssetID == domain.CashAssetID
	takerCash := f.TakerAssetID == domain.CashAssetID
	switch {
	case makerCash && !takerCash:
		return f.TakerAssetID, nil
	case takerCash && !makerCash:
		return f.MakerAssetID, nil
	case makerCash && takerCash:
		return "", fmt.Errorf("%w: both sides are cash", domain.ErrMalformedRecord)
	default:
		return "", fmt.Errorf("%w: neither side is cash", domain.ErrMalformedRecord)
	}
}

// Derive turns a fill and the market owning its token into a ledger row.
//
// The side paying cash buys the outcome token. usd and token amounts are the
// filled amounts scaled by 10^-6; price is cash/token rounded half away from
// zero to six places and must lie in [0, 1].
func Derive(f domain.RawFill, m domain.Market) (domain.Trade, error) {
	tokenID, err := TokenAsset(f)
	if err != nil {
		return domain.Trade{}, err
	}
	side := m.TokenSide(tokenID)
	if side == "" {
		return domain.Trade{}, fmt.Errorf("%w: token %s not in market %s", domain.ErrMalformedRecord, tokenID, m.ID)
	}
	maker, err := normalizeAddress(f.Maker)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("maker: %w", err)
	}
	taker, err := normalizeAddress(f.Taker)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("taker: %w", err)
	}
	if f.TransactionHash == "" {
		return domain.Trade{}, fmt.Errorf("%w: missing transaction hash", domain.ErrMalformedRecord)
	}

	makerDir, takerDir := domain.DirectionSell, domain.DirectionBuy
	cashAmt, tokenAmt := f.TakerAmountFilled, f.MakerAmountFilled
	if f.MakerAssetID == domain.CashAssetID {
		makerDir, takerDir = domain.DirectionBuy, domain.DirectionSell
		cashAmt, tokenAmt = f.MakerAmountFilled, f.TakerAmountFilled
	}

	if cashAmt < 0 || tokenAmt < 0 {
		return domain.Trade{}, fmt.Errorf("%w: negative amount", domain.ErrMalformedRecord)
	}
	if tokenAmt == 0 {
		return domain.Trade{}, fmt.Errorf("%w: zero token amount", domain.ErrMalformedRecord)
	}
	// Both amounts share a scale, so price <= 1 is cash <= token.
	if cashAmt > tokenAmt {
		return domain.Trade{}, fmt.Errorf("%w: price %s/%d above 1", domain.ErrMalformedRecord,
			decimal.New(cashAmt, -amountDecimals).String(), tokenAmt)
	}

	cash := decimal.NewFromInt(cashAmt)
	token := decimal.NewFromInt(tokenAmt)

	return domain.Trade{
		Timestamp:      time.Unix(f.Timestamp, 0).UTC(),
		MarketID:       m.ID,
		Maker:          maker,
		Taker:          taker,
		TokenSide:      side,
		MakerDirection: makerDir,
		TakerDirection: takerDir,
		Price:          cash.DivRound(token, pricePlaces),
		USDAmount:      decimal.New(cashAmt, -amountDecimals),
		TokenAmount:    decimal.New(tokenAmt, -amountDecimals),
		TxHash:         f.TransactionHash,
	}, nil
}

// normalizeAddress validates a hex address and returns it lower-cased.
func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: invalid address %q", domain.ErrMalformedRecord, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
