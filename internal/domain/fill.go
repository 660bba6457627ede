package domain

import "strconv"

// CashAssetID is the asset identifier used by the exchange for the
// collateral (USDC) side of a fill.
const CashAssetID = "0"

// RawFill represents a raw on-chain order-filled event from Goldsky. Amounts
// are integers in units of 10^-6.
type RawFill struct {
	Timestamp         int64
	Maker             string
	MakerAssetID      string
	MakerAmountFilled int64
	Taker             string
	TakerAssetID      string
	TakerAmountFilled int64
	TransactionHash   string
}

// Key identifies an event by its full tuple. A transaction may carry several
// fills, so the hash alone is not enough.
func (f RawFill) Key() string {
	return strconv.FormatInt(f.Timestamp, 10) + "|" +
		f.Maker + "|" + f.MakerAssetID + "|" + strconv.FormatInt(f.MakerAmountFilled, 10) + "|" +
		f.Taker + "|" + f.TakerAssetID + "|" + strconv.FormatInt(f.TakerAmountFilled, 10) + "|" +
		f.TransactionHash
}

// Position returns the reconcile ordering position of the event.
func (f RawFill) Position() ReconcileCursor {
	return ReconcileCursor{Timestamp: f.Timestamp, TxHash: f.TransactionHash}
}
