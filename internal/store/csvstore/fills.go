package csvstore

import (
	"context"
	"slices"
	"strconv"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var fillHeader = []string{
	"timestamp", "maker", "makerAssetId", "makerAmountFilled",
	"taker", "takerAssetId", "takerAmountFilled", "transactionHash",
}

func encodeFill(f domain.RawFill) []string {
	return []string{
		strconv.FormatInt(f.Timestamp, 10),
		f.Maker,
		f.MakerAssetID,
		strconv.FormatInt(f.MakerAmountFilled, 10),
		f.Taker,
		f.TakerAssetID,
		strconv.FormatInt(f.TakerAmountFilled, 10),
		f.TransactionHash,
	}
}

func decodeFill(rec []string) (domain.RawFill, error) {
	var f domain.RawFill
	var err error
	if f.Timestamp, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
		return f, decodeErr("timestamp", err)
	}
	f.Maker = rec[1]
	f.MakerAssetID = rec[2]
	if f.MakerAmountFilled, err = strconv.ParseInt(rec[3], 10, 64); err != nil {
		return f, decodeErr("makerAmountFilled", err)
	}
	f.Taker = rec[4]
	f.TakerAssetID = rec[5]
	if f.TakerAmountFilled, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
		return f, decodeErr("takerAmountFilled", err)
	}
	f.TransactionHash = rec[7]
	return f, nil
}

var fillCodec = Codec[domain.RawFill]{
	Header: fillHeader,
	Encode: encodeFill,
	Decode: func(rec []string) (domain.RawFill, error) {
		if err := checkWidth(rec, len(fillHeader)); err != nil {
			return domain.RawFill{}, err
		}
		return decodeFill(rec)
	},
}

// FillTable is the raw order-filled event store.
type FillTable struct {
	*Table[domain.RawFill]
}

var _ domain.FillStore = (*FillTable)(nil)

// Append adds events in source order.
func (t *FillTable) Append(ctx context.Context, fills []domain.RawFill) error {
	return t.Table.Append(ctx, fills)
}

// All returns every persisted event in file order.
func (t *FillTable) All(ctx context.Context) ([]domain.RawFill, error) {
	return t.ReadAll(ctx)
}

// Last returns the most recently appended event.
func (t *FillTable) Last(ctx context.Context) (domain.RawFill, error) {
	var last domain.RawFill
	found := false
	err := t.ReverseScan(ctx, func(f domain.RawFill) bool {
		last, found = f, true
		return false
	})
	if err != nil {
		return domain.RawFill{}, err
	}
	if !found {
		return domain.RawFill{}, domain.ErrNotFound
	}
	return last, nil
}

// AtTimestamp returns the persisted events carrying ts. Events are stored in
// ascending timestamp order, so only the tail of the file is read.
func (t *FillTable) AtTimestamp(ctx context.Context, ts int64) ([]domain.RawFill, error) {
	var out []domain.RawFill
	err := t.ReverseScan(ctx, func(f domain.RawFill) bool {
		if f.Timestamp > ts {
			return true
		}
		if f.Timestamp < ts {
			return false
		}
		out = append(out, f)
		return true
	})
	if err != nil {
		return nil, err
	}
	// ReverseScan yields newest first.
	slices.Reverse(out)
	return out, nil
}
