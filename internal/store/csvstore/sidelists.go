package csvstore

import (
	"context"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var missingTokenHeader = []string{"token_id", "tx_hash", "timestamp", "recorded_at"}

var missingTokenCodec = Codec[domain.MissingToken]{
	Header: missingTokenHeader,
	Encode: func(m domain.MissingToken) []string {
		return []string{
			m.TokenID,
			m.TxHash,
			strconv.FormatInt(m.Timestamp, 10),
			m.RecordedAt.UTC().Format(time.RFC3339),
		}
	},
	Decode: func(rec []string) (domain.MissingToken, error) {
		var m domain.MissingToken
		if err := checkWidth(rec, len(missingTokenHeader)); err != nil {
			return m, err
		}
		m.TokenID = rec[0]
		m.TxHash = rec[1]
		ts, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil {
			return m, decodeErr("timestamp", err)
		}
		m.Timestamp = ts
		if m.RecordedAt, err = time.Parse(time.RFC3339, rec[3]); err != nil {
			return m, decodeErr("recorded_at", err)
		}
		return m, nil
	},
}

// MissingTokenTable lists tokens the reconciler could not map to a market.
type MissingTokenTable struct {
	*Table[domain.MissingToken]
}

var _ domain.MissingTokenStore = (*MissingTokenTable)(nil)

func (t *MissingTokenTable) Append(ctx context.Context, tokens []domain.MissingToken) error {
	return t.Table.Append(ctx, tokens)
}

func (t *MissingTokenTable) All(ctx context.Context) ([]domain.MissingToken, error) {
	return t.ReadAll(ctx)
}

var skippedHeader = append(append([]string{}, fillHeader...), "reason")

var skippedCodec = Codec[domain.SkippedFill]{
	Header: skippedHeader,
	Encode: func(s domain.SkippedFill) []string {
		return append(encodeFill(s.Fill), s.Reason)
	},
	Decode: func(rec []string) (domain.SkippedFill, error) {
		if err := checkWidth(rec, len(skippedHeader)); err != nil {
			return domain.SkippedFill{}, err
		}
		f, err := decodeFill(rec[:len(fillHeader)])
		if err != nil {
			return domain.SkippedFill{}, err
		}
		return domain.SkippedFill{Fill: f, Reason: rec[len(fillHeader)]}, nil
	},
}

// SkippedFillTable lists events rejected as malformed.
type SkippedFillTable struct {
	*Table[domain.SkippedFill]
}

var _ domain.SkippedFillStore = (*SkippedFillTable)(nil)

func (t *SkippedFillTable) Append(ctx context.Context, fills []domain.SkippedFill) error {
	return t.Table.Append(ctx, fills)
}

func (t *SkippedFillTable) All(ctx context.Context) ([]domain.SkippedFill, error) {
	return t.ReadAll(ctx)
}

func (t *SkippedFillTable) Truncate(ctx context.Context) error {
	return t.Table.Truncate(ctx)
}
