package csvstore

import (
	"context"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var marketHeader = []string{
	"createdAt", "id", "question", "answer1", "answer2", "neg_risk",
	"market_slug", "token1", "token2", "condition_id", "volume", "ticker", "closedTime",
}

var marketCodec = Codec[domain.Market]{
	Header: marketHeader,
	Encode: func(m domain.Market) []string {
		closed := ""
		if m.ClosedAt != nil {
			closed = m.ClosedAt.UTC().Format(time.RFC3339)
		}
		created := ""
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.UTC().Format(time.RFC3339)
		}
		return []string{
			created,
			m.ID,
			m.Question,
			m.Outcomes[0],
			m.Outcomes[1],
			strconv.FormatBool(m.NegRisk),
			m.Slug,
			m.TokenIDs[0],
			m.TokenIDs[1],
			m.ConditionID,
			strconv.FormatFloat(m.Volume, 'f', -1, 64),
			m.Ticker,
			closed,
		}
	},
	Decode: func(rec []string) (domain.Market, error) {
		var m domain.Market
		if err := checkWidth(rec, len(marketHeader)); err != nil {
			return m, err
		}
		if rec[0] != "" {
			ts, err := time.Parse(time.RFC3339, rec[0])
			if err != nil {
				return m, decodeErr("createdAt", err)
			}
			m.CreatedAt = ts
		}
		m.ID = rec[1]
		m.Question = rec[2]
		m.Outcomes = [2]string{rec[3], rec[4]}
		if rec[5] != "" {
			b, err := strconv.ParseBool(rec[5])
			if err != nil {
				return m, decodeErr("neg_risk", err)
			}
			m.NegRisk = b
		}
		m.Slug = rec[6]
		m.TokenIDs = [2]string{rec[7], rec[8]}
		m.ConditionID = rec[9]
		if rec[10] != "" {
			v, err := strconv.ParseFloat(rec[10], 64)
			if err != nil {
				return m, decodeErr("volume", err)
			}
			m.Volume = v
		}
		m.Ticker = rec[11]
		if rec[12] != "" {
			ts, err := time.Parse(time.RFC3339, rec[12])
			if err != nil {
				return m, decodeErr("closedTime", err)
			}
			m.ClosedAt = &ts
		}
		return m, nil
	},
}

// MarketTable stores markets. It backs both the catalog and the list of
// markets discovered by token lookup.
type MarketTable struct {
	*Table[domain.Market]
}

var _ domain.MarketStore = (*MarketTable)(nil)

// Append adds markets in order.
func (t *MarketTable) Append(ctx context.Context, markets []domain.Market) error {
	return t.Table.Append(ctx, markets)
}

// All returns every stored market in file order.
func (t *MarketTable) All(ctx context.Context) ([]domain.Market, error) {
	return t.ReadAll(ctx)
}

// Count returns the number of stored markets.
func (t *MarketTable) Count(ctx context.Context) (int64, error) {
	return t.Table.Count(ctx)
}
