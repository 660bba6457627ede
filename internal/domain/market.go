package domain

import "time"

// Market represents a Polymarket binary prediction market as stored in the
// catalog.
type Market struct {
	ID          string
	Question    string
	Slug        string
	Outcomes    [2]string // answer1, answer2
	TokenIDs    [2]string // token1, token2; globally unique across markets
	ConditionID string
	Ticker      string
	NegRisk     bool
	Volume      float64
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// TokenSide returns "token1" or "token2" for a token of this market, or ""
// when the token belongs to neither side.
func (m Market) TokenSide(tokenID string) string {
	switch tokenID {
	case m.TokenIDs[0]:
		return TokenSide1
	case m.TokenIDs[1]:
		return TokenSide2
	}
	return ""
}

const (
	TokenSide1 = "token1"
	TokenSide2 = "token2"
)
