package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// APIMarket is a market as returned by the Gamma /markets endpoint.
type APIMarket struct {
	ID               string      `json:"id"`
	Question         string      `json:"question"`
	Title            string      `json:"title"`
	Slug             string      `json:"slug"`
	ConditionID      string      `json:"conditionId"`
	Outcomes         flexList    `json:"outcomes"`     // usually JSON-encoded: "[\"Yes\",\"No\"]"
	ClobTokenIDs     flexList    `json:"clobTokenIds"` // usually JSON-encoded: "[\"123\",\"456\"]"
	Volume           flexFloat   `json:"volume"`
	NegRiskAugmented bool        `json:"negRiskAugmented"`
	NegRiskOther     bool        `json:"negRiskOther"`
	CreatedAt        string      `json:"createdAt"`
	ClosedTime       string      `json:"closedTime"`
	Events           []eventStub `json:"events"`
}

type eventStub struct {
	Ticker string `json:"ticker"`
}

// ToDomainMarket converts the API shape into a catalog entry. Entries without
// an ID or with undecodable outcome/token lists are malformed.
func (m *APIMarket) ToDomainMarket() (domain.Market, error) {
	if m.ID == "" {
		return domain.Market{}, fmt.Errorf("%w: market without id", domain.ErrMalformedRecord)
	}
	outcomes, err := m.Outcomes.values()
	if err != nil {
		return domain.Market{}, fmt.Errorf("%w: market %s outcomes: %v", domain.ErrMalformedRecord, m.ID, err)
	}
	tokens, err := m.ClobTokenIDs.values()
	if err != nil {
		return domain.Market{}, fmt.Errorf("%w: market %s clobTokenIds: %v", domain.ErrMalformedRecord, m.ID, err)
	}

	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRiskAugmented || m.NegRiskOther,
		Volume:      float64(m.Volume),
	}
	if dm.Question == "" {
		dm.Question = m.Title
	}
	for i := 0; i < 2 && i < len(outcomes); i++ {
		dm.Outcomes[i] = outcomes[i]
	}
	for i := 0; i < 2 && i < len(tokens); i++ {
		dm.TokenIDs[i] = tokens[i]
	}
	if len(m.Events) > 0 {
		dm.Ticker = m.Events[0].Ticker
	}
	if t, ok := parseGammaTime(m.CreatedAt); ok {
		dm.CreatedAt = t
	}
	if t, ok := parseGammaTime(m.ClosedTime); ok {
		dm.ClosedAt = &t
	}
	return dm, nil
}

// Gamma mixes ISO timestamps with Postgres-style ones ("2020-11-02 16:31:01+00").
var gammaTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02T15:04:05Z07",
	"2006-01-02",
}

func parseGammaTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range gammaTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// flexList accepts either a JSON array of strings or a string holding one.
type flexList struct {
	raw json.RawMessage
}

func (l *flexList) UnmarshalJSON(b []byte) error {
	l.raw = append(l.raw[:0], b...)
	return nil
}

func (l flexList) values() ([]string, error) {
	raw := bytes.TrimSpace(l.raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if strings.TrimSpace(inner) == "" {
			return nil, nil
		}
		raw = []byte(inner)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flexFloat accepts a JSON number or a numeric string; anything else is 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}
