// Package ledger aggregates the normalized trade ledger for reporting.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// WalletSet is a set of addresses compared case-insensitively.
type WalletSet map[common.Address]struct{}

// NewWalletSet parses addrs. Any invalid address is an error.
func NewWalletSet(addrs []string) (WalletSet, error) {
	set := make(WalletSet, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("ledger: invalid wallet address %q", a)
		}
		set[common.HexToAddress(a)] = struct{}{}
	}
	return set, nil
}

// Contains reports whether addr is in the set.
func (s WalletSet) Contains(addr string) bool {
	if len(s) == 0 || !common.IsHexAddress(addr) {
		return false
	}
	_, ok := s[common.HexToAddress(addr)]
	return ok
}

// Filter drops trades in which an excluded wallet takes part, such as the
// exchange contracts that sit on one side of matched orders.
type Filter struct {
	exclude WalletSet
}

// NewFilter creates a Filter excluding the given wallets.
func NewFilter(exclude WalletSet) *Filter {
	return &Filter{exclude: exclude}
}

// Keep reports whether t survives the filter.
func (f *Filter) Keep(t domain.Trade) bool {
	if f == nil {
		return true
	}
	return !f.exclude.Contains(t.Maker) && !f.exclude.Contains(t.Taker)
}

// Apply returns the trades that survive the filter, in order.
func (f *Filter) Apply(trades []domain.Trade) []domain.Trade {
	out := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if f.Keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// MarketStats aggregates the kept trades of one market.
type MarketStats struct {
	MarketID    string
	Trades      int
	USDVolume   decimal.Decimal
	TokenVolume decimal.Decimal
	FirstTrade  time.Time
	LastTrade   time.Time
}

// Summary aggregates a ledger.
type Summary struct {
	Trades    int
	Excluded  int
	USDVolume decimal.Decimal
	// Markets is ordered by USD volume, largest first.
	Markets []MarketStats
}

// Summarize aggregates trades after applying f. f may be nil.
func Summarize(trades []domain.Trade, f *Filter) Summary {
	var s Summary
	byMarket := make(map[string]*MarketStats)

	for _, t := range trades {
		if !f.Keep(t) {
			s.Excluded++
			continue
		}
		s.Trades++
		s.USDVolume = s.USDVolume.Add(t.USDAmount)

		ms, ok := byMarket[t.MarketID]
		if !ok {
			ms = &MarketStats{MarketID: t.MarketID, FirstTrade: t.Timestamp, LastTrade: t.Timestamp}
			byMarket[t.MarketID] = ms
		}
		ms.Trades++
		ms.USDVolume = ms.USDVolume.Add(t.USDAmount)
		ms.TokenVolume = ms.TokenVolume.Add(t.TokenAmount)
		if t.Timestamp.Before(ms.FirstTrade) {
			ms.FirstTrade = t.Timestamp
		}
		if t.Timestamp.After(ms.LastTrade) {
			ms.LastTrade = t.Timestamp
		}
	}

	s.Markets = make([]MarketStats, 0, len(byMarket))
	for _, ms := range byMarket {
		s.Markets = append(s.Markets, *ms)
	}
	sort.Slice(s.Markets, func(i, j int) bool {
		a, b := s.Markets[i], s.Markets[j]
		if c := a.USDVolume.Cmp(b.USDVolume); c != 0 {
			return c > 0
		}
		return a.MarketID < b.MarketID
	})
	return s
}
