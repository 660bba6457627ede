package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// MarketIndex is the combined view of the catalog and the discovered-markets
// list, keyed by token. A market ID seen twice keeps its first occurrence,
// catalog first.
type MarketIndex struct {
	mu      sync.RWMutex
	byToken map[string]domain.Market
	byID    map[string]domain.Market
	order   []string
}

// NewMarketIndex returns an empty index.
func NewMarketIndex() *MarketIndex {
	return &MarketIndex{
		byToken: make(map[string]domain.Market),
		byID:    make(map[string]domain.Market),
	}
}

// LoadMarketIndex builds the index from the catalog followed by the
// discovered-markets store.
func LoadMarketIndex(ctx context.Context, catalog, discovered domain.MarketStore) (*MarketIndex, error) {
	idx := NewMarketIndex()
	for _, src := range []struct {
		name  string
		store domain.MarketStore
	}{{"catalog", catalog}, {"discovered", discovered}} {
		if src.store == nil {
			continue
		}
		markets, err := src.store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s markets: %w", src.name, err)
		}
		for _, m := range markets {
			idx.Add(m)
		}
	}
	return idx, nil
}

// Add inserts m unless its ID is already present. It reports whether m was
// added.
func (i *MarketIndex) Add(m domain.Market) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.byID[m.ID]; ok {
		return false
	}
	i.byID[m.ID] = m
	i.order = append(i.order, m.ID)
	for _, tok := range m.TokenIDs {
		if tok == "" {
			continue
		}
		if _, taken := i.byToken[tok]; !taken {
			i.byToken[tok] = m
		}
	}
	return true
}

// Lookup returns the market owning tokenID.
func (i *MarketIndex) Lookup(tokenID string) (domain.Market, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.byToken[tokenID]
	return m, ok
}

// HasMarket reports whether a market ID is indexed.
func (i *MarketIndex) HasMarket(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.byID[id]
	return ok
}

// Len returns the number of distinct markets.
func (i *MarketIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byID)
}

// Markets returns the distinct markets ordered by creation time. Ties keep
// insertion order.
func (i *MarketIndex) Markets() []domain.Market {
	i.mu.RLock()
	out := make([]domain.Market, 0, len(i.order))
	for _, id := range i.order {
		out = append(out, i.byID[id])
	}
	i.mu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}
