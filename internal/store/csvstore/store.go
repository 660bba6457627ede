package csvstore

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// File names relative to the data directory.
const (
	MarketsFile       = "markets.csv"
	DiscoveredFile    = "missing_markets.csv"
	FillsFile         = "goldsky/orderFilled.csv"
	TradesFile        = "processed/trades.csv"
	MissingTokensFile = "missing_tokens.csv"
	SkippedFillsFile  = "skipped_fills.csv"
)

// Store groups every table under one data directory.
type Store struct {
	Dir           string
	Markets       *MarketTable
	Discovered    *MarketTable
	Fills         *FillTable
	Trades        *TradeTable
	MissingTokens *MissingTokenTable
	SkippedFills  *SkippedFillTable
}

// Open opens (creating when needed) all tables under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{Dir: dir}
	p := func(name string) string { return filepath.Join(dir, filepath.FromSlash(name)) }

	markets, err := OpenTable(p(MarketsFile), marketCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open markets: %w", err)
	}
	discovered, err := OpenTable(p(DiscoveredFile), marketCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open discovered markets: %w", err)
	}
	fills, err := OpenTable(p(FillsFile), fillCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open fills: %w", err)
	}
	trades, err := OpenTable(p(TradesFile), tradeCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open trades: %w", err)
	}
	missing, err := OpenTable(p(MissingTokensFile), missingTokenCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open missing tokens: %w", err)
	}
	skipped, err := OpenTable(p(SkippedFillsFile), skippedCodec, logger)
	if err != nil {
		return nil, fmt.Errorf("csvstore: open skipped fills: %w", err)
	}

	s.Markets = &MarketTable{markets}
	s.Discovered = &MarketTable{discovered}
	s.Fills = &FillTable{fills}
	s.Trades = &TradeTable{trades}
	s.MissingTokens = &MissingTokenTable{missing}
	s.SkippedFills = &SkippedFillTable{skipped}
	return s, nil
}

// Files returns the paths of every table, relative to Dir, in a stable order.
func (s *Store) Files() []string {
	return []string{MarketsFile, DiscoveredFile, FillsFile, TradesFile, MissingTokensFile, SkippedFillsFile}
}
