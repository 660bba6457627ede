package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// BackfillReport summarizes one Backfill call.
type BackfillReport struct {
	Candidates   int
	Resolved     int
	StillMissing []string
}

// Backfiller resolves the tokens in the missing-tokens list in bulk, so the
// next reconcile can pass the events that were blocked on them.
type Backfiller struct {
	missing    domain.MissingTokenStore
	catalog    domain.MarketStore
	discovered domain.MarketStore
	resolver   MarketResolver
	logger     *slog.Logger
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(missing domain.MissingTokenStore, catalog, discovered domain.MarketStore, resolver MarketResolver, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		missing:    missing,
		catalog:    catalog,
		discovered: discovered,
		resolver:   resolver,
		logger:     logger.With(slog.String("component", "backfill")),
	}
}

// Backfill looks up every distinct missing token that no stored market owns.
// A resolver that implements MarketRefresher is asked past its negative
// cache.
func (b *Backfiller) Backfill(ctx context.Context) (BackfillReport, error) {
	started := time.Now()
	report, err := b.backfill(ctx)
	metrics.RecordStage("backfill", started, err)
	return report, err
}

func (b *Backfiller) backfill(ctx context.Context) (BackfillReport, error) {
	var report BackfillReport

	rows, err := b.missing.All(ctx)
	if err != nil {
		return report, fmt.Errorf("backfill: read missing tokens: %w", err)
	}
	index, err := LoadMarketIndex(ctx, b.catalog, b.discovered)
	if err != nil {
		return report, fmt.Errorf("backfill: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	var tokens []string
	for _, row := range rows {
		if _, dup := seen[row.TokenID]; dup {
			continue
		}
		seen[row.TokenID] = struct{}{}
		if _, ok := index.Lookup(row.TokenID); ok {
			continue
		}
		tokens = append(tokens, row.TokenID)
	}
	report.Candidates = len(tokens)

	b.logger.InfoContext(ctx, "backfill starting",
		slog.Int("listed", len(seen)),
		slog.Int("candidates", len(tokens)),
	)

	for _, tokenID := range tokens {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// An earlier lookup in this loop may have brought the market in.
		if _, ok := index.Lookup(tokenID); ok {
			report.Resolved++
			continue
		}

		m, err := b.lookup(ctx, tokenID)
		switch {
		case err == nil:
			index.Add(m)
			report.Resolved++
		case fatal(err):
			return report, fmt.Errorf("backfill: resolve %s: %w", tokenID, err)
		default:
			if !errors.Is(err, domain.ErrNotFound) {
				b.logger.WarnContext(ctx, "token lookup failed",
					slog.String("token_id", tokenID),
					slog.String("error", err.Error()),
				)
			}
			report.StillMissing = append(report.StillMissing, tokenID)
		}
	}

	b.logger.InfoContext(ctx, "backfill complete",
		slog.Int("resolved", report.Resolved),
		slog.Int("still_missing", len(report.StillMissing)),
	)
	return report, nil
}

func (b *Backfiller) lookup(ctx context.Context, tokenID string) (domain.Market, error) {
	if r, ok := b.resolver.(MarketRefresher); ok {
		return r.RefreshMarket(ctx, tokenID)
	}
	return b.resolver.ResolveMarket(ctx, tokenID)
}
