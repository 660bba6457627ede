package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// DefaultCatalogBatchSize is the page size used when Sync is given zero.
const DefaultCatalogBatchSize = 500

// CatalogSource is the upstream market catalog.
type CatalogSource interface {
	ListMarkets(ctx context.Context, limit, offset int) (domain.MarketPage, error)
	MarketByToken(ctx context.Context, tokenID string) (domain.Market, error)
}

// MarketResolver finds the market owning a token that is missing from the
// local catalog.
type MarketResolver interface {
	ResolveMarket(ctx context.Context, tokenID string) (domain.Market, error)
}

// MarketRefresher is a MarketResolver that can skip its negative cache.
type MarketRefresher interface {
	MarketResolver
	RefreshMarket(ctx context.Context, tokenID string) (domain.Market, error)
}

// CatalogSyncer keeps the local market catalog in step with the upstream
// catalog and resolves individual tokens on demand.
type CatalogSyncer struct {
	source     CatalogSource
	catalog    domain.MarketStore
	discovered domain.MarketStore
	cursors    domain.CursorStore
	mirror     domain.MarketMirror
	unknown    domain.TokenCache
	unknownTTL time.Duration
	logger     *slog.Logger

	mu            sync.Mutex
	catalogIDs    map[string]struct{}
	discoveredIDs map[string]struct{}
}

// NewCatalogSyncer creates a CatalogSyncer. catalog receives paged markets,
// discovered receives markets found by token lookup.
func NewCatalogSyncer(source CatalogSource, catalog, discovered domain.MarketStore, cursors domain.CursorStore, logger *slog.Logger) *CatalogSyncer {
	return &CatalogSyncer{
		source:     source,
		catalog:    catalog,
		discovered: discovered,
		cursors:    cursors,
		logger:     logger.With(slog.String("component", "catalog_syncer")),
	}
}

// WithMirror copies every newly stored market to m.
func (s *CatalogSyncer) WithMirror(m domain.MarketMirror) *CatalogSyncer {
	s.mirror = m
	return s
}

// WithTokenCache remembers negative token lookups in c for ttl.
func (s *CatalogSyncer) WithTokenCache(c domain.TokenCache, ttl time.Duration) *CatalogSyncer {
	s.unknown = c
	s.unknownTTL = ttl
	return s
}

// Sync pages through the upstream catalog from the persisted offset and
// appends every market not yet stored. Each page is appended atomically and
// the offset is persisted after it. It returns the number of markets added.
func (s *CatalogSyncer) Sync(ctx context.Context, batchSize int) (int, error) {
	started := time.Now()
	added, err := s.sync(ctx, batchSize)
	metrics.RecordStage("sync", started, err)
	return added, err
}

func (s *CatalogSyncer) sync(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultCatalogBatchSize
	}

	offset, err := s.startOffset(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.loadIDs(ctx); err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "catalog sync starting",
		slog.Int64("offset", offset),
		slog.Int("batch_size", batchSize),
	)

	added := 0
	for {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		page, err := s.source.ListMarkets(ctx, batchSize, int(offset))
		metrics.RecordPage("gamma", err)
		if err != nil {
			return added, fmt.Errorf("catalog sync: fetch at offset %d: %w", offset, err)
		}
		if page.Received == 0 {
			break
		}

		fresh := s.unseen(page.Markets)
		if err := s.catalog.Append(ctx, fresh); err != nil {
			return added, fmt.Errorf("catalog sync: append page at offset %d: %w", offset, err)
		}
		s.remember(s.catalogIDs, fresh)
		added += len(fresh)
		metrics.RecordAdded("markets", len(fresh))

		offset += int64(page.Received)
		if err := s.cursors.SaveCatalog(ctx, domain.CatalogCursor{Offset: offset}); err != nil {
			return added, fmt.Errorf("catalog sync: save cursor: %w", err)
		}
		metrics.RecordCursor("sync", offset)
		s.mirrorMarkets(ctx, fresh)

		s.logger.InfoContext(ctx, "synced catalog page",
			slog.Int("received", page.Received),
			slog.Int("added", len(fresh)),
			slog.Int64("offset", offset),
		)

		if page.Received < batchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "catalog sync complete",
		slog.Int("added", added),
		slog.Int64("offset", offset),
	)
	return added, nil
}

// startOffset prefers the cursor file and falls back to the catalog size.
func (s *CatalogSyncer) startOffset(ctx context.Context) (int64, error) {
	c, ok, err := s.cursors.LoadCatalog(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog sync: load cursor: %w", err)
	}
	if ok {
		return c.Offset, nil
	}
	n, err := s.catalog.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog sync: count catalog: %w", err)
	}
	return n, nil
}

// FetchOne looks up the market owning tokenID upstream and stores it in the
// discovered-markets list unless it is already known. It returns
// domain.ErrNotFound when upstream has no such token.
func (s *CatalogSyncer) FetchOne(ctx context.Context, tokenID string) (domain.Market, error) {
	return s.fetchOne(ctx, tokenID, true)
}

func (s *CatalogSyncer) fetchOne(ctx context.Context, tokenID string, cached bool) (domain.Market, error) {
	if cached && s.unknown != nil {
		if gone, err := s.unknown.IsUnknown(ctx, tokenID); err != nil {
			s.logger.WarnContext(ctx, "token cache read failed", slog.String("error", err.Error()))
		} else if gone {
			return domain.Market{}, fmt.Errorf("fetch one %s: cached: %w", tokenID, domain.ErrNotFound)
		}
	}

	m, err := s.source.MarketByToken(ctx, tokenID)
	metrics.RecordPage("gamma", err)
	if errors.Is(err, domain.ErrNotFound) {
		if s.unknown != nil {
			if cerr := s.unknown.MarkUnknown(ctx, tokenID, s.unknownTTL); cerr != nil {
				s.logger.WarnContext(ctx, "token cache write failed", slog.String("error", cerr.Error()))
			}
		}
		return domain.Market{}, fmt.Errorf("fetch one %s: %w", tokenID, err)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("fetch one %s: %w", tokenID, err)
	}
	if m.TokenSide(tokenID) == "" {
		return domain.Market{}, fmt.Errorf("fetch one %s: %w: market %s does not list the token",
			tokenID, domain.ErrMalformedRecord, m.ID)
	}

	if err := s.loadIDs(ctx); err != nil {
		return domain.Market{}, err
	}
	s.mu.Lock()
	_, inCatalog := s.catalogIDs[m.ID]
	_, inDiscovered := s.discoveredIDs[m.ID]
	s.mu.Unlock()
	if inCatalog || inDiscovered {
		return m, nil
	}

	if err := s.discovered.Append(ctx, []domain.Market{m}); err != nil {
		return domain.Market{}, fmt.Errorf("fetch one %s: append: %w", tokenID, err)
	}
	s.remember(s.discoveredIDs, []domain.Market{m})
	metrics.RecordAdded("discovered", 1)
	s.mirrorMarkets(ctx, []domain.Market{m})

	s.logger.InfoContext(ctx, "discovered market",
		slog.String("token_id", tokenID),
		slog.String("market_id", m.ID),
	)
	return m, nil
}

// ResolveMarket implements MarketResolver.
func (s *CatalogSyncer) ResolveMarket(ctx context.Context, tokenID string) (domain.Market, error) {
	return s.FetchOne(ctx, tokenID)
}

// RefreshMarket is FetchOne without the unknown-token cache check. A miss
// still marks the token unknown.
func (s *CatalogSyncer) RefreshMarket(ctx context.Context, tokenID string) (domain.Market, error) {
	return s.fetchOne(ctx, tokenID, false)
}

// loadIDs reads the stored market IDs once per syncer.
func (s *CatalogSyncer) loadIDs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalogIDs != nil {
		return nil
	}

	catalog, err := s.catalog.All(ctx)
	if err != nil {
		return fmt.Errorf("catalog sync: read catalog: %w", err)
	}
	discovered, err := s.discovered.All(ctx)
	if err != nil {
		return fmt.Errorf("catalog sync: read discovered markets: %w", err)
	}

	s.catalogIDs = make(map[string]struct{}, len(catalog))
	for _, m := range catalog {
		s.catalogIDs[m.ID] = struct{}{}
	}
	s.discoveredIDs = make(map[string]struct{}, len(discovered))
	for _, m := range discovered {
		s.discoveredIDs[m.ID] = struct{}{}
	}
	return nil
}

// unseen drops markets already in the catalog, including repeats within
// the page itself.
func (s *CatalogSyncer) unseen(markets []domain.Market) []domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Market, 0, len(markets))
	page := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if _, ok := s.catalogIDs[m.ID]; ok {
			continue
		}
		if _, ok := page[m.ID]; ok {
			continue
		}
		page[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (s *CatalogSyncer) remember(set map[string]struct{}, markets []domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markets {
		set[m.ID] = struct{}{}
	}
}

func (s *CatalogSyncer) mirrorMarkets(ctx context.Context, markets []domain.Market) {
	if s.mirror == nil || len(markets) == 0 {
		return
	}
	if err := s.mirror.UpsertBatch(ctx, markets); err != nil {
		s.logger.WarnContext(ctx, "market mirror failed",
			slog.Int("count", len(markets)),
			slog.String("error", err.Error()),
		)
	}
}
