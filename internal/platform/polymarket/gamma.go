package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/retry"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// serves the market catalog.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *slog.Logger
}

// GammaOptions tunes a GammaClient. Zero values select defaults.
type GammaOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
	Logger            *slog.Logger
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, opts GammaOptions) *GammaClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		policy:     opts.Retry,
		logger:     opts.Logger.With(slog.String("component", "gamma")),
	}
}

// ListMarkets returns one page of the catalog ordered by creation time,
// oldest first. Entries that cannot be parsed are logged and left out of
// Markets but still counted in Received.
func (g *GammaClient) ListMarkets(ctx context.Context, limit, offset int) (domain.MarketPage, error) {
	params := url.Values{}
	params.Set("order", "createdAt")
	params.Set("ascending", "true")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	apiMarkets, err := g.getMarkets(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.MarketPage{}, fmt.Errorf("polymarket/gamma: list markets at offset %d: %w", offset, err)
	}

	page := domain.MarketPage{
		Markets:  make([]domain.Market, 0, len(apiMarkets)),
		Received: len(apiMarkets),
	}
	for i := range apiMarkets {
		m, err := apiMarkets[i].ToDomainMarket()
		if err != nil {
			g.logger.WarnContext(ctx, "skipping malformed market",
				slog.Int("offset", offset+i),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.Markets = append(page.Markets, m)
	}
	return page, nil
}

// MarketByToken looks up the market owning tokenID. It returns
// domain.ErrNotFound when the catalog has no such token.
func (g *GammaClient) MarketByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	params := url.Values{}
	params.Set("clob_token_ids", tokenID)

	apiMarkets, err := g.getMarkets(ctx, "/markets?"+params.Encode())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: token %s: %w", tokenID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	if len(apiMarkets) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: token %s: %w", tokenID, domain.ErrNotFound)
	}

	m, err := apiMarkets[0].ToDomainMarket()
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	return m, nil
}

func (g *GammaClient) getMarkets(ctx context.Context, path string) ([]APIMarket, error) {
	return retry.Do(ctx, g.policy, g.logger, "gamma "+path, func(ctx context.Context) ([]APIMarket, error) {
		body, err := g.doGet(ctx, path)
		if err != nil {
			return nil, err
		}
		var apiMarkets []APIMarket
		if err := json.Unmarshal(body, &apiMarkets); err != nil {
			return nil, fmt.Errorf("decode markets: %w", err)
		}
		return apiMarkets, nil
	})
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
