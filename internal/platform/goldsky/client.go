package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/retry"
)

// Client is a GraphQL client for the Goldsky subgraph indexer, used to
// query on-chain order fill events from the Polymarket CTF Exchange contract.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *slog.Logger
}

// Options tunes a Client. Zero values select defaults.
type Options struct {
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
	Logger            *slog.Logger
}

// NewClient creates a new Goldsky GraphQL client.
//
// graphqlURL is the Goldsky subgraph endpoint, e.g.
// "https://api.goldsky.com/api/public/.../subgraphs/orderbook-subgraph/0.0.1/gn".
func NewClient(graphqlURL string, opts Options) *Client {
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
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		policy:     opts.Retry,
		logger:     opts.Logger.With(slog.String("component", "goldsky")),
	}
}

// APIError is a non-2xx response from the subgraph endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("goldsky HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// graphqlError is returned when the endpoint answers 200 with an errors
// array. Indexer timeouts surface this way, so it is retried.
type graphqlError struct {
	Message string
}

func (e *graphqlError) Error() string   { return "graphql error: " + e.Message }
func (e *graphqlError) Retryable() bool { return true }

const orderFillsQuery = `
	query OrderFills($since: BigInt!, $first: Int!, $skip: Int!) {
		orderFilledEvents(
			first: $first
			skip: $skip
			orderBy: timestamp
			orderDirection: asc
			where: { timestamp_gte: $since }
		) {
			transactionHash
			timestamp
			maker
			makerAssetId
			makerAmountFilled
			taker
			takerAssetId
			takerAmountFilled
		}
	}
`

type apiFill struct {
	TransactionHash   string `json:"transactionHash"`
	Timestamp         string `json:"timestamp"`
	Maker             string `json:"maker"`
	MakerAssetID      string `json:"makerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	Taker             string `json:"taker"`
	TakerAssetID      string `json:"takerAssetId"`
	TakerAmountFilled string `json:"takerAmountFilled"`
}

func (e apiFill) toDomain() (domain.RawFill, error) {
	ts, err := strconv.ParseInt(e.Timestamp, 10, 64)
	if err != nil {
		return domain.RawFill{}, fmt.Errorf("%w: timestamp %q", domain.ErrMalformedRecord, e.Timestamp)
	}
	makerAmt, err := strconv.ParseInt(e.MakerAmountFilled, 10, 64)
	if err != nil {
		return domain.RawFill{}, fmt.Errorf("%w: makerAmountFilled %q", domain.ErrMalformedRecord, e.MakerAmountFilled)
	}
	takerAmt, err := strconv.ParseInt(e.TakerAmountFilled, 10, 64)
	if err != nil {
		return domain.RawFill{}, fmt.Errorf("%w: takerAmountFilled %q", domain.ErrMalformedRecord, e.TakerAmountFilled)
	}
	return domain.RawFill{
		TransactionHash:   e.TransactionHash,
		Timestamp:         ts,
		Maker:             e.Maker,
		MakerAssetID:      e.MakerAssetID,
		MakerAmountFilled: makerAmt,
		Taker:             e.Taker,
		TakerAssetID:      e.TakerAssetID,
		TakerAmountFilled: takerAmt,
	}, nil
}

// FetchOrderFills queries order fill events with timestamp >= since in
// ascending timestamp order, returning at most first events after skipping
// skip of them.
func (c *Client) FetchOrderFills(ctx context.Context, since int64, first, skip int) (domain.FillPage, error) {
	variables := map[string]any{
		"since": strconv.FormatInt(since, 10),
		"first": first,
		"skip":  skip,
	}

	events, err := retry.Do(ctx, c.policy, c.logger, "goldsky orderFilledEvents", func(ctx context.Context) ([]apiFill, error) {
		respData, err := c.doQuery(ctx, orderFillsQuery, variables)
		if err != nil {
			return nil, err
		}
		var result struct {
			OrderFilledEvents []apiFill `json:"orderFilledEvents"`
		}
		if err := json.Unmarshal(respData, &result); err != nil {
			return nil, fmt.Errorf("decode order fills: %w", err)
		}
		return result.OrderFilledEvents, nil
	})
	if err != nil {
		return domain.FillPage{}, fmt.Errorf("goldsky: fetch order fills since %d skip %d: %w", since, skip, err)
	}

	page := domain.FillPage{
		Fills:    make([]domain.RawFill, 0, len(events)),
		Received: len(events),
	}
	for _, e := range events {
		f, err := e.toDomain()
		if err != nil {
			c.logger.WarnContext(ctx, "skipping unparseable order fill",
				slog.String("tx", e.TransactionHash),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.Fills = append(page.Fills, f)
	}
	return page, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doQuery executes a GraphQL query against the Goldsky endpoint and returns
// the raw "data" field from the response.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := graphqlRequest{
		Query:     query,
		Variables: variables,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, &graphqlError{Message: gqlResp.Errors[0].Message}
	}

	return gqlResp.Data, nil
}
