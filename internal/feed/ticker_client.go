// Package feed supplies the latest price per symbol to the monitoring loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 256

// TickerConfig configures a TickerClient.
type TickerConfig struct {
	// BaseURL is the exchange REST root, e.g. "https://api.binance.com".
	BaseURL string
	// Path is the ticker endpoint; defaults to "/api/v3/ticker/price".
	Path    string
	Timeout time.Duration
	// RequestsPerSecond and Burst throttle outgoing requests.
	RequestsPerSecond float64
	Burst             int
}

// TickerClient fetches last-trade prices from an exchange REST ticker
// endpoint that accepts a JSON array of symbols and answers with
// [{"symbol": "...", "price": "..."}].
type TickerClient struct {
	baseURL    string
	path       string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewTickerClient creates a TickerClient.
func NewTickerClient(cfg TickerConfig) *TickerClient {
	if cfg.Path == "" {
		cfg.Path = "/api/v3/ticker/price"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &TickerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		path:       cfg.Path,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetPrices returns the price of each requested symbol the exchange knows.
// Unparseable or non-positive prices are dropped.
func (c *TickerClient) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed: ticker throttle: %w", err)
	}

	list, err := json.Marshal(symbols)
	if err != nil {
		return nil, fmt.Errorf("feed: encode symbols: %w", err)
	}
	params := url.Values{}
	params.Set("symbols", string(list))

	body, err := c.doGet(ctx, c.path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("feed: get tickers: %w", err)
	}

	var tickers []tickerPrice
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("feed: decode tickers: %w", err)
	}
	for _, t := range tickers {
		p, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		out[t.Symbol] = p
	}
	return out, nil
}

func (c *TickerClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
