package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// PoolKey identifies one exchange pool along a route.
type PoolKey struct {
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	Fee         string `json:"fee"`
	TickSpacing uint64 `json:"tick_spacing"`
	Extension   string `json:"extension"`
}

// RouteNode is one hop of a swap route with its per-hop limit parameters.
type RouteNode struct {
	PoolKey        PoolKey `json:"pool_key"`
	SqrtRatioLimit string  `json:"sqrt_ratio_limit"`
	SkipAhead      uint64  `json:"skip_ahead"`
}

// Split is one sub-route of a quote together with the portion of the total
// amount the router assigned to it.
type Split struct {
	AmountSpecified string      `json:"amount_specified"`
	Route           []RouteNode `json:"route"`
}

// Quote is the router's answer for one amount/pair request.
type Quote struct {
	Splits []Split `json:"splits"`
}

// Config tunes the quote client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// Client fetches swap routes from the routing provider. The provider's
// quoting algorithm is its own concern; this client only shapes the
// request and decodes the answer.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("router base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Quote requests a route converting from into to. A negative amount asks
// for an exact output of that magnitude, which is how liquidation repayment
// liquidity is sourced.
func (c *Client) Quote(ctx context.Context, amount *big.Int, from, to string) (*Quote, error) {
	if c == nil {
		return nil, fmt.Errorf("quote client is nil")
	}
	if amount == nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("quote amount must be non-zero")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	url := fmt.Sprintf("%s/quote/%s/%s/%s", c.baseURL, amount.String(), strings.TrimSpace(from), strings.TrimSpace(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote request failed with status %s", resp.Status)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if len(quote.Splits) == 0 {
		return nil, fmt.Errorf("quote returned no splits")
	}
	return &quote, nil
}
