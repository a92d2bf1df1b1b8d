package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"liquidatord/pricing"
)

const (
	defaultInterval      = "1min"
	defaultAggregation   = "median"
	defaultFetchTimeout  = 10 * time.Second
	defaultPriceDecimals = 8

	usdSuffix = "/USD"
)

// Feed is one asset the oracle keeps priced: the cache ticker, the
// upstream pair name, and the precision push frames quote it at.
type Feed struct {
	Ticker        string
	Pair          string
	PriceDecimals uint32
}

// Source resolves the latest USD quote for an oracle pair.
type Source interface {
	Name() string
	FetchUSD(ctx context.Context, pair string) (pricing.Price, error)
}

// normalizeFeeds canonicalizes tickers and pairs and fills defaults.
func normalizeFeeds(feeds []Feed) ([]Feed, error) {
	out := make([]Feed, 0, len(feeds))
	seen := make(map[string]struct{}, len(feeds))
	for _, feed := range feeds {
		ticker := strings.ToUpper(strings.TrimSpace(feed.Ticker))
		if ticker == "" {
			return nil, fmt.Errorf("feed with empty ticker")
		}
		if _, dup := seen[ticker]; dup {
			return nil, fmt.Errorf("duplicate feed %s", ticker)
		}
		seen[ticker] = struct{}{}
		pair := strings.ToUpper(strings.TrimSpace(feed.Pair))
		if pair == "" {
			pair = ticker + usdSuffix
		}
		if feed.PriceDecimals == 0 {
			feed.PriceDecimals = defaultPriceDecimals
		}
		feed.Ticker = ticker
		feed.Pair = pair
		out = append(out, feed)
	}
	return out, nil
}

// HTTPSourceConfig configures the polling price endpoint.
type HTTPSourceConfig struct {
	BaseURL     string
	APIKey      string
	Interval    string
	Aggregation string
	Timeout     time.Duration
	RateLimit   rate.Limit
	RateBurst   int
}

// HTTPSource polls the oracle's REST endpoint. One GET per pair, path
// `{base}/{base-asset}/{quote}`, quoted as a hex mantissa plus decimals.
type HTTPSource struct {
	baseURL     string
	apiKey      string
	interval    string
	aggregation string
	http        *http.Client
	limiter     *rate.Limiter
}

// NewHTTPSource validates the endpoint configuration and builds the client.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("price endpoint base url is required")
	}
	if cfg.Interval == "" {
		cfg.Interval = defaultInterval
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = defaultAggregation
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &HTTPSource{
		baseURL:     base,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		interval:    cfg.Interval,
		aggregation: cfg.Aggregation,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}, nil
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http" }

// FetchUSD implements Source for pairs like "ETH/USD".
func (s *HTTPSource) FetchUSD(ctx context.Context, pair string) (pricing.Price, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return pricing.Price{}, err
		}
	}
	query := url.Values{}
	query.Set("interval", s.interval)
	query.Set("aggregation", s.aggregation)
	endpoint := fmt.Sprintf("%s/%s?%s", s.baseURL, strings.ToLower(pair), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pricing.Price{}, fmt.Errorf("build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return pricing.Price{}, fmt.Errorf("fetch %s: %w", pair, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return pricing.Price{}, fmt.Errorf("fetch %s: unexpected status %s", pair, resp.Status)
	}

	var payload struct {
		Price    string `json:"price"`
		Decimals uint32 `json:"decimals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return pricing.Price{}, fmt.Errorf("fetch %s: decode response: %w", pair, err)
	}
	mantissa, err := hexutil.DecodeBig(payload.Price)
	if err != nil {
		return pricing.Price{}, fmt.Errorf("fetch %s: parse price %q: %w", pair, payload.Price, err)
	}
	if mantissa.Sign() <= 0 {
		return pricing.Price{}, fmt.Errorf("fetch %s: non-positive price", pair)
	}
	return pricing.Price{
		Value:    decimal.NewFromBigInt(mantissa, -int32(payload.Decimals)),
		Decimals: payload.Decimals,
	}, nil
}
