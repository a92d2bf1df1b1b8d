package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"liquidatord/chain"
	"liquidatord/observability"
	"liquidatord/pricing"
)

const (
	pushSourceName   = "push"
	pushWriteTimeout = 10 * time.Second
)

type subscribeRequest struct {
	MsgType string   `json:"msg_type"`
	Pairs   []string `json:"pairs"`
}

type pushFrame struct {
	OraclePrices []pushQuote `json:"oracle_prices"`
}

type pushQuote struct {
	GlobalAssetID wireInt `json:"global_asset_id"`
	MedianPrice   wireInt `json:"median_price"`
}

// wireInt is an integer the gateway delivers bare, quoted, or as hex.
// Asset ids and prices overflow float64 precision, so decoding never
// goes through a JSON number.
type wireInt struct {
	value *big.Int
}

func (w *wireInt) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	text = strings.Trim(text, `"`)
	if text == "" || text == "null" {
		return fmt.Errorf("empty integer")
	}
	if strings.HasPrefix(strings.ToLower(text), "0x") {
		v, err := chain.ParseFelt(text)
		if err != nil {
			return err
		}
		w.value = v
		return nil
	}
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return fmt.Errorf("malformed integer %q", text)
	}
	w.value = v
	return nil
}

// decodeShortString renders a felt-encoded ASCII name such as "ETH/USD".
// Non-printable bytes mean the value was never a short string.
func decodeShortString(v *big.Int) string {
	if v == nil || v.Sign() <= 0 {
		return ""
	}
	raw := v.Bytes()
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return ""
		}
	}
	return string(raw)
}

// PushClientConfig configures the price subscription.
type PushClientConfig struct {
	URL    string
	APIKey string
}

// PushClient holds one WebSocket subscription and applies inbound quotes
// to the cache. A dead subscription is fatal: Run returns an error and the
// supervisor restarts the whole process rather than limping on stale data.
type PushClient struct {
	url     string
	apiKey  string
	logger  *slog.Logger
	cache   *pricing.Cache
	feeds   map[string]Feed
	pairs   []string
	metrics *observability.OracleMetrics
}

// NewPushClient validates the subscription config and indexes the feeds.
func NewPushClient(cfg PushClientConfig, cache *pricing.Cache, feeds []Feed, logger *slog.Logger) (*PushClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("push url is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("price cache is required")
	}
	normalized, err := normalizeFeeds(feeds)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one feed is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	byTicker := make(map[string]Feed, len(normalized))
	pairs := make([]string, 0, len(normalized))
	for _, feed := range normalized {
		byTicker[feed.Ticker] = feed
		pairs = append(pairs, feed.Pair)
	}
	sort.Strings(pairs)
	return &PushClient{
		url:     strings.TrimSpace(cfg.URL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		logger:  logger,
		cache:   cache,
		feeds:   byTicker,
		pairs:   pairs,
		metrics: observability.Oracle(),
	}, nil
}

// Run dials, subscribes, and consumes quote frames until the context is
// cancelled or the stream dies.
func (c *PushClient) Run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, c.dialOptions())
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	if err := c.subscribe(ctx, conn); err != nil {
		return err
	}
	c.logger.Info("oracle: price stream subscribed", "pairs", len(c.pairs))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("price stream closed: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *PushClient) dialOptions() *websocket.DialOptions {
	if c.apiKey == "" {
		return nil
	}
	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	return &websocket.DialOptions{HTTPHeader: header}
}

func (c *PushClient) subscribe(ctx context.Context, conn *websocket.Conn) error {
	payload, err := json.Marshal(subscribeRequest{MsgType: "subscribe", Pairs: c.pairs})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("subscribe price stream: %w", err)
	}
	return nil
}

// handleFrame applies every quote in one inbound message. The asset id is
// a short string like "ETH/USD"; stripping the quote suffix yields the
// cache ticker. Quotes for untracked pairs are skipped.
func (c *PushClient) handleFrame(data []byte) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("oracle: malformed price frame", "error", err)
		return
	}
	for _, quote := range frame.OraclePrices {
		pair := decodeShortString(quote.GlobalAssetID.value)
		ticker := strings.TrimSuffix(strings.ToUpper(pair), usdSuffix)
		feed, ok := c.feeds[ticker]
		if !ok {
			c.logger.Debug("oracle: quote for untracked pair", "pair", pair)
			continue
		}
		if quote.MedianPrice.value == nil || quote.MedianPrice.value.Sign() <= 0 {
			c.metrics.RecordRefresh(pushSourceName, feed.Ticker, fmt.Errorf("non-positive price"))
			c.logger.Warn("oracle: non-positive push quote", "ticker", feed.Ticker)
			continue
		}
		price := pricing.Price{
			Value:    decimal.NewFromBigInt(quote.MedianPrice.value, -int32(feed.PriceDecimals)),
			Decimals: feed.PriceDecimals,
		}
		c.cache.Set(feed.Ticker, price)
		c.metrics.RecordRefresh(pushSourceName, feed.Ticker, nil)
		c.metrics.SetPrice(feed.Ticker, price.Value.InexactFloat64())
	}
}
