package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"liquidatord/pricing"
)

func shortStringFelt(s string) *big.Int {
	return new(big.Int).SetBytes([]byte(s))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// pushServer accepts one subscriber, reports the subscribe frame, writes
// every fixture frame, then closes the stream.
func pushServer(t *testing.T, apiKey string, frames []string, subscribed chan<- subscribeRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != apiKey {
			t.Errorf("unexpected api key %q", got)
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		var sub subscribeRequest
		if err := json.Unmarshal(data, &sub); err != nil {
			t.Errorf("decode subscribe: %v", err)
			return
		}
		subscribed <- sub

		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}
	}))
}

func TestPushClientAppliesQuotes(t *testing.T) {
	frames := []string{
		fmt.Sprintf(`{"oracle_prices":[{"global_asset_id":%s,"median_price":"450000000000"},{"global_asset_id":%s,"median_price":"9500000000000"}],"timestamp":1724500000}`,
			shortStringFelt("ETH/USD"), shortStringFelt("BTC/USD")),
		fmt.Sprintf(`{"oracle_prices":[{"global_asset_id":%s,"median_price":"1"},{"global_asset_id":%s,"median_price":"452100000000"}]}`,
			shortStringFelt("DOGE/USD"), shortStringFelt("ETH/USD")),
	}
	subscribed := make(chan subscribeRequest, 1)
	srv := pushServer(t, "stream-key", frames, subscribed)
	defer srv.Close()

	cache := pricing.NewCache([]string{"ETH", "BTC"})
	client, err := NewPushClient(PushClientConfig{URL: wsAddr(srv), APIKey: "stream-key"}, cache, []Feed{
		{Ticker: "ETH", Pair: "ETH/USD"},
		{Ticker: "BTC", Pair: "BTC/USD"},
	}, nil)
	if err != nil {
		t.Fatalf("new push client: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	select {
	case sub := <-subscribed:
		if sub.MsgType != "subscribe" {
			t.Fatalf("unexpected msg_type %q", sub.MsgType)
		}
		if len(sub.Pairs) != 2 || sub.Pairs[0] != "BTC/USD" || sub.Pairs[1] != "ETH/USD" {
			t.Fatalf("unexpected pairs %v", sub.Pairs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no subscribe frame received")
	}

	// The stream ends after the fixture frames, which must surface as an
	// error: a dead subscription is never silently tolerated.
	select {
	case err := <-runErr:
		if err == nil {
			t.Fatalf("expected stream death error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stream close")
	}

	eth, ok := cache.Get("ETH")
	if !ok || !eth.Value.Equal(decimal.RequireFromString("4521")) {
		t.Fatalf("unexpected ETH price %s", eth.Value)
	}
	btc, ok := cache.Get("BTC")
	if !ok || !btc.Value.Equal(decimal.RequireFromString("95000")) {
		t.Fatalf("unexpected BTC price %s", btc.Value)
	}
	if _, tracked := cache.Get("DOGE"); tracked {
		t.Fatalf("untracked pair must not enter the cache")
	}
}

func TestPushClientHonorsContext(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var sub subscribeRequest
		if err := json.Unmarshal(data, &sub); err == nil {
			subscribed <- sub
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cache := pricing.NewCache([]string{"ETH"})
	client, err := NewPushClient(PushClientConfig{URL: wsAddr(srv)}, cache, []Feed{{Ticker: "ETH"}}, nil)
	if err != nil {
		t.Fatalf("new push client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatalf("no subscribe frame received")
	}
	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestNewPushClientValidation(t *testing.T) {
	cache := pricing.NewCache([]string{"ETH"})
	feeds := []Feed{{Ticker: "ETH"}}

	if _, err := NewPushClient(PushClientConfig{}, cache, feeds, nil); err == nil {
		t.Fatalf("expected error for missing url")
	}
	if _, err := NewPushClient(PushClientConfig{URL: "ws://oracle"}, nil, feeds, nil); err == nil {
		t.Fatalf("expected error for nil cache")
	}
	if _, err := NewPushClient(PushClientConfig{URL: "ws://oracle"}, cache, nil, nil); err == nil {
		t.Fatalf("expected error for empty feeds")
	}
}

func TestWireIntForms(t *testing.T) {
	type doc struct {
		V wireInt `json:"v"`
	}
	cases := []struct {
		name string
		in   string
		want *big.Int
	}{
		{name: "bare number beyond float64", in: `{"v":19514442401534788}`, want: shortStringFelt("ETH/USD")},
		{name: "quoted decimal", in: `{"v":"450000000000"}`, want: big.NewInt(450_000_000_000)},
		{name: "quoted hex", in: `{"v":"0x4554482f555344"}`, want: shortStringFelt("ETH/USD")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d doc
			if err := json.Unmarshal([]byte(tc.in), &d); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if d.V.value.Cmp(tc.want) != 0 {
				t.Fatalf("got %s, want %s", d.V.value, tc.want)
			}
		})
	}

	for _, bad := range []string{`{"v":"xyz"}`, `{"v":""}`, `{"v":"0xzz"}`} {
		var d doc
		if err := json.Unmarshal([]byte(bad), &d); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestDecodeShortString(t *testing.T) {
	if got := decodeShortString(shortStringFelt("ETH/USD")); got != "ETH/USD" {
		t.Fatalf("unexpected decode %q", got)
	}
	if got := decodeShortString(nil); got != "" {
		t.Fatalf("nil must decode empty, got %q", got)
	}
	if got := decodeShortString(big.NewInt(0)); got != "" {
		t.Fatalf("zero must decode empty, got %q", got)
	}
	if got := decodeShortString(big.NewInt(0x01_45_54)); got != "" {
		t.Fatalf("non-printable bytes must decode empty, got %q", got)
	}
}
