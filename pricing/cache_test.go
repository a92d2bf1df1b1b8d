package pricing

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCacheSeedsUnknownPrices(t *testing.T) {
	c := NewCache([]string{"ETH", "usdc", " wbtc "})
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}

	price, ok := c.Get("WBTC")
	if !ok {
		t.Fatalf("seeded ticker missing")
	}
	if price.Known() {
		t.Fatalf("seeded price should be unknown")
	}

	if _, ok := c.Get("DOGE"); ok {
		t.Fatalf("untracked ticker reported present")
	}
}

func TestCacheSetOverwrites(t *testing.T) {
	c := NewCache([]string{"ETH"})
	c.Set("eth", Price{Value: decimal.RequireFromString("2543.17"), Decimals: 8})

	price, ok := c.Get("ETH")
	if !ok || !price.Known() {
		t.Fatalf("expected known price after set")
	}
	if !price.Value.Equal(decimal.RequireFromString("2543.17")) {
		t.Fatalf("price = %s", price.Value)
	}
	if price.Decimals != 8 {
		t.Fatalf("decimals = %d, want 8", price.Decimals)
	}
}

func TestCacheZeroPriceStaysUnknown(t *testing.T) {
	c := NewCache([]string{"ETH"})
	c.Set("ETH", Price{Value: decimal.Zero, Decimals: 8})

	price, _ := c.Get("ETH")
	if price.Known() {
		t.Fatalf("zero price must remain unknown")
	}
}

func TestCacheConcurrentReadersOneWriter(t *testing.T) {
	c := NewCache([]string{"ETH", "USDC", "WBTC", "STRK"})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.Set("ETH", Price{Value: decimal.NewFromInt(int64(i + 1)), Decimals: 8})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				for _, ticker := range c.Tickers() {
					c.Get(ticker)
				}
			}
		}()
	}
	wg.Wait()

	price, _ := c.Get("ETH")
	if !price.Known() {
		t.Fatalf("expected a known price after writes")
	}
}
