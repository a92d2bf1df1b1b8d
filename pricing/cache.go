package pricing

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Price is one cache entry: the latest USD price for a ticker and the
// decimal precision it was quoted at. A zero value means the price is not
// yet known and must never be used as a real quote.
type Price struct {
	Value    decimal.Decimal
	Decimals uint32
}

// Known reports whether the entry holds a real quote.
func (p Price) Known() bool {
	return p.Value.IsPositive()
}

const cacheShards = 8

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]Price
}

// Cache maps asset tickers to their latest USD price. It is seeded with
// every tracked ticker at startup (price zero, "not yet known"), written
// only by the oracle service, and read by everything downstream. Sharded
// so one ticker's write never contends with reads of the others.
type Cache struct {
	shards [cacheShards]*cacheShard
}

// NewCache seeds a cache with unknown prices for the supplied tickers.
func NewCache(tickers []string) *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]Price)}
	}
	for _, ticker := range tickers {
		normalized := normalizeTicker(ticker)
		if normalized == "" {
			continue
		}
		sh := c.shardFor(normalized)
		sh.entries[normalized] = Price{}
	}
	return c
}

func (c *Cache) shardFor(ticker string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(ticker))
	return c.shards[h.Sum32()%cacheShards]
}

// Get returns the entry for ticker. The second return is false when the
// ticker is not tracked at all.
func (c *Cache) Get(ticker string) (Price, bool) {
	normalized := normalizeTicker(ticker)
	sh := c.shardFor(normalized)
	sh.mu.RLock()
	price, ok := sh.entries[normalized]
	sh.mu.RUnlock()
	return price, ok
}

// Set overwrites the entry for ticker. Unknown tickers are accepted so the
// oracle can track assets added to the profile at startup.
func (c *Cache) Set(ticker string, price Price) {
	normalized := normalizeTicker(ticker)
	if normalized == "" {
		return
	}
	sh := c.shardFor(normalized)
	sh.mu.Lock()
	sh.entries[normalized] = price
	sh.mu.Unlock()
}

// Tickers returns the tracked tickers in no particular order.
func (c *Cache) Tickers() []string {
	out := make([]string, 0, c.Len())
	for _, sh := range c.shards {
		sh.mu.RLock()
		for ticker := range sh.entries {
			out = append(out, ticker)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len reports the number of tracked tickers.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
