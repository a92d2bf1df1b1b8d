// Package oracle keeps the shared price cache fresh, either by polling the
// price endpoint on a fixed interval or by holding a push subscription.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liquidatord/observability"
	"liquidatord/pricing"
)

const defaultPollInterval = 3 * time.Second

// Service owns every price write. It refreshes all configured feeds in one
// fan-out pass; a single feed's failure keeps its stale cache entry and
// never blocks the others.
type Service struct {
	logger   *slog.Logger
	cache    *pricing.Cache
	source   Source
	push     *PushClient
	feeds    []Feed
	interval time.Duration
	seeded   atomic.Bool
	metrics  *observability.OracleMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPush switches Run from polling to the given push subscription.
// Seeding still goes through the polling source.
func WithPush(p *PushClient) Option {
	return func(s *Service) {
		s.push = p
	}
}

// New constructs the service around an already seeded-with-unknowns cache.
func New(cache *pricing.Cache, source Source, feeds []Feed, interval time.Duration, opts ...Option) (*Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("price cache is required")
	}
	if source == nil {
		return nil, fmt.Errorf("price source is required")
	}
	normalized, err := normalizeFeeds(feeds)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one feed is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	svc := &Service{
		logger:   slog.Default(),
		cache:    cache,
		source:   source,
		feeds:    normalized,
		interval: interval,
		metrics:  observability.Oracle(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// Seed performs one full polling pass so positions become evaluable before
// monitoring starts. It fails only when no feed could be priced at all;
// partial outages degrade to unknown prices for the affected assets.
func (s *Service) Seed(ctx context.Context) error {
	fetched := s.refreshAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if fetched == 0 {
		return fmt.Errorf("seed pass failed for all %d feeds", len(s.feeds))
	}
	s.seeded.Store(true)
	s.logger.Info("oracle: price cache seeded", "feeds", len(s.feeds), "fetched", fetched)
	return nil
}

// Seeded reports whether the startup pass has completed.
func (s *Service) Seeded() bool {
	return s.seeded.Load()
}

// Run blocks until the context is cancelled or, in push mode, until the
// subscription dies. Push streams are not redialed.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("oracle service not configured")
	}
	if s.push != nil {
		return s.push.Run(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("oracle: polling started", "feeds", len(s.feeds), "interval", s.interval)
	for {
		s.refreshAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refreshAll fans one fetch per feed out, joins them, and reports how many
// succeeded. Failed feeds keep whatever the cache already holds.
func (s *Service) refreshAll(ctx context.Context) int {
	started := time.Now()
	var fetched atomic.Int64
	var wg sync.WaitGroup
	for _, feed := range s.feeds {
		wg.Add(1)
		go func(feed Feed) {
			defer wg.Done()
			price, err := s.source.FetchUSD(ctx, feed.Pair)
			s.metrics.RecordRefresh(s.source.Name(), feed.Ticker, err)
			if err != nil {
				s.logger.Warn("oracle: price refresh failed",
					"ticker", feed.Ticker, "pair", feed.Pair, "error", err)
				return
			}
			s.cache.Set(feed.Ticker, price)
			s.metrics.SetPrice(feed.Ticker, price.Value.InexactFloat64())
			fetched.Add(1)
		}(feed)
	}
	wg.Wait()
	s.metrics.ObservePass(s.source.Name(), time.Since(started))
	return int(fetched.Load())
}
