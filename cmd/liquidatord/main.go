package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"liquidatord/chain"
	"liquidatord/config"
	"liquidatord/indexer"
	"liquidatord/ledger"
	"liquidatord/monitor"
	"liquidatord/observability/logging"
	telemetry "liquidatord/observability/otel"
	"liquidatord/oracle"
	"liquidatord/position"
	"liquidatord/pricing"
	"liquidatord/server"
	"liquidatord/storage"
	"liquidatord/swap"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "liquidatord.yaml", "path to liquidatord configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liquidatord: load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv("LIQUIDATORD_ENV"))
	logger := logging.SetupWith("liquidatord", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("liquidatord: exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "liquidatord",
			Environment: strings.TrimSpace(os.Getenv("LIQUIDATORD_ENV")),
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	profile, err := config.LoadProfile(cfg.Network, cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load network profile: %w", err)
	}

	backend, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	snapshot, err := backend.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = storage.NewSnapshot()
	}
	store := position.NewStore()
	store.Restore(snapshot.Positions)
	startBlock := cfg.Stream.StartingBlock
	if snapshot.LastBlockIndexed > 0 {
		startBlock = snapshot.LastBlockIndexed
		logger.Info("liquidatord: resuming from snapshot",
			"positions", len(snapshot.Positions),
			"block", startBlock)
	}

	cache := pricing.NewCache(profile.Tickers())

	chainClient, err := chain.NewClient(chain.Config{
		BaseURL:         cfg.RPC.URL,
		ProtocolAddress: profile.Protocol,
		Timeout:         cfg.RPC.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	signer, err := chain.NewRemoteSigner(chain.SignerConfig{
		BaseURL:         cfg.Signer.URL,
		BearerToken:     cfg.Signer.Token,
		ProtocolAddress: profile.Protocol,
		Timeout:         cfg.Signer.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("remote signer: %w", err)
	}
	quoter, err := swap.NewClient(swap.Config{
		BaseURL:   cfg.Swap.URL,
		Timeout:   cfg.Swap.Timeout.Duration,
		RateLimit: cfg.Swap.RateLimit,
		RateBurst: cfg.Swap.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("swap client: %w", err)
	}

	attempts, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer attempts.Close()

	feeds := make([]oracle.Feed, 0, len(profile.Assets))
	for _, asset := range profile.Assets {
		feeds = append(feeds, oracle.Feed{
			Ticker:        asset.Ticker,
			Pair:          asset.Pair,
			PriceDecimals: asset.PriceDecimals,
		})
	}
	source, err := oracle.NewHTTPSource(oracle.HTTPSourceConfig{
		BaseURL:     cfg.Oracle.Endpoint,
		APIKey:      cfg.Oracle.APIKey,
		Interval:    cfg.Oracle.PriceInterval,
		Aggregation: cfg.Oracle.Aggregation,
		Timeout:     cfg.Oracle.Timeout.Duration,
		RateLimit:   rateLimit(cfg.Oracle.RateLimit),
		RateBurst:   cfg.Oracle.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("oracle source: %w", err)
	}
	oracleOpts := []oracle.Option{oracle.WithLogger(logger)}
	if cfg.Oracle.Mode == "push" {
		push, err := oracle.NewPushClient(oracle.PushClientConfig{
			URL:    cfg.Oracle.PushURL,
			APIKey: cfg.Oracle.APIKey,
		}, cache, feeds, logger)
		if err != nil {
			return fmt.Errorf("oracle push client: %w", err)
		}
		oracleOpts = append(oracleOpts, oracle.WithPush(push))
	}
	prices, err := oracle.New(cache, source, feeds, cfg.Oracle.RefreshInterval.Duration, oracleOpts...)
	if err != nil {
		return fmt.Errorf("oracle service: %w", err)
	}

	updates := make(chan monitor.Update, cfg.Stream.Buffer)
	idx, err := indexer.New(indexer.Config{
		StreamURL:     cfg.Stream.URL,
		BearerToken:   cfg.Stream.Token,
		Contract:      profile.Protocol,
		EventSelector: profile.EventSelector,
		StartingBlock: startBlock,
		Assets:        profile.AssetMap(),
	}, chainClient, updates, logger)
	if err != nil {
		return fmt.Errorf("indexer: %w", err)
	}

	engine, err := monitor.New(monitor.Config{
		SweepInterval:     cfg.Engine.SweepInterval.Duration,
		Mode:              cfg.Engine.Mode,
		AlmostMargin:      mustDecimal(cfg.Engine.AlmostMargin),
		MinProfitUSD:      mustDecimal(cfg.Engine.MinProfitUSD),
		Recipient:         cfg.Engine.Recipient,
		CollateralHaircut: mustDecimal(cfg.Engine.CollateralHaircut),
		FeeTicker:         cfg.Engine.FeeTicker,
	}, monitor.Deps{
		Store:   store,
		Prices:  cache,
		Chain:   chainClient,
		Quoter:  quoter,
		Invoker: signer,
		Ledger:  attempts,
		Backend: backend,
		Updates: updates,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("monitoring engine: %w", err)
	}

	ops, err := server.New(server.Config{
		ListenAddress: cfg.Server.Listen,
		AdminToken:    cfg.Server.AdminToken,
		ExportDir:     cfg.Ledger.ExportDir,
	}, engine, prices, attempts, logger)
	if err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	// Prices must exist before the first sweep can tell safe from
	// liquidatable; an unseeded cache would mark everything unevaluable.
	if err := prices.Seed(ctx); err != nil {
		return fmt.Errorf("seed price cache: %w", err)
	}
	logger.Info("liquidatord: price cache seeded", "tickers", cache.Len())

	errCh := make(chan error, 4)
	spawn := func(name string, run func(context.Context) error) {
		go func() {
			err := run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}()
	}

	spawn("oracle", prices.Run)
	spawn("indexer", idx.Run)
	spawn("server", ops.Run)
	go func() {
		// Let the indexer replay recent history before sweeping, so the
		// first evaluation sees the tracked set rather than a sliver.
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-time.After(cfg.Stream.WarmUp.Duration):
		}
		logger.Info("liquidatord: warm-up complete, monitoring started")
		err := engine.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("engine: %w", err)
		}
		errCh <- err
	}()

	// Any single service failing takes the process down: monitoring
	// without indexing (or pricing) is not a supported degraded mode.
	err = <-errCh
	stop()
	return err
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

func mustDecimal(raw string) decimal.Decimal {
	// Validated at config load; a parse failure here is a programming
	// error.
	return decimal.RequireFromString(raw)
}
