// Package config loads the daemon's YAML configuration and the per-network
// TOML profiles. Secrets never live in the file itself: the config names
// the environment variable that carries each credential and Load resolves
// them once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for liquidatord.
type Config struct {
	Network     string          `yaml:"network"`
	ProfilePath string          `yaml:"profile"`
	Logging     LoggingConfig   `yaml:"logging"`
	RPC         RPCConfig       `yaml:"rpc"`
	Stream      StreamConfig    `yaml:"stream"`
	Oracle      OracleConfig    `yaml:"oracle"`
	Signer      SignerConfig    `yaml:"signer"`
	Swap        SwapConfig      `yaml:"swap"`
	Storage     StorageConfig   `yaml:"storage"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Engine      EngineConfig    `yaml:"engine"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig tunes the process logger and its optional file sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RPCConfig points at the chain's JSON-RPC endpoint.
type RPCConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// StreamConfig wires the indexer to the filtered event stream.
type StreamConfig struct {
	URL           string   `yaml:"url"`
	TokenEnv      string   `yaml:"token_env"`
	StartingBlock uint64   `yaml:"starting_block"`
	WarmUp        Duration `yaml:"warm_up"`
	Buffer        int      `yaml:"buffer"`

	// Token is resolved from TokenEnv at load time.
	Token string `yaml:"-"`
}

// OracleConfig selects and tunes the price refresh strategy.
type OracleConfig struct {
	Mode            string   `yaml:"mode"`
	Endpoint        string   `yaml:"endpoint"`
	PushURL         string   `yaml:"push_url"`
	APIKeyEnv       string   `yaml:"api_key_env"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	PriceInterval   string   `yaml:"price_interval"`
	Aggregation     string   `yaml:"aggregation"`
	Timeout         Duration `yaml:"timeout"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`

	APIKey string `yaml:"-"`
}

// SignerConfig points at the remote signer daemon.
type SignerConfig struct {
	URL      string   `yaml:"url"`
	TokenEnv string   `yaml:"token_env"`
	Timeout  Duration `yaml:"timeout"`

	Token string `yaml:"-"`
}

// SwapConfig tunes the swap-route quote client.
type SwapConfig struct {
	URL       string   `yaml:"url"`
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rate_limit"`
	RateBurst int      `yaml:"rate_burst"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LedgerConfig selects the attempt ledger database.
type LedgerConfig struct {
	DSN       string `yaml:"dsn"`
	ExportDir string `yaml:"export_dir"`
}

// EngineConfig tunes sweep cadence and execution policy.
type EngineConfig struct {
	SweepInterval     Duration `yaml:"sweep_interval"`
	Mode              string   `yaml:"mode"`
	AlmostMargin      string   `yaml:"almost_margin"`
	MinProfitUSD      string   `yaml:"min_profit_usd"`
	Recipient         string   `yaml:"recipient"`
	CollateralHaircut string   `yaml:"collateral_haircut"`
	FeeTicker         string   `yaml:"fee_ticker"`
}

// ServerConfig tunes the ops HTTP server.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	AdminTokenEnv string `yaml:"admin_token_env"`

	AdminToken string `yaml:"-"`
}

// TelemetryConfig wires the optional OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads configuration from the supplied path, applies defaults,
// resolves secrets from the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := resolveSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.RPC.Timeout.Duration == 0 {
		cfg.RPC.Timeout.Duration = 10 * time.Second
	}
	if cfg.Stream.WarmUp.Duration == 0 {
		cfg.Stream.WarmUp.Duration = 15 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 1024
	}
	if cfg.Oracle.Mode == "" {
		cfg.Oracle.Mode = "poll"
	}
	if cfg.Oracle.RefreshInterval.Duration == 0 {
		cfg.Oracle.RefreshInterval.Duration = 3 * time.Second
	}
	if cfg.Oracle.PriceInterval == "" {
		cfg.Oracle.PriceInterval = "1min"
	}
	if cfg.Oracle.Aggregation == "" {
		cfg.Oracle.Aggregation = "median"
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 10 * time.Second
	}
	if cfg.Signer.Timeout.Duration == 0 {
		cfg.Signer.Timeout.Duration = 30 * time.Second
	}
	if cfg.Swap.Timeout.Duration == 0 {
		cfg.Swap.Timeout.Duration = 10 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "memory" {
		cfg.Storage.Path = "data/snapshot.json"
	}
	if cfg.Ledger.DSN == "" {
		cfg.Ledger.DSN = "data/ledger.sqlite"
	}
	if cfg.Ledger.ExportDir == "" {
		cfg.Ledger.ExportDir = "data/exports"
	}
	if cfg.Engine.SweepInterval.Duration == 0 {
		cfg.Engine.SweepInterval.Duration = 10 * time.Second
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = "full"
	}
	if cfg.Engine.AlmostMargin == "" {
		cfg.Engine.AlmostMargin = "0.02"
	}
	if cfg.Engine.MinProfitUSD == "" {
		cfg.Engine.MinProfitUSD = "0"
	}
	if cfg.Engine.CollateralHaircut == "" {
		cfg.Engine.CollateralHaircut = "0.90"
	}
	if cfg.Engine.FeeTicker == "" {
		cfg.Engine.FeeTicker = "ETH"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9464"
	}
}

// resolveSecrets reads every credential named by a *_env field. A named
// variable that is unset is a configuration error: failing fast beats a
// daemon that silently runs unauthenticated.
func resolveSecrets(cfg *Config) error {
	var err error
	if cfg.Stream.Token, err = secretFromEnv(cfg.Stream.TokenEnv, "stream.token_env"); err != nil {
		return err
	}
	if cfg.Oracle.APIKey, err = secretFromEnv(cfg.Oracle.APIKeyEnv, "oracle.api_key_env"); err != nil {
		return err
	}
	if cfg.Signer.Token, err = secretFromEnv(cfg.Signer.TokenEnv, "signer.token_env"); err != nil {
		return err
	}
	if cfg.Server.AdminToken, err = secretFromEnv(cfg.Server.AdminTokenEnv, "server.admin_token_env"); err != nil {
		return err
	}
	return nil
}

func secretFromEnv(name, field string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%s: environment variable %s is not set", field, name)
	}
	return value, nil
}

// Validate checks the configuration for values the daemon cannot start
// without.
func Validate(cfg Config) error {
	if cfg.Network == "" && cfg.ProfilePath == "" {
		return fmt.Errorf("network or profile path is required")
	}
	if strings.TrimSpace(cfg.RPC.URL) == "" {
		return fmt.Errorf("rpc.url is required")
	}
	if strings.TrimSpace(cfg.Stream.URL) == "" {
		return fmt.Errorf("stream.url is required")
	}
	if strings.TrimSpace(cfg.Signer.URL) == "" {
		return fmt.Errorf("signer.url is required")
	}
	if strings.TrimSpace(cfg.Swap.URL) == "" {
		return fmt.Errorf("swap.url is required")
	}
	switch cfg.Oracle.Mode {
	case "poll":
		if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
			return fmt.Errorf("oracle.endpoint is required in poll mode")
		}
	case "push":
		if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
			return fmt.Errorf("oracle.endpoint is required for the seed pass")
		}
		if strings.TrimSpace(cfg.Oracle.PushURL) == "" {
			return fmt.Errorf("oracle.push_url is required in push mode")
		}
	default:
		return fmt.Errorf("oracle.mode must be poll or push, got %q", cfg.Oracle.Mode)
	}
	switch cfg.Storage.Driver {
	case "file", "leveldb":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be file, leveldb, or memory, got %q", cfg.Storage.Driver)
	}
	if cfg.Engine.Mode != "full" && cfg.Engine.Mode != "partial" {
		return fmt.Errorf("engine.mode must be full or partial, got %q", cfg.Engine.Mode)
	}
	if strings.TrimSpace(cfg.Engine.Recipient) == "" {
		return fmt.Errorf("engine.recipient is required")
	}
	for field, raw := range map[string]string{
		"engine.almost_margin":      cfg.Engine.AlmostMargin,
		"engine.min_profit_usd":     cfg.Engine.MinProfitUSD,
		"engine.collateral_haircut": cfg.Engine.CollateralHaircut,
	} {
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}
