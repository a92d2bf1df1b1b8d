package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
rpc:
  url: https://rpc.example
stream:
  url: wss://stream.example
oracle:
  endpoint: https://prices.example/v1/data
signer:
  url: https://signer.example
swap:
  url: https://router.example
engine:
  recipient: "0xabc123"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != "mainnet" {
		t.Fatalf("expected default network mainnet, got %q", cfg.Network)
	}
	if cfg.Stream.WarmUp.Duration != 15*time.Second {
		t.Fatalf("expected 15s warm-up default, got %s", cfg.Stream.WarmUp.Duration)
	}
	if cfg.Stream.Buffer != 1024 {
		t.Fatalf("expected 1024 channel buffer default, got %d", cfg.Stream.Buffer)
	}
	if cfg.Oracle.Mode != "poll" {
		t.Fatalf("expected poll mode default, got %q", cfg.Oracle.Mode)
	}
	if cfg.Oracle.PriceInterval != "1min" || cfg.Oracle.Aggregation != "median" {
		t.Fatalf("unexpected oracle query defaults: %q %q", cfg.Oracle.PriceInterval, cfg.Oracle.Aggregation)
	}
	if cfg.Engine.SweepInterval.Duration != 10*time.Second {
		t.Fatalf("expected 10s sweep default, got %s", cfg.Engine.SweepInterval.Duration)
	}
	if cfg.Engine.Mode != "full" {
		t.Fatalf("expected full mode default, got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.AlmostMargin != "0.02" || cfg.Engine.CollateralHaircut != "0.90" {
		t.Fatalf("unexpected policy defaults: %q %q", cfg.Engine.AlmostMargin, cfg.Engine.CollateralHaircut)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path == "" {
		t.Fatalf("unexpected storage defaults: %q %q", cfg.Storage.Driver, cfg.Storage.Path)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	body := strings.Replace(minimalConfig, "engine:\n  recipient: \"0xabc123\"\n",
		"engine:\n  recipient: \"0xabc123\"\n  sweep_interval: 2s\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SweepInterval.Duration != 2*time.Second {
		t.Fatalf("expected 2s sweep interval, got %s", cfg.Engine.SweepInterval.Duration)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, minimalConfig+"\nbogus: true\n")); err == nil {
		t.Fatal("expected strict decode to reject unknown key")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	body := strings.Replace(minimalConfig, "url: https://rpc.example",
		"url: https://rpc.example\n  timeout: soon", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected duration parse failure")
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	t.Setenv("TEST_ORACLE_KEY", "hunter2")
	body := strings.Replace(minimalConfig, "endpoint: https://prices.example/v1/data",
		"endpoint: https://prices.example/v1/data\n  api_key_env: TEST_ORACLE_KEY", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.APIKey != "hunter2" {
		t.Fatalf("expected resolved api key, got %q", cfg.Oracle.APIKey)
	}
}

func TestLoadFailsOnMissingSecret(t *testing.T) {
	body := strings.Replace(minimalConfig, "endpoint: https://prices.example/v1/data",
		"endpoint: https://prices.example/v1/data\n  api_key_env: TEST_ORACLE_KEY_UNSET", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected missing environment variable to fail load")
	}
}

func TestValidateFailures(t *testing.T) {
	base := func() Config {
		cfg, err := Load(writeConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.RPC.URL = "" }},
		{"missing stream url", func(c *Config) { c.Stream.URL = "" }},
		{"missing signer url", func(c *Config) { c.Signer.URL = "" }},
		{"missing recipient", func(c *Config) { c.Engine.Recipient = "" }},
		{"bad liquidation mode", func(c *Config) { c.Engine.Mode = "both" }},
		{"bad oracle mode", func(c *Config) { c.Oracle.Mode = "stream" }},
		{"push without url", func(c *Config) { c.Oracle.Mode = "push" }},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "redis" }},
		{"leveldb without path", func(c *Config) { c.Storage.Driver = "leveldb"; c.Storage.Path = "" }},
		{"bad margin", func(c *Config) { c.Engine.AlmostMargin = "two percent" }},
		{"bad profit floor", func(c *Config) { c.Engine.MinProfitUSD = "$5" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
}
