package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfileEmbeddedMainnet(t *testing.T) {
	profile, err := LoadProfile("mainnet", "")
	if err != nil {
		t.Fatalf("load mainnet profile: %v", err)
	}
	if profile.Protocol == "" || profile.EventSelector == "" {
		t.Fatal("mainnet profile missing contract registry")
	}
	if len(profile.Assets) < 6 {
		t.Fatalf("expected full mainnet asset list, got %d", len(profile.Assets))
	}

	assets := profile.AssetMap()
	if len(assets) != len(profile.Assets) {
		t.Fatalf("asset map dropped entries: %d != %d", len(assets), len(profile.Assets))
	}
	// Map keys are canonical minimal hex, matching event key rendering.
	eth, ok := assets["0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"]
	if !ok {
		t.Fatal("ETH missing under canonical address key")
	}
	if eth.Name != "ETH" || eth.Decimals != 18 {
		t.Fatalf("unexpected ETH metadata: %+v", eth)
	}
	if !eth.Amount.IsZero() {
		t.Fatal("profile assets must start with zero amounts")
	}
}

func TestLoadProfileEmbeddedSepolia(t *testing.T) {
	profile, err := LoadProfile("sepolia", "")
	if err != nil {
		t.Fatalf("load sepolia profile: %v", err)
	}
	if len(profile.Tickers()) == 0 {
		t.Fatal("sepolia profile has no tickers")
	}
}

func TestLoadProfileUnknownNetwork(t *testing.T) {
	if _, err := LoadProfile("devnet", ""); err == nil {
		t.Fatal("expected unknown network error")
	}
}

func TestLoadProfileOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.toml")
	body := `
[networks.testnet]
protocol = "0x1"
modify_position_event = "0x2"

[[networks.testnet.assets]]
name = "Test Token"
ticker = "TST"
address = "0x3"
decimals = 18
pair = "TST/USD"
price_decimals = 8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	profile, err := LoadProfile("testnet", path)
	if err != nil {
		t.Fatalf("load override profile: %v", err)
	}
	if profile.Assets[0].Ticker != "TST" {
		t.Fatalf("unexpected override asset: %+v", profile.Assets[0])
	}
	// The override replaces the embedded registry wholesale.
	if _, err := LoadProfile("mainnet", path); err == nil {
		t.Fatal("expected mainnet to be absent from the override file")
	}
}

func TestLoadProfileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.toml")
	body := `
[networks.testnet]
protocol = "0x1"
modify_position_event = "0x2"
liquidate_contract = "0x9"

[[networks.testnet.assets]]
name = "Test Token"
ticker = "TST"
address = "0x3"
decimals = 18
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := LoadProfile("testnet", path); err == nil {
		t.Fatal("expected strict decode to reject unknown key")
	}
}

func TestLoadProfileValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.toml")
	body := `
[networks.testnet]
protocol = "not-hex"
modify_position_event = "0x2"

[[networks.testnet.assets]]
name = "Test Token"
ticker = "TST"
address = "0x3"
decimals = 18
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := LoadProfile("testnet", path); err == nil {
		t.Fatal("expected invalid protocol address to fail")
	}
}
