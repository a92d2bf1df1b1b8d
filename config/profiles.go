package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"liquidatord/chain"
	"liquidatord/position"
)

//go:embed networks.toml
var embeddedNetworks string

// Profile is one network's immutable protocol registry: contract
// addresses, the event selector, and the tracked asset list. It is built
// once at startup and shared read-only by every service.
type Profile struct {
	Protocol      string         `toml:"protocol"`
	EventSelector string         `toml:"modify_position_event"`
	Assets        []ProfileAsset `toml:"assets"`
}

// ProfileAsset describes one tracked asset on a network.
type ProfileAsset struct {
	Name          string `toml:"name"`
	Ticker        string `toml:"ticker"`
	Address       string `toml:"address"`
	Decimals      uint32 `toml:"decimals"`
	Pair          string `toml:"pair"`
	PriceDecimals uint32 `toml:"price_decimals"`
}

type profileFile struct {
	Networks map[string]Profile `toml:"networks"`
}

// LoadProfile resolves a network profile. An empty path uses the embedded
// registry; a non-empty path replaces it wholesale, so operators can point
// the daemon at unlisted deployments without a rebuild.
func LoadProfile(network, path string) (Profile, error) {
	var (
		file profileFile
		meta toml.MetaData
		err  error
	)
	if path == "" {
		meta, err = toml.Decode(embeddedNetworks, &file)
	} else {
		meta, err = toml.DecodeFile(path, &file)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("decode network profiles: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Profile{}, fmt.Errorf("unknown profile keys: %s", strings.Join(keys, ", "))
	}
	profile, ok := file.Networks[network]
	if !ok {
		known := make([]string, 0, len(file.Networks))
		for name := range file.Networks {
			known = append(known, name)
		}
		return Profile{}, fmt.Errorf("unknown network %q (have: %s)", network, strings.Join(known, ", "))
	}
	if err := profile.validate(); err != nil {
		return Profile{}, fmt.Errorf("network %q: %w", network, err)
	}
	return profile, nil
}

func (p Profile) validate() error {
	if _, err := chain.NormalizeFelt(p.Protocol); err != nil {
		return fmt.Errorf("protocol address: %w", err)
	}
	if _, err := chain.NormalizeFelt(p.EventSelector); err != nil {
		return fmt.Errorf("modify_position_event selector: %w", err)
	}
	if len(p.Assets) == 0 {
		return fmt.Errorf("no assets configured")
	}
	seen := make(map[string]struct{}, len(p.Assets))
	for _, asset := range p.Assets {
		if asset.Ticker == "" {
			return fmt.Errorf("asset %q: ticker is required", asset.Name)
		}
		if asset.Decimals == 0 {
			return fmt.Errorf("asset %s: decimals is required", asset.Ticker)
		}
		canonical, err := chain.NormalizeFelt(asset.Address)
		if err != nil {
			return fmt.Errorf("asset %s address: %w", asset.Ticker, err)
		}
		if _, dup := seen[canonical]; dup {
			return fmt.Errorf("asset %s: duplicate address %s", asset.Ticker, canonical)
		}
		seen[canonical] = struct{}{}
	}
	return nil
}

// AssetMap keys the profile's assets by canonical address, the form event
// key felts render to.
func (p Profile) AssetMap() map[string]position.Asset {
	out := make(map[string]position.Asset, len(p.Assets))
	for _, asset := range p.Assets {
		canonical, err := chain.NormalizeFelt(asset.Address)
		if err != nil {
			continue // validate() already rejected these
		}
		out[canonical] = position.NewAsset(asset.Ticker, canonical, asset.Decimals)
	}
	return out
}

// Tickers lists the profile's cache tickers in declaration order.
func (p Profile) Tickers() []string {
	out := make([]string, 0, len(p.Assets))
	for _, asset := range p.Assets {
		out = append(out, asset.Ticker)
	}
	return out
}
