package position

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"
)

// Asset describes one side of a lending position. Name, Address, and
// Decimals form the immutable identity taken from the network profile;
// Amount is rewritten on every on-chain refresh and is expressed in the
// asset's own scale (raw integer divided by 10^Decimals).
type Asset struct {
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	Amount   decimal.Decimal `json:"amount"`
	Decimals uint32          `json:"decimals"`
}

// NewAsset builds an Asset with a normalized address and a zero amount.
func NewAsset(name, address string, decimals uint32) Asset {
	return Asset{
		Name:     strings.ToUpper(strings.TrimSpace(name)),
		Address:  strings.ToLower(strings.TrimSpace(address)),
		Decimals: decimals,
	}
}

// SetRawAmount rescales a raw on-chain integer into the asset's own scale.
func (a *Asset) SetRawAmount(raw *big.Int) {
	if raw == nil {
		a.Amount = decimal.Zero
		return
	}
	a.Amount = decimal.NewFromBigInt(raw, -int32(a.Decimals))
}

// RawAmount converts the scaled amount back to the raw on-chain integer,
// truncating any precision below the asset's scale.
func (a Asset) RawAmount() *big.Int {
	return a.Amount.Shift(int32(a.Decimals)).Truncate(0).BigInt()
}

// USDValue converts the held amount into USD at the supplied price.
func (a Asset) USDValue(price decimal.Decimal) decimal.Decimal {
	return a.Amount.Mul(price)
}

// Position is a user's collateral/debt pair within one lending pool. LLTV
// is the protocol-published maximum safe ratio for the pool/asset pair; it
// is fetched separately from the amounts and stays zero until refreshed.
type Position struct {
	UserAddress string          `json:"user_address"`
	PoolID      string          `json:"pool_id"`
	Collateral  Asset           `json:"collateral"`
	Debt        Asset           `json:"debt"`
	LLTV        decimal.Decimal `json:"lltv"`
}

// Key derives the stable 64-bit identity of the position: the big-endian
// first eight bytes of the BLAKE3 hash over the four identity fields in
// canonical form. Amounts never contribute, so refreshes map to the same
// key across restarts.
func (p *Position) Key() uint64 {
	h := blake3.New(32, nil)
	for _, field := range []string{p.PoolID, p.Collateral.Address, p.Debt.Address, p.UserAddress} {
		canon := canonicalHex(field)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(canon)))
		h.Write(lenBuf[:])
		h.Write([]byte(canon))
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Closed reports whether both sides are empty. Closed positions carry no
// risk and must not be evaluated for liquidation.
func (p *Position) Closed() bool {
	return p.Collateral.Amount.IsZero() && p.Debt.Amount.IsZero()
}

// Clone returns an independent copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// canonicalHex strips the 0x prefix and leading zeros and lowercases the
// rest, so differently padded renderings of the same felt hash equally.
func canonicalHex(s string) string {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimLeft(trimmed, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
