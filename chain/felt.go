package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// selectorMask keeps the low 250 bits of a Keccak-256 digest, the chain's
// entry-point selector derivation.
var selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// SelectorFromName derives the entry-point selector felt for a function name.
func SelectorFromName(name string) *big.Int {
	digest := gethcrypto.Keccak256([]byte(name))
	selector := new(big.Int).SetBytes(digest)
	return selector.And(selector, selectorMask)
}

// ParseFelt decodes a 0x-hex felt. Unlike strict quantity decoding it
// tolerates the zero-padded renderings chain RPCs produce.
func ParseFelt(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("empty felt")
	}
	trimmed = strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid felt %q", s)
	}
	return value, nil
}

// FormatFelt renders a felt in the minimal 0x-hex form.
func FormatFelt(x *big.Int) string {
	if x == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(x)
}

// NormalizeFelt canonicalizes a 0x-hex felt string without parsing cost
// beyond validation.
func NormalizeFelt(s string) (string, error) {
	value, err := ParseFelt(s)
	if err != nil {
		return "", err
	}
	return FormatFelt(value), nil
}

// U256 carries a 256-bit integer as two 128-bit limbs, the wire form the
// protocol uses for amounts.
type U256 struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// U256FromBig splits a non-negative integer into limbs.
func U256FromBig(x *big.Int) (U256, error) {
	if x == nil || x.Sign() < 0 {
		return U256{}, fmt.Errorf("u256 requires a non-negative value")
	}
	words, overflow := uint256.FromBig(x)
	if overflow {
		return U256{}, fmt.Errorf("value %s overflows u256", x)
	}
	low := &uint256.Int{words[0], words[1], 0, 0}
	high := &uint256.Int{words[2], words[3], 0, 0}
	return U256{Low: low.Hex(), High: high.Hex()}, nil
}

// I129 is the signed-magnitude wire form for route amounts. Sign true
// marks a negative value, which requests an exact output.
type I129 struct {
	Mag  string `json:"mag"`
	Sign bool   `json:"sign"`
}

// I129FromBig converts an integer into signed-magnitude form.
func I129FromBig(x *big.Int) (I129, error) {
	if x == nil {
		return I129{}, fmt.Errorf("i129 requires a value")
	}
	mag := new(big.Int).Abs(x)
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	if mag.Cmp(limit) >= 0 {
		return I129{}, fmt.Errorf("magnitude %s overflows u128", mag)
	}
	return I129{Mag: FormatFelt(mag), Sign: x.Sign() < 0}, nil
}
