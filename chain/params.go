package chain

import (
	"fmt"
	"math/big"

	"liquidatord/swap"
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// TokenAmount pairs a token address with a signed amount.
type TokenAmount struct {
	Token  string `json:"token"`
	Amount I129   `json:"amount"`
}

// Swap is one weighted sub-route of a liquidation's repayment swap. Weight
// is a fixed-point share at 18-decimal scale; the weights of all sub-routes
// sum to exactly one unit.
type Swap struct {
	Route       []swap.RouteNode `json:"route"`
	TokenAmount TokenAmount      `json:"token_amount"`
	LimitAmount string           `json:"limit_amount"`
	Weight      string           `json:"weight"`
}

// LiquidateParams is the structured liquidation call handed to the signer.
// The signer owns the wire encoding; the daemon only decides the values.
type LiquidateParams struct {
	PoolID                 string `json:"pool_id"`
	CollateralAsset        string `json:"collateral_asset"`
	DebtAsset              string `json:"debt_asset"`
	User                   string `json:"user"`
	Recipient              string `json:"recipient"`
	MinCollateralToReceive U256   `json:"min_collateral_to_receive"`
	FullLiquidation        bool   `json:"full_liquidation"`
	LiquidateSwap          []Swap `json:"liquidate_swap"`
	WithdrawSwap           []Swap `json:"withdraw_swap"`
}

// NewRepaySwaps builds the weighted repayment swaps for a liquidation: an
// exact-out amount of the debt asset split across the quoted routes. The
// per-swap spend limit is left unbounded (max u128), matching the
// protocol's expectations for router-sourced repayments.
func NewRepaySwaps(debtAsset string, debtRaw *big.Int, routes []swap.WeightedRoute) ([]Swap, error) {
	if debtRaw == nil || debtRaw.Sign() <= 0 {
		return nil, fmt.Errorf("repay amount must be positive")
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes to weight")
	}
	amount, err := I129FromBig(new(big.Int).Neg(debtRaw))
	if err != nil {
		return nil, fmt.Errorf("repay amount: %w", err)
	}

	out := make([]Swap, 0, len(routes))
	for i, route := range routes {
		if route.Weight == nil || route.Weight.Sign() < 0 {
			return nil, fmt.Errorf("route %d has invalid weight", i)
		}
		out = append(out, Swap{
			Route: route.Route,
			TokenAmount: TokenAmount{
				Token:  debtAsset,
				Amount: amount,
			},
			LimitAmount: FormatFelt(maxU128),
			Weight:      FormatFelt(route.Weight),
		})
	}
	return out, nil
}
