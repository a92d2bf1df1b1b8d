package monitor

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"liquidatord/ledger"
	"liquidatord/position"
	"liquidatord/pricing"
)

var (
	// liquidationOverhead pads solved amounts by 2% so the close survives
	// the price drift between sizing and inclusion.
	liquidationOverhead = decimal.RequireFromString("1.02")

	// targetHealthFactor is where a partial liquidation leaves the
	// position. Must stay above 1 or the solved amount turns negative.
	targetHealthFactor = decimal.RequireFromString("1.02")
)

// Evaluation is one sweep's verdict on a position.
type Evaluation struct {
	LTV decimal.Decimal

	// Evaluable is false when the verdict cannot be trusted: a missing
	// price on either side, no collateral to divide by, or an unfetched
	// pair LLTV. Such positions are skipped, never acted on.
	Evaluable    bool
	Liquidatable bool

	// Almost marks a healthy position within the alert margin below the
	// pair's LLTV. Logged for operators; nothing is executed.
	Almost bool
}

// ComputeLTV returns debtUSD/collateralUSD for the position at current
// cached prices. The second return is false when the ratio is not
// computable: an unknown price on either side or zero collateral value.
func ComputeLTV(p *position.Position, prices *pricing.Cache) (decimal.Decimal, bool) {
	if p == nil || prices == nil {
		return decimal.Zero, false
	}
	collateralPrice, ok := prices.Get(p.Collateral.Name)
	if !ok || !collateralPrice.Known() {
		return decimal.Zero, false
	}
	debtPrice, ok := prices.Get(p.Debt.Name)
	if !ok || !debtPrice.Known() {
		return decimal.Zero, false
	}
	collateralUSD := p.Collateral.USDValue(collateralPrice.Value)
	if !collateralUSD.IsPositive() {
		return decimal.Zero, false
	}
	return p.Debt.USDValue(debtPrice.Value).Div(collateralUSD), true
}

// Evaluate classifies a position against its pair LLTV. A position is
// liquidatable at ltv >= lltv exactly; margin only widens the almost band.
func Evaluate(p *position.Position, prices *pricing.Cache, margin decimal.Decimal) Evaluation {
	if p == nil || !p.LLTV.IsPositive() {
		return Evaluation{}
	}
	ltv, ok := ComputeLTV(p, prices)
	if !ok {
		return Evaluation{}
	}
	eval := Evaluation{LTV: ltv, Evaluable: true}
	if ltv.GreaterThanOrEqual(p.LLTV) {
		eval.Liquidatable = true
		return eval
	}
	if margin.IsPositive() && ltv.GreaterThanOrEqual(p.LLTV.Sub(margin)) {
		eval.Almost = true
	}
	return eval
}

// LiquidationAmounts sizes a liquidation attempt at current prices,
// returning the debt to repay and the collateral to seize, both in the
// asset's own scale and rounded to its decimals.
//
// Full mode closes the whole position: the repay covers the entire
// collateral value plus overhead, the seize is capped at the holding.
// Partial mode solves for the smallest repay that restores the health
// factor to target, then applies the same overhead.
func LiquidationAmounts(p *position.Position, collateralPrice, debtPrice decimal.Decimal, mode string) (debtRepay, collateralSeize decimal.Decimal, err error) {
	if p == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("nil position")
	}
	if !collateralPrice.IsPositive() || !debtPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("prices must be positive")
	}

	collateralUSD := p.Collateral.USDValue(collateralPrice)
	debtUSD := p.Debt.USDValue(debtPrice)

	var liquidationUSD decimal.Decimal
	switch mode {
	case ledger.ModeFull:
		liquidationUSD = collateralUSD
	case ledger.ModePartial:
		denom := p.LLTV.Sub(targetHealthFactor)
		if denom.IsZero() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("pair lltv equals target health factor")
		}
		liquidationUSD = p.LLTV.Mul(collateralUSD).Sub(targetHealthFactor.Mul(debtUSD)).Div(denom)
		if !liquidationUSD.IsPositive() {
			return decimal.Zero, decimal.Zero, fmt.Errorf("position already at target health factor")
		}
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown liquidation mode %q", mode)
	}

	padded := liquidationUSD.Mul(liquidationOverhead)
	debtRepay = padded.Div(debtPrice).Round(int32(p.Debt.Decimals))

	collateralSeize = padded.Div(collateralPrice)
	if collateralSeize.GreaterThan(p.Collateral.Amount) {
		collateralSeize = p.Collateral.Amount
	}
	collateralSeize = collateralSeize.Round(int32(p.Collateral.Decimals))

	return debtRepay, collateralSeize, nil
}

// rawAmount converts a scaled amount to the raw on-chain integer.
func rawAmount(value decimal.Decimal, decimals uint32) *big.Int {
	return value.Shift(int32(decimals)).Truncate(0).BigInt()
}
