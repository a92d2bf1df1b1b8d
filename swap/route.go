package swap

import (
	"fmt"
	"math/big"
)

// WeightScale is one unit of total route weight in 18-decimal fixed point.
var WeightScale = big.NewInt(1_000_000_000_000_000_000)

// WeightedRoute pairs one split's hops with its fixed-point share of the
// total amount.
type WeightedRoute struct {
	Route  []RouteNode
	Weight *big.Int
}

// WeightedRoutes converts a quote's splits into weighted sub-routes. The
// weights are non-negative integers at WeightScale precision summing to
// exactly one unit; any rounding remainder is absorbed into the final
// split. A single-split quote gets the full weight.
func WeightedRoutes(q *Quote) ([]WeightedRoute, error) {
	if q == nil || len(q.Splits) == 0 {
		return nil, fmt.Errorf("quote has no splits")
	}

	if len(q.Splits) == 1 {
		return []WeightedRoute{{
			Route:  q.Splits[0].Route,
			Weight: new(big.Int).Set(WeightScale),
		}}, nil
	}

	magnitudes := make([]*big.Int, len(q.Splits))
	total := new(big.Int)
	for i, split := range q.Splits {
		mag, err := splitMagnitude(split)
		if err != nil {
			return nil, fmt.Errorf("split %d: %w", i, err)
		}
		magnitudes[i] = mag
		total.Add(total, mag)
	}
	if total.Sign() == 0 {
		return nil, fmt.Errorf("quote splits sum to zero amount")
	}

	out := make([]WeightedRoute, len(q.Splits))
	assigned := new(big.Int)
	for i, split := range q.Splits {
		weight := new(big.Int)
		if i == len(q.Splits)-1 {
			weight.Sub(WeightScale, assigned)
		} else {
			weight.Mul(magnitudes[i], WeightScale)
			weight.Quo(weight, total)
			assigned.Add(assigned, weight)
		}
		out[i] = WeightedRoute{Route: split.Route, Weight: weight}
	}
	return out, nil
}

func splitMagnitude(split Split) (*big.Int, error) {
	raw := split.AmountSpecified
	if raw == "" {
		return nil, fmt.Errorf("missing amount_specified")
	}
	mag, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_specified %q", raw)
	}
	return mag.Abs(mag), nil
}
