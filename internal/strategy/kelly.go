// Package strategy implements the staking math: how much to wager, and on
// which side, given a probability estimate that disagrees with the market.
package strategy

import "manifold-trader/pkg/types"

// Fraction returns the fractional-Kelly bankroll fraction to wager.
// Positive means buy YES, negative means buy NO, zero means no bet.
//
// The Kelly denominator is chosen per direction — (1-c) for YES, c for NO —
// so the fraction stays bounded as the market price approaches either end on
// the winning side. It is undefined only at c == 0 (YES edge) and c == 1
// (NO edge); callers must not pass those.
//
// alpha in (0, 1] scales the full-Kelly fraction down ("fractional Kelly").
func Fraction(predicted, market, alpha float64) float64 {
	p, c := predicted, market

	switch {
	case p > c:
		return alpha * (p - c) / (1 - c)
	case p < c:
		return -alpha * (c - p) / c
	default:
		return 0
	}
}

// Stake converts a Kelly fraction into an order: the side to buy and the
// mana amount, capped at maxAmount and floored at zero.
func Stake(predicted, market, alpha, bankroll, maxAmount float64) (float64, types.Outcome) {
	f := Fraction(predicted, market, alpha)
	if f == 0 {
		return 0, ""
	}

	side := types.YES
	if f < 0 {
		side = types.NO
		f = -f
	}

	amount := min(bankroll*f, maxAmount)
	if amount <= 0 {
		return 0, ""
	}
	return amount, side
}
