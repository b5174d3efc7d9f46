// Package risk decides whether a market is eligible to trade at all.
// The check is pure — it only inspects data already fetched — so the
// pipeline can be tested without any network.
package risk

import (
	"slices"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

// Check reports whether the market may be traded with the current bankroll.
// When it returns false, reason names the first rule that rejected it.
func Check(m *types.Market, bankroll float64, cfg config.TradeConfig) (bool, string) {
	if m.OutcomeType != types.OutcomeBinary {
		return false, "not a binary market"
	}
	if m.IsResolved {
		return false, "market already resolved"
	}
	for _, slug := range m.GroupSlugs {
		if slices.Contains(cfg.ExcludeGroups, slug) {
			return false, "excluded group: " + slug
		}
	}
	if bankroll < cfg.MinBankroll {
		return false, "bankroll below minimum"
	}
	return true, ""
}
