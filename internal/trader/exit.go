// exit.go liquidates positions once the market has moved far enough in the
// bot's favor. Driven by new-bet events on markets the bot holds.
package trader

import (
	"context"
	"fmt"
	"log/slog"

	"manifold-trader/internal/manifold"
	"manifold-trader/pkg/types"
)

// ExitMonitor is the new-bet consumer.
type ExitMonitor struct {
	api       MarketAPI
	ledger    Ledger
	subs      Subscriber
	threshold float64 // payout fraction that triggers a sell; 0 disables
	logger    *slog.Logger
}

// NewExitMonitor wires the auto-sell monitor.
func NewExitMonitor(api MarketAPI, ledger Ledger, subs Subscriber, threshold float64, logger *slog.Logger) *ExitMonitor {
	return &ExitMonitor{
		api:       api,
		ledger:    ledger,
		subs:      subs,
		threshold: threshold,
		logger:    logger.With("component", "exit"),
	}
}

// HandleNewBet re-checks one held market after trading activity and sells the
// whole position once the held side's payout fraction reaches the threshold.
// The position is removed from the ledger only after the sell succeeds — a
// rejected sell must never silently abandon a real position.
func (m *ExitMonitor) HandleNewBet(ctx context.Context, marketID string) error {
	pos, err := m.ledger.Get(ctx, marketID)
	if err != nil {
		return fmt.Errorf("lookup position: %w", err)
	}
	if pos == nil {
		// Not an error: most markets the feed mentions are not held.
		m.logger.Debug("no position for market", "market", marketID)
		return nil
	}
	if m.threshold <= 0 {
		m.logger.Debug("auto-sell disabled, holding", "market", marketID)
		return nil
	}

	prob, err := m.api.GetProbability(ctx, marketID)
	if err != nil {
		return fmt.Errorf("fetch probability: %w", err)
	}

	payout := prob
	if pos.Outcome == types.NO {
		payout = 1 - prob
	}

	if payout < m.threshold {
		m.logger.Debug("below sell threshold, holding",
			"market", marketID,
			"payout", payout,
			"threshold", m.threshold,
		)
		return nil
	}

	m.logger.Info("liquidating position",
		"market", marketID,
		"outcome", pos.Outcome,
		"shares", pos.Shares,
		"payout", payout,
	)

	if _, err := m.api.SellShares(ctx, marketID, pos.Outcome); err != nil {
		return fmt.Errorf("sell rejected, keeping position: %w", err)
	}

	if err := m.ledger.Remove(ctx, marketID); err != nil {
		return fmt.Errorf("remove position after sell: %w", err)
	}
	if err := m.subs.Unsubscribe([]string{manifold.BetTopic(marketID)}); err != nil {
		m.logger.Warn("bet-topic unsubscribe failed", "market", marketID, "error", err)
	}

	m.logger.Info("position closed", "market", marketID)
	return nil
}
