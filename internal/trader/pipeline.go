// pipeline.go converts a new-market event into at most one limit order:
// fetch the market, filter for eligibility, ask the oracle for a probability,
// size the stake with fractional Kelly, submit, record the position, and
// subscribe to the market's bet feed so the exit monitor hears about it.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"manifold-trader/internal/config"
	"manifold-trader/internal/manifold"
	"manifold-trader/internal/oracle"
	"manifold-trader/internal/risk"
	"manifold-trader/internal/strategy"
	"manifold-trader/pkg/types"
)

// limitProbEpsilon replaces probability estimates at the exact interval
// bounds: the bet API rejects limit prices of 0 and 1 outright.
const limitProbEpsilon = 0.01

// Pipeline is the new-market consumer.
type Pipeline struct {
	api    MarketAPI
	oracle oracle.Predictor
	ledger Ledger
	subs   Subscriber
	cfg    config.TradeConfig
	logger *slog.Logger
}

// NewPipeline wires the trade-decision pipeline.
func NewPipeline(api MarketAPI, pred oracle.Predictor, ledger Ledger, subs Subscriber, cfg config.TradeConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		api:    api,
		oracle: pred,
		ledger: ledger,
		subs:   subs,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
	}
}

// HandleNewMarket processes one new-market event. Any returned error is
// scoped to this event; the caller logs it and moves on.
func (p *Pipeline) HandleNewMarket(ctx context.Context, marketID string) error {
	// The feed and the catch-up scanner can both surface the same market;
	// one position per market, never a second order.
	if pos, err := p.ledger.Get(ctx, marketID); err != nil {
		return fmt.Errorf("lookup position: %w", err)
	} else if pos != nil {
		p.logger.Debug("already holding market", "market", marketID)
		return nil
	}

	market, err := p.api.GetMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("fetch market: %w", err)
	}

	me, err := p.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	bankroll := me.Balance

	if ok, reason := risk.Check(market, bankroll, p.cfg); !ok {
		p.logger.Debug("skipping market", "market", marketID, "reason", reason)
		return nil
	}

	p.logger.Info("evaluating market",
		"market", marketID,
		"question", market.Question,
		"market_prob", market.Probability,
	)

	pred, err := p.oracle.Predict(ctx, oracle.Request{
		Question:        market.Question,
		Description:     market.TextDescription,
		CreatorUsername: market.CreatorUsername,
		Comments:        market.Comments,
		AsOf:            time.Now(),
	})
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	amount, side := strategy.Stake(pred.Probability, market.Probability, p.cfg.KellyAlpha, bankroll, p.cfg.MaxTradeAmount)
	if amount <= 0 {
		p.logger.Debug("no edge, not trading",
			"market", marketID,
			"predicted", pred.Probability,
			"market_prob", market.Probability,
		)
		return nil
	}

	bet, err := p.api.PlaceBet(ctx, types.BetRequest{
		MarketID:           marketID,
		Amount:             amount,
		Outcome:            side,
		LimitProb:          clampLimitProb(pred.Probability),
		ExpiresMillisAfter: p.cfg.ExpiresMillisAfter,
	})
	if err != nil {
		return fmt.Errorf("place bet: %w", err)
	}

	p.logger.Info("bet placed",
		"market", marketID,
		"bet_id", bet.ID,
		"outcome", side,
		"amount", amount,
		"shares", bet.Shares,
		"predicted", pred.Probability,
	)

	if err := p.ledger.Upsert(ctx, types.Position{
		MarketID:    marketID,
		Outcome:     side,
		Shares:      bet.Shares,
		LastBetTime: bet.CreatedTime,
	}); err != nil {
		return fmt.Errorf("record position: %w", err)
	}

	// Watch the market so the exit monitor can liquidate later. A failed
	// subscribe tears the connection down; replay will pick the topic up.
	if err := p.subs.Subscribe([]string{manifold.BetTopic(marketID)}); err != nil {
		p.logger.Warn("bet-topic subscribe failed", "market", marketID, "error", err)
	}

	if p.cfg.PostRationale && pred.Rationale != "" {
		if err := p.api.PostComment(ctx, marketID, pred.Rationale); err != nil {
			p.logger.Warn("rationale comment failed", "market", marketID, "error", err)
		}
	}

	return nil
}

// clampLimitProb keeps the limit price inside the open interval the bet API
// accepts. Applied symmetrically at both bounds.
func clampLimitProb(prob float64) float64 {
	if prob < limitProbEpsilon {
		return limitProbEpsilon
	}
	if prob > 1-limitProbEpsilon {
		return 1 - limitProbEpsilon
	}
	return prob
}
