// Package trader holds the two event consumers: the trade-decision pipeline
// (new-market events) and the exit monitor (new-bet events). Both are driven
// one event at a time by the engine's dispatch loop, and both treat every
// failure as scoped to the event that caused it.
//
// Dependencies are taken as narrow interfaces so tests can drive the
// consumers with fakes instead of a live exchange.
package trader

import (
	"context"

	"manifold-trader/pkg/types"
)

// MarketAPI is the slice of the REST client the consumers need.
// *manifold.Client satisfies it.
type MarketAPI interface {
	GetMarket(ctx context.Context, marketID string) (*types.Market, error)
	GetMe(ctx context.Context) (*types.User, error)
	GetProbability(ctx context.Context, marketID string) (float64, error)
	PlaceBet(ctx context.Context, req types.BetRequest) (*types.Bet, error)
	SellShares(ctx context.Context, marketID string, outcome types.Outcome) (*types.Bet, error)
	PostComment(ctx context.Context, marketID, markdown string) error
}

// Ledger is the position store surface the consumers mutate through.
// *store.Store satisfies it.
type Ledger interface {
	Upsert(ctx context.Context, pos types.Position) error
	Get(ctx context.Context, marketID string) (*types.Position, error)
	Remove(ctx context.Context, marketID string) error
}

// Subscriber manages push-feed topic membership. *manifold.Feed satisfies it.
type Subscriber interface {
	Subscribe(topics []string) error
	Unsubscribe(topics []string) error
}
