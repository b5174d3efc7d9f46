// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The push-feed session (manifold.Feed) delivers decoded events.
//  2. A single dispatch loop consumes them one at a time: new-market events
//     go to the trade pipeline, new-bet events to the exit monitor. One event
//     is fully processed — oracle call, order, ledger write — before the next
//     is dequeued, so the position ledger and subscription set see no
//     concurrent mutation from the application's side.
//  3. The position store is reloaded at startup and its markets' bet topics
//     are re-added to the desired subscription set, so a restart reattaches
//     to every previously-held market. Reconciliation against the exchange's
//     view runs synchronously inside Start, before the dispatch loop exists,
//     so the ledger only ever has one writer at a time.
//  4. The optional catch-up scanner feeds markets the feed missed into the
//     same dispatch loop.
//
// Lifecycle: New() → Start() → [runs until SIGINT or terminal feed failure] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"manifold-trader/internal/config"
	"manifold-trader/internal/manifold"
	"manifold-trader/internal/market"
	"manifold-trader/internal/oracle"
	"manifold-trader/internal/store"
	"manifold-trader/internal/trader"
	"manifold-trader/pkg/types"
)

// The engine sees its components through narrow views, so the orchestration
// logic can be driven by fakes. The concrete types wired in New satisfy them.
type accountAPI interface {
	GetMe(ctx context.Context) (*types.User, error)
	GetMarketPositions(ctx context.Context, marketID, userID string) ([]types.MarketPosition, error)
}

type positionLedger interface {
	Upsert(ctx context.Context, pos types.Position) error
	Remove(ctx context.Context, marketID string) error
	List(ctx context.Context) ([]types.Position, error)
	Close() error
}

type pushFeed interface {
	Run(ctx context.Context) error
	Close() error
	Subscribe(topics []string) error
	Unsubscribe(topics []string) error
	Events() <-chan types.Event
}

type newMarketHandler interface {
	HandleNewMarket(ctx context.Context, marketID string) error
}

type newBetHandler interface {
	HandleNewBet(ctx context.Context, marketID string) error
}

// Engine owns the lifecycle of every goroutine in the bot.
type Engine struct {
	cfg      config.Config
	client   accountAPI
	feed     pushFeed
	store    positionLedger
	pipeline newMarketHandler
	exit     newBetHandler
	scanner  *market.Scanner // nil when disabled
	logger   *slog.Logger

	userID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{} // closed on terminal feed failure
	doneOnce sync.Once
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	client := manifold.NewClient(cfg, logger)
	feed := manifold.NewFeed(cfg.API.WSURL, cfg.Feed, logger)
	pred := oracle.NewHTTPPredictor(cfg.Oracle.URL, cfg.Oracle.Timeout)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	pipeline := trader.NewPipeline(client, pred, st, feed, cfg.Trade, logger)
	exit := trader.NewExitMonitor(client, st, feed, cfg.Trade.AutoSellThreshold, logger)

	var scanner *market.Scanner
	if cfg.Scanner.Enabled {
		scanner = market.NewScanner(client, cfg.Scanner, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		client:   client,
		feed:     feed,
		store:    st,
		pipeline: pipeline,
		exit:     exit,
		scanner:  scanner,
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Done is closed when the feed has permanently failed and the bot should be
// restarted externally.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start verifies the account, rebuilds the desired subscription set from the
// position ledger, and launches the feed, scanner, and dispatch goroutines.
func (e *Engine) Start() error {
	startCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	me, err := e.client.GetMe(startCtx)
	if err != nil {
		return err
	}
	e.userID = me.ID
	e.logger.Info("authenticated", "user", me.Username, "balance", me.Balance)

	positions, err := e.store.List(startCtx)
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(positions)+1)
	topics = append(topics, manifold.TopicNewContract)
	for _, pos := range positions {
		topics = append(topics, manifold.BetTopic(pos.MarketID))
	}
	// Connection is not open yet; this only seeds the desired set, which the
	// feed replays once connected.
	e.feed.Subscribe(topics)
	e.logger.Info("position ledger loaded", "positions", len(positions))

	// Reconciliation must finish before the dispatch loop starts: the ledger
	// has exactly one writer at any moment, and an exit-monitor sell racing a
	// refresh upsert could resurrect a position that was just liquidated.
	if e.cfg.Trade.RefreshPositionsOnStart && len(positions) > 0 {
		e.refreshPositions(positions)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("push feed permanently failed", "error", err)
			e.doneOnce.Do(func() { close(e.done) })
		}
	}()

	if e.scanner != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scanner.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop()
	}()

	return nil
}

// Stop shuts down gracefully: stops dequeuing, closes the socket, lets the
// in-flight event finish, and closes the store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.feed.Close()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// dispatchLoop is the single consumer of decoded events. Exactly one event is
// fully processed before the next is dequeued.
func (e *Engine) dispatchLoop() {
	var scanCh <-chan []types.Market
	if e.scanner != nil {
		scanCh = e.scanner.Results()
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.feed.Events():
			e.handleEvent(evt)
		case markets := <-scanCh:
			for _, m := range markets {
				if e.ctx.Err() != nil {
					return
				}
				e.handleEvent(types.Event{Kind: types.EventNewMarket, MarketID: m.ID})
			}
		}
	}
}

// handleEvent processes one event under its own timeout. The timeout context
// is detached from the engine context so shutdown does not interrupt an
// in-flight ledger mutation; the loop simply stops dequeuing afterwards.
func (e *Engine) handleEvent(evt types.Event) {
	ctx := context.Background()
	if e.cfg.Trade.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Trade.DecisionTimeout)
		defer cancel()
	}

	switch evt.Kind {
	case types.EventNewMarket:
		if err := e.pipeline.HandleNewMarket(ctx, evt.MarketID); err != nil {
			e.logger.Error("new-market event failed", "market", evt.MarketID, "error", err)
		}
	case types.EventNewBet:
		if err := e.exit.HandleNewBet(ctx, evt.MarketID); err != nil {
			e.logger.Error("new-bet event failed", "market", evt.MarketID, "error", err)
		}
	}
}

// refreshPositions reconciles the ledger against the exchange's view of the
// account: share counts are refreshed, and positions that were liquidated
// externally while the bot was down are dropped. Runs synchronously during
// Start, before any event is dispatched. Pacing is enforced by the client's
// read limiter, which keeps this bulk work inside the platform's
// request-per-minute allowance.
func (e *Engine) refreshPositions(positions []types.Position) {
	refreshed, dropped := 0, 0

	for _, pos := range positions {
		if e.ctx.Err() != nil {
			return
		}

		remote, err := e.client.GetMarketPositions(e.ctx, pos.MarketID, e.userID)
		if err != nil {
			e.logger.Warn("position refresh failed", "market", pos.MarketID, "error", err)
			continue
		}

		var mine *types.MarketPosition
		for i := range remote {
			if remote[i].UserID == e.userID {
				mine = &remote[i]
				break
			}
		}

		if mine == nil || !mine.HasShares || mine.MaxSharesOutcome == "" {
			// Sold or resolved while we were offline.
			if err := e.store.Remove(e.ctx, pos.MarketID); err != nil {
				e.logger.Warn("failed to drop stale position", "market", pos.MarketID, "error", err)
				continue
			}
			e.feed.Unsubscribe([]string{manifold.BetTopic(pos.MarketID)})
			dropped++
			continue
		}

		if err := e.store.Upsert(e.ctx, types.Position{
			MarketID:    pos.MarketID,
			Outcome:     types.Outcome(mine.MaxSharesOutcome),
			Shares:      mine.TotalShares[mine.MaxSharesOutcome],
			LastBetTime: mine.LastBetTime,
		}); err != nil {
			e.logger.Warn("position refresh upsert failed", "market", pos.MarketID, "error", err)
			continue
		}
		refreshed++
	}

	e.logger.Info("positions reconciled", "refreshed", refreshed, "dropped", dropped)
}
