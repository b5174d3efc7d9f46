// Manifold Trader — an automated trading agent for Manifold binary
// prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → pipeline/exit → store, single-consumer dispatch loop
//	manifold/client.go   — REST client for the Manifold v0 API (markets, bets, sells, comments)
//	manifold/ws.go       — push-feed session: subscribe, keepalive, bounded reconnect with backoff
//	trader/pipeline.go   — new-market events: eligibility filter → oracle → Kelly stake → limit order
//	trader/exit.go       — new-bet events: auto-sell once the held side's payout crosses the threshold
//	strategy/kelly.go    — fractional-Kelly stake sizing
//	risk/filter.go       — pure market-eligibility checks
//	oracle/oracle.go     — forecasting service interface + HTTP adapter
//	market/scanner.go    — optional newest-markets poller for reconnect gaps
//	store/store.go       — SQLite position ledger (survives restarts)
//
// How it trades:
//
//	When a market is created, the bot asks a forecasting oracle for a
//	probability estimate. If the estimate disagrees with the market's
//	implied probability, it stakes a fractional-Kelly-sized amount on the
//	cheap side as a limit order, records the position, and watches the
//	market's bet feed. Once the market moves far enough toward the held
//	side, the position is liquidated at a profit.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"manifold-trader/internal/config"
	"manifold-trader/internal/engine"
)

func main() {
	// .env is optional; real deployments set MANI_* in the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MANI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("manifold trader started",
		"kelly_alpha", cfg.Trade.KellyAlpha,
		"max_trade", cfg.Trade.MaxTradeAmount,
		"auto_sell_threshold", cfg.Trade.AutoSellThreshold,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Error("push feed exhausted reconnect attempts, exiting")
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
