// Package market implements the newest-markets catch-up scanner.
//
// The push feed is the primary source of new markets, but it goes dark
// during reconnect windows. The scanner papers over those gaps: it polls the
// REST API for the most recently created markets and hands anything newer
// than its watermark to the engine, which routes it through the same trade
// pipeline as a feed event. The pipeline's ledger check keeps a market from
// being traded twice when both sources report it.
package market

import (
	"context"
	"log/slog"
	"time"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

// Lister is the REST surface the scanner polls. *manifold.Client satisfies it.
type Lister interface {
	GetNewestMarkets(ctx context.Context, limit int) ([]types.Market, error)
}

// Scanner periodically polls for newly created binary markets.
type Scanner struct {
	api      Lister
	cfg      config.ScannerConfig
	logger   *slog.Logger
	resultCh chan []types.Market
	lastSeen int64 // createdTime watermark, unix millis
}

// NewScanner creates a catch-up scanner. Markets created before startup are
// never reported.
func NewScanner(api Lister, cfg config.ScannerConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		api:      api,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan []types.Market, 1),
		lastSeen: time.Now().UnixMilli(),
	}
}

// Results returns the channel the engine reads discovered markets from.
func (s *Scanner) Results() <-chan []types.Market {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	markets, err := s.api.GetNewestMarkets(ctx, s.cfg.Limit)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	fresh := s.filter(markets)
	if len(fresh) == 0 {
		return
	}

	s.logger.Info("scanner found markets missed by the feed", "count", len(fresh))
	select {
	case s.resultCh <- fresh:
	default:
		s.logger.Warn("scan result dropped, engine busy")
	}
}

// filter keeps tradeable-looking markets newer than the watermark and
// advances the watermark past everything seen this cycle.
func (s *Scanner) filter(markets []types.Market) []types.Market {
	var fresh []types.Market
	maxSeen := s.lastSeen

	for _, m := range markets {
		if m.CreatedTime > maxSeen {
			maxSeen = m.CreatedTime
		}
		if m.CreatedTime <= s.lastSeen {
			continue
		}
		if m.OutcomeType != types.OutcomeBinary || m.IsResolved {
			continue
		}
		fresh = append(fresh, m)
	}

	s.lastSeen = maxSeen
	return fresh
}
