// Package manifold implements the Manifold Markets REST client and the
// push-feed session.
//
// The REST client (Client) talks to the Manifold v0 API:
//   - GetMarket:          GET  /market/{id}            — full market snapshot
//   - GetMe:              GET  /me                     — account + bankroll
//   - GetProbability:     GET  /market/{id}/prob       — current implied probability
//   - GetNewestMarkets:   GET  /markets                — newest markets, for catch-up
//   - GetMarketPositions: GET  /market/{id}/positions  — share counts per user
//   - PlaceBet:           POST /bet                    — limit order
//   - SellShares:         POST /market/{id}/sell       — liquidate one side
//   - PostComment:        POST /comment                — rationale comment
//
// Every request carries the "Authorization: Key ..." header, is retried on
// 5xx, and read-heavy endpoints pass through a shared rate limiter sized to
// Manifold's ~500 requests/minute allowance.
package manifold

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

// readRate approximates Manifold's published 500 requests/minute limit,
// with a little headroom left for the write path.
const (
	readRatePerSec = 8
	readBurst      = 16
)

// Client is the Manifold REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and key auth.
type Client struct {
	http   *resty.Client
	reads  *rate.Limiter // caps bulk read traffic (positions refresh, polling)
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Key "+cfg.API.APIKey)

	return &Client{
		http:   httpClient,
		reads:  rate.NewLimiter(rate.Limit(readRatePerSec), readBurst),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// GetMarket fetches the full market snapshot by id.
func (c *Client) GetMarket(ctx context.Context, marketID string) (*types.Market, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/market/" + marketID)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market %s: status %d: %s", marketID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetMe fetches the authenticated account. Balance is the current bankroll.
func (c *Client) GetMe(ctx context.Context) (*types.User, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.User
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/me")
	if err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get me: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetProbability fetches the current implied probability for a market.
func (c *Client) GetProbability(ctx context.Context, marketID string) (float64, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Prob float64 `json:"prob"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/market/" + marketID + "/prob")
	if err != nil {
		return 0, fmt.Errorf("get probability %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get probability %s: status %d: %s", marketID, resp.StatusCode(), resp.String())
	}
	return result.Prob, nil
}

// GetNewestMarkets fetches the most recently created markets.
func (c *Client) GetNewestMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.Market
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("sort", "created-time").
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get newest markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get newest markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetMarketPositions fetches a user's holdings in one market.
func (c *Client) GetMarketPositions(ctx context.Context, marketID, userID string) ([]types.MarketPosition, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.MarketPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("userId", userID).
		SetResult(&result).
		Get("/market/" + marketID + "/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions %s: status %d: %s", marketID, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// PlaceBet submits one limit order. In dry-run mode no HTTP call is made and
// a synthetic confirmation is returned so the rest of the pipeline (ledger,
// subscriptions, logging) can be exercised.
func (c *Client) PlaceBet(ctx context.Context, req types.BetRequest) (*types.Bet, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place bet",
			"market", req.MarketID,
			"outcome", req.Outcome,
			"amount", req.Amount,
			"limit_prob", req.LimitProb,
		)
		return &types.Bet{
			ID:          "dry-run-" + uuid.NewString(),
			MarketID:    req.MarketID,
			Amount:      req.Amount,
			OrderAmount: req.Amount,
			Shares:      req.Amount, // placeholder fill at 1:1
			Outcome:     req.Outcome,
			LimitProb:   req.LimitProb,
			CreatedTime: time.Now().UnixMilli(),
		}, nil
	}

	var result types.Bet
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/bet")
	if err != nil {
		return nil, fmt.Errorf("place bet %s: %w", req.MarketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place bet %s: status %d: %s", req.MarketID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// SellShares liquidates the entire held side of a market.
func (c *Client) SellShares(ctx context.Context, marketID string, outcome types.Outcome) (*types.Bet, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would sell shares", "market", marketID, "outcome", outcome)
		return &types.Bet{
			ID:          "dry-run-" + uuid.NewString(),
			MarketID:    marketID,
			Outcome:     outcome,
			CreatedTime: time.Now().UnixMilli(),
		}, nil
	}

	payload := struct {
		Outcome types.Outcome `json:"outcome"`
	}{Outcome: outcome}

	var result types.Bet
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/market/" + marketID + "/sell")
	if err != nil {
		return nil, fmt.Errorf("sell shares %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("sell shares %s: status %d: %s", marketID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PostComment posts a markdown comment on a market.
func (c *Client) PostComment(ctx context.Context, marketID, markdown string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post comment", "market", marketID)
		return nil
	}

	payload := struct {
		ContractID string `json:"contractId"`
		Markdown   string `json:"markdown"`
	}{ContractID: marketID, Markdown: markdown}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/comment")
	if err != nil {
		return fmt.Errorf("post comment %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("post comment %s: status %d: %s", marketID, resp.StatusCode(), resp.String())
	}
	return nil
}
