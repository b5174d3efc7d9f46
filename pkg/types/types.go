// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — market outcomes,
// Manifold API payloads, the persisted position record, and the decoded
// push-feed events. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import "time"

// Outcome is the side of a binary market: YES or NO.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// OutcomeType enumerates Manifold market mechanisms. Only BINARY markets
// are tradeable by this bot.
type OutcomeType string

const (
	OutcomeBinary         OutcomeType = "BINARY"
	OutcomeFreeResponse   OutcomeType = "FREE_RESPONSE"
	OutcomeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
	OutcomeNumeric        OutcomeType = "NUMERIC"
	OutcomePseudoNumeric  OutcomeType = "PSEUDO_NUMERIC"
	OutcomePoll           OutcomeType = "POLL"
	OutcomeBounty         OutcomeType = "BOUNTIED_QUESTION"
)

// Market is the Manifold market snapshot returned by GET /v0/market/{id}.
// Timestamps are Unix milliseconds, as the API serves them.
type Market struct {
	ID              string      `json:"id"`
	Question        string      `json:"question"`
	TextDescription string      `json:"textDescription"`
	CreatorID       string      `json:"creatorId"`
	CreatorUsername string      `json:"creatorUsername"`
	CreatedTime     int64       `json:"createdTime"`
	CloseTime       int64       `json:"closeTime"`
	OutcomeType     OutcomeType `json:"outcomeType"`
	Mechanism       string      `json:"mechanism"`
	Probability     float64     `json:"probability"`
	GroupSlugs      []string    `json:"groupSlugs"`
	IsResolved      bool        `json:"isResolved"`
	Volume          float64     `json:"volume"`
	UniqueBettors   int         `json:"uniqueBettorCount"`
	URL             string      `json:"url"`
	Comments        []string    `json:"comments"`
}

// User is the authenticated account returned by GET /v0/me.
// Balance is the spendable mana bankroll.
type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
}

// BetRequest is one limit-order submission to POST /v0/bet.
// It is ephemeral: it exists only for the duration of the call and is never
// persisted independently of the Position it produces.
type BetRequest struct {
	MarketID           string  `json:"contractId"`
	Amount             float64 `json:"amount"`
	Outcome            Outcome `json:"outcome"`
	LimitProb          float64 `json:"limitProb"`
	ExpiresMillisAfter int64   `json:"expiresMillisAfter,omitempty"`
}

// Bet is the order confirmation returned by POST /v0/bet.
type Bet struct {
	ID          string  `json:"betId"`
	MarketID    string  `json:"contractId"`
	Amount      float64 `json:"amount"`
	OrderAmount float64 `json:"orderAmount"`
	Shares      float64 `json:"shares"`
	Outcome     Outcome `json:"outcome"`
	LimitProb   float64 `json:"limitProb"`
	IsFilled    bool    `json:"isFilled"`
	IsCancelled bool    `json:"isCancelled"`
	ProbBefore  float64 `json:"probBefore"`
	ProbAfter   float64 `json:"probAfter"`
	CreatedTime int64   `json:"createdTime"`
}

// MarketPosition is one user's holdings in a market as reported by
// GET /v0/market/{id}/positions.
type MarketPosition struct {
	UserID           string             `json:"userId"`
	Invested         float64            `json:"invested"`
	HasShares        bool               `json:"hasShares"`
	MaxSharesOutcome string             `json:"maxSharesOutcome"`
	TotalShares      map[string]float64 `json:"totalShares"`
	LastBetTime      int64              `json:"lastBetTime"`
}

// Position is the bot's own record of an open holding, keyed by market id.
// The store is the single source of truth for these; other components only
// read them and request mutations.
type Position struct {
	MarketID    string
	Outcome     Outcome
	Shares      float64
	LastBetTime int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventKind classifies a decoded push-feed broadcast.
type EventKind int

const (
	// EventNewMarket is a global/new-contract broadcast: a market was created.
	EventNewMarket EventKind = iota
	// EventNewBet is a contract/{id}/new-bet broadcast: trading activity on a
	// market the bot holds a position in.
	EventNewBet
)

// Event is one decoded push-feed broadcast, delivered by the feed session to
// the engine's single consumer loop.
type Event struct {
	Kind     EventKind
	MarketID string
}
