// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ErrInvalidSide is returned when a side is neither buy nor sell.
var ErrInvalidSide = errors.New("model: side must be buy or sell")

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	default:
		return "", ErrInvalidSide
	}
}

// Mode identifies the kind of trading session.
type Mode string

const (
	ModeSolo   Mode = "solo"   // free practice, no termination thresholds
	ModeDuel   Mode = "duel"   // 1v1 challenge against an opponent
	ModeBattle Mode = "battle" // group competition with a leaderboard
)

// ErrInvalidMode is returned when a mode string is not a known session mode.
var ErrInvalidMode = errors.New("model: unknown session mode")

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSolo, ModeDuel, ModeBattle:
		return Mode(s), nil
	default:
		return "", ErrInvalidMode
	}
}

// SessionStatus is the lifecycle state of a stored session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Quote is the latest known price for one instrument. Quotes are replaced
// wholesale on every update, never partially mutated.
type Quote struct {
	Instrument Instrument      `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Change24h  decimal.Decimal `json:"change_24h"` // percent
	Timestamp  time.Time       `json:"timestamp"`
}

// IsZero reports whether the quote carries no usable price. The feed returns
// a zero quote before the first successful fetch for an instrument.
func (q Quote) IsZero() bool {
	return q.Price.IsZero()
}

// Trade is an immutable record of an executed order. Once created, trades
// are never modified or deleted; the trade log is append-only.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	Instrument Instrument      `json:"instrument" db:"instrument"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"` // quote at execution time
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a session's current holding in one instrument. At most one
// position exists per instrument; a position whose quantity reaches exactly
// zero is removed.
type Position struct {
	Instrument   Instrument      `json:"instrument"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`      // volume-weighted, set by buys only
	CurrentPrice decimal.Decimal `json:"current_price"` // last valuation price
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
}

// Session is one participant's isolated trading run. Derived fields (PnL,
// PnLPercent, position valuations) are recomputed from primitives on every
// mutation, never carried as running totals.
type Session struct {
	ID             string          `json:"id"`
	Participant    string          `json:"participant"`
	Mode           Mode            `json:"mode"`
	StartBalance   decimal.Decimal `json:"start_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Trades         []Trade         `json:"trades"`
	Positions      []Position      `json:"positions"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPercent     decimal.Decimal `json:"pnl_percent"`
	Status         SessionStatus   `json:"status"`
}

// ChallengeSettings configures the termination thresholds for a session.
// Immutable once the challenge starts.
type ChallengeSettings struct {
	StartingBalance decimal.Decimal  `json:"starting_balance"`
	ProfitTarget    *decimal.Decimal `json:"profit_target,omitempty"`
	LossLimit       *decimal.Decimal `json:"loss_limit,omitempty"`
	Duration        time.Duration    `json:"duration,omitempty"` // 0 = unlimited
}

// ErrInvalidStartingBalance is returned when a session would start with a
// non-positive balance.
var ErrInvalidStartingBalance = errors.New("model: starting balance must be positive")

// Validate checks that the settings can safely seed a session.
func (cs ChallengeSettings) Validate() error {
	if !cs.StartingBalance.IsPositive() {
		return ErrInvalidStartingBalance
	}
	return nil
}

// LeaderboardEntry is one ranked row of a battle leaderboard. Entries are
// derived and fully recomputed; never independently mutated.
type LeaderboardEntry struct {
	Address    string          `json:"address"`
	Username   string          `json:"username,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Rank       int             `json:"rank"`
}
