// Package store defines durable storage for sessions, trades, and positions.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Storage is an asynchronous mirror of the in-memory ledger, never the
// source of user-visible state; see the mirror package for the write path.
package store

import (
	"context"
	"errors"

	"github.com/tduel/trade-engine/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface over the three collections.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new session row (without trades/positions).
	CreateSession(ctx context.Context, sess *model.Session) error

	// GetSession retrieves a session row by id. Trades and positions are
	// loaded separately.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// GetActiveSession returns the most recent active session for
	// (participant, mode), deterministically by creation time, or
	// ErrNotFound.
	GetActiveSession(ctx context.Context, participant string, mode model.Mode) (*model.Session, error)

	// UpdateSession writes the session's balance, P&L, status, and end
	// time. Storage reflects the latest in-memory state, not a delta.
	UpdateSession(ctx context.Context, sess *model.Session) error

	// --- Immutable trade log ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, sessionID string, trade model.Trade) error

	// GetTrades returns a session's trades in timestamp order.
	GetTrades(ctx context.Context, sessionID string) ([]model.Trade, error)

	// --- Positions ---

	// ReplacePositions fully replaces the session's position set
	// (delete-then-reinsert; the set is small and this avoids
	// partial-update inconsistency).
	ReplacePositions(ctx context.Context, sessionID string, positions []model.Position) error

	// GetPositions returns a session's stored positions.
	GetPositions(ctx context.Context, sessionID string) ([]model.Position, error)
}
