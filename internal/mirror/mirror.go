// Package mirror keeps durable storage in step with the in-memory ledger.
//
// The in-memory session is always the immediate source of truth; storage is
// an asynchronous best-effort mirror. Writes are fire-and-forget relative to
// the interactive path: a failed write is logged and never rolls back or
// blocks the mutation that already succeeded. Each successful write reflects
// the latest in-memory state, not a delta, so the next write after a failure
// restores consistency.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tduel/trade-engine/internal/ledger"
	"github.com/tduel/trade-engine/internal/metrics"
	"github.com/tduel/trade-engine/internal/model"
	"github.com/tduel/trade-engine/internal/store"
)

const (
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Synchronizer mirrors ledger mutations to a Store through a single worker
// goroutine fed by a bounded queue. Enqueueing never blocks the caller.
type Synchronizer struct {
	store store.Store
	jobs  chan job
}

// New creates a synchronizer. Run must be started for writes to drain.
func New(st store.Store) *Synchronizer {
	return &Synchronizer{
		store: st,
		jobs:  make(chan job, queueSize),
	}
}

// Run drains the write queue until ctx is canceled.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := j.fn(writeCtx); err != nil {
				metrics.MirrorFailures.Inc()
				slog.Warn("persistence write failed", "op", j.name, "err", err)
			}
			cancel()
		}
	}
}

// LoadOrCreate returns the participant's most recent active session for the
// mode, reconstructed from storage with derived fields recomputed locally,
// or a fresh session when none exists. Storage errors degrade to a fresh
// in-memory session rather than failing the caller.
func (s *Synchronizer) LoadOrCreate(ctx context.Context, participant string, mode model.Mode, settings model.ChallengeSettings) (*ledger.Ledger, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	stored, err := s.store.GetActiveSession(ctx, participant, mode)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("active session lookup failed, starting fresh", "participant", participant, "mode", mode, "err", err)
		}
		return s.createSession(ctx, participant, mode, settings)
	}

	// Reconstruct the trade log in original timestamp order and the
	// position set; derived fields are recomputed by Restore, never
	// trusted from storage.
	trades, err := s.store.GetTrades(ctx, stored.ID)
	if err != nil {
		slog.Warn("trade log load failed", "session", stored.ID, "err", err)
	}
	positions, err := s.store.GetPositions(ctx, stored.ID)
	if err != nil {
		slog.Warn("positions load failed", "session", stored.ID, "err", err)
	}
	stored.Trades = trades
	stored.Positions = positions

	l, err := ledger.Restore(*stored)
	if err != nil {
		slog.Warn("stored session unusable, starting fresh", "session", stored.ID, "err", err)
		return s.createSession(ctx, participant, mode, settings)
	}

	slog.Info("session restored", "session", stored.ID, "participant", participant, "mode", mode, "trades", len(trades))
	return l, nil
}

// Create always starts a fresh session, bypassing the active-session lookup.
// Used by session reset, where the superseded session may still be marked
// active in storage until its terminal write drains.
func (s *Synchronizer) Create(ctx context.Context, participant string, mode model.Mode, settings model.ChallengeSettings) (*ledger.Ledger, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return s.createSession(ctx, participant, mode, settings)
}

func (s *Synchronizer) createSession(ctx context.Context, participant string, mode model.Mode, settings model.ChallengeSettings) (*ledger.Ledger, error) {
	l, err := ledger.New(participant, mode, settings.StartingBalance)
	if err != nil {
		return nil, err
	}

	snap := l.Snapshot()
	if err := s.store.CreateSession(ctx, &snap); err != nil {
		// Keep trading from memory; the next mirror write recovers.
		metrics.MirrorFailures.Inc()
		slog.Warn("session create write failed", "session", snap.ID, "err", err)
	} else {
		slog.Info("session created", "session", snap.ID, "participant", participant, "mode", mode)
	}
	return l, nil
}

// TradeCommitted mirrors a committed trade plus the resulting session state.
func (s *Synchronizer) TradeCommitted(snap model.Session, trade model.Trade) {
	s.enqueue("trade_committed", func(ctx context.Context) error {
		if err := s.store.InsertTrade(ctx, snap.ID, trade); err != nil {
			return err
		}
		if err := s.store.ReplacePositions(ctx, snap.ID, snap.Positions); err != nil {
			return err
		}
		return s.store.UpdateSession(ctx, &snap)
	})
}

// PositionsChanged mirrors a revaluation: the position set is replaced
// wholesale and the session row refreshed.
func (s *Synchronizer) PositionsChanged(snap model.Session) {
	s.enqueue("positions_changed", func(ctx context.Context) error {
		if err := s.store.ReplacePositions(ctx, snap.ID, snap.Positions); err != nil {
			return err
		}
		return s.store.UpdateSession(ctx, &snap)
	})
}

// SessionEnded mirrors the terminal session state.
func (s *Synchronizer) SessionEnded(snap model.Session) {
	s.enqueue("session_ended", func(ctx context.Context) error {
		return s.store.UpdateSession(ctx, &snap)
	})
}

// enqueue adds a write job without ever blocking the trading path. When the
// queue is full the job is dropped; a later write carries the full state.
func (s *Synchronizer) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case s.jobs <- job{name: name, fn: fn}:
	default:
		metrics.MirrorDropped.Inc()
		slog.Warn("mirror queue full, dropping write", "op", name)
	}
}
