// Package trade wires the session ledgers, challenge evaluators, price feed,
// persistence mirror and leaderboard into one HTTP/WebSocket service.
package trade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/challenge"
	"github.com/tduel/trade-engine/internal/feed"
	"github.com/tduel/trade-engine/internal/leaderboard"
	"github.com/tduel/trade-engine/internal/ledger"
	"github.com/tduel/trade-engine/internal/metrics"
	"github.com/tduel/trade-engine/internal/mirror"
	"github.com/tduel/trade-engine/internal/model"
)

// mirrorInterval throttles valuation-driven storage writes. Trades and
// terminal transitions mirror immediately; tick-by-tick revaluations only
// every interval.
const mirrorInterval = 2 * time.Second

// Service owns the live session registry. One managed session exists per
// (participant, mode) pair; all order flow and valuation for a session is
// serialized through its ledger.
type Service struct {
	feed   *feed.Feed
	mirror *mirror.Synchronizer
	board  *leaderboard.Aggregator
	hub    *WSHub

	defaultBalance decimal.Decimal

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	ledger    *ledger.Ledger
	evaluator *challenge.Evaluator

	// cancel stops the countdown goroutine; set when a challenge starts.
	// Guarded by Service.mu.
	cancel context.CancelFunc

	// lastMirror is touched only by the valuation loop goroutine.
	lastMirror time.Time
}

// NewService creates the trading service. Run must be started for valuations
// and challenge timers to advance.
func NewService(f *feed.Feed, m *mirror.Synchronizer, hub *WSHub, defaultBalance decimal.Decimal) *Service {
	return &Service{
		feed:           f,
		mirror:         m,
		board:          leaderboard.NewAggregator(),
		hub:            hub,
		defaultBalance: defaultBalance,
		sessions:       make(map[string]*managedSession),
	}
}

func sessionKey(participant string, mode model.Mode) string {
	return participant + "|" + string(mode)
}

// Open returns the managed session for (participant, mode), loading it from
// storage or creating it on first use. An ended session in the registry is
// replaced with a fresh one.
func (s *Service) Open(ctx context.Context, participant string, mode model.Mode, settings model.ChallengeSettings) (*managedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sessionKey(participant, mode)
	if ms, ok := s.sessions[k]; ok && !ms.ledger.Ended() {
		return ms, nil
	}

	l, err := s.mirror.LoadOrCreate(ctx, participant, mode, settings)
	if err != nil {
		return nil, err
	}
	ms := s.manage(l, settings)
	s.sessions[k] = ms
	s.updateActiveGaugeLocked()
	return ms, nil
}

// Reset ends the current session (if any) and starts a fresh one with the
// given settings.
func (s *Service) Reset(ctx context.Context, participant string, mode model.Mode, settings model.ChallengeSettings) (*managedSession, error) {
	if ms, ok := s.find(participant, mode); ok {
		ms.evaluator.End()
	}

	l, err := s.mirror.Create(ctx, participant, mode, settings)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.manage(l, settings)
	s.sessions[sessionKey(participant, mode)] = ms
	s.updateActiveGaugeLocked()
	return ms, nil
}

// manage wraps a ledger with a pending evaluator whose terminal transition
// ends the ledger and mirrors the final state. Callers hold s.mu.
func (s *Service) manage(l *ledger.Ledger, settings model.ChallengeSettings) *managedSession {
	ms := &managedSession{ledger: l}
	ms.evaluator = challenge.New(settings, func(reason challenge.Reason) {
		s.finish(ms, reason)
	})
	return ms
}

// finish runs on the evaluator's first terminal transition, whatever
// triggered it (threshold, timeout, user end, reset).
func (s *Service) finish(ms *managedSession, reason challenge.Reason) {
	ms.ledger.End(time.Now())

	s.mu.Lock()
	if ms.cancel != nil {
		ms.cancel()
		ms.cancel = nil
	}
	s.updateActiveGaugeLocked()
	s.mu.Unlock()

	snap := ms.ledger.Snapshot()
	s.mirror.SessionEnded(snap)
	if snap.Mode != model.ModeSolo {
		s.board.Upsert(snap.Participant, "", snap.PnL, snap.PnLPercent)
	}
	s.hub.Broadcast(WSMessage{
		Type:        "challenge_finished",
		SessionID:   snap.ID,
		Participant: snap.Participant,
		Mode:        string(snap.Mode),
		PnL:         snap.PnL.String(),
		PnLPercent:  snap.PnLPercent.String(),
		Reason:      string(reason),
	})
	slog.Info("session finished",
		"session", snap.ID,
		"participant", snap.Participant,
		"mode", snap.Mode,
		"reason", reason,
		"pnl", snap.PnL)
}

// StartChallenge transitions the session's challenge to active and launches
// its countdown. prizes is the battle prize split; empty for duels.
func (s *Service) StartChallenge(ms *managedSession, counterparty string, wager decimal.Decimal, prizes []decimal.Decimal) error {
	if err := ms.evaluator.Start(counterparty, wager, time.Now()); err != nil {
		return err
	}
	if len(prizes) > 0 {
		ms.evaluator.SetPrizes(prizes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	ms.cancel = cancel
	ev := ms.evaluator
	s.mu.Unlock()
	go ev.RunCountdown(ctx)

	snap := ms.ledger.Snapshot()
	if snap.Mode != model.ModeSolo {
		s.board.Upsert(snap.Participant, "", snap.PnL, snap.PnLPercent)
	}
	slog.Info("challenge started",
		"session", snap.ID,
		"participant", snap.Participant,
		"mode", snap.Mode,
		"counterparty", counterparty,
		"wager", wager)
	return nil
}

// SaveSettings replaces the challenge settings. Allowed only while the
// challenge is still pending; thresholds are immutable once started.
func (s *Service) SaveSettings(ms *managedSession, settings model.ChallengeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms.evaluator.Status(time.Now()).State != challenge.StatePending {
		return challenge.ErrNotPending
	}
	ms.evaluator = challenge.New(settings, func(reason challenge.Reason) {
		s.finish(ms, reason)
	})
	return nil
}

func (s *Service) find(participant string, mode model.Mode) (*managedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionKey(participant, mode)]
	return ms, ok
}

func (s *Service) list() []*managedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*managedSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		out = append(out, ms)
	}
	return out
}

func (s *Service) updateActiveGaugeLocked() {
	n := 0
	for _, ms := range s.sessions {
		if !ms.ledger.Ended() {
			n++
		}
	}
	metrics.ActiveSessions.Set(float64(n))
}

// Run consumes feed ticks: broadcasts quotes, revalues every live session,
// feeds the challenge evaluators and periodically mirrors valuations. Exits
// when ctx is canceled or the feed shuts down.
func (s *Service) Run(ctx context.Context) {
	ticks := s.feed.Subscribe()
	for {
		select {
		case <-ctx.Done():
			s.stopCountdowns()
			return
		case q, ok := <-ticks:
			if !ok {
				s.stopCountdowns()
				return
			}
			s.hub.Broadcast(WSMessage{
				Type:       "quote",
				Instrument: string(q.Instrument),
				Price:      q.Price.String(),
				Change24h:  q.Change24h.String(),
			})
			s.onTick()
		}
	}
}

func (s *Service) onTick() {
	now := time.Now()
	for _, ms := range s.list() {
		if ms.ledger.Ended() {
			continue
		}
		ms.ledger.Revalue(s.feed.Latest)
		snap := ms.ledger.Snapshot()

		s.mu.Lock()
		ev := ms.evaluator
		s.mu.Unlock()
		ev.Evaluate(snap.PnL, now)
		if ms.ledger.Ended() {
			// finish already mirrored and broadcast the terminal state.
			continue
		}

		if snap.Mode != model.ModeSolo {
			s.board.Upsert(snap.Participant, "", snap.PnL, snap.PnLPercent)
		}
		if now.Sub(ms.lastMirror) >= mirrorInterval {
			ms.lastMirror = now
			s.mirror.PositionsChanged(snap)
			s.hub.Broadcast(WSMessage{
				Type:        "session_update",
				SessionID:   snap.ID,
				Participant: snap.Participant,
				Mode:        string(snap.Mode),
				PnL:         snap.PnL.String(),
				PnLPercent:  snap.PnLPercent.String(),
			})
		}
	}
}

func (s *Service) stopCountdowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ms := range s.sessions {
		if ms.cancel != nil {
			ms.cancel()
			ms.cancel = nil
		}
	}
}

// Standings returns the current leaderboard.
func (s *Service) Standings() []model.LeaderboardEntry {
	return s.board.Standings()
}
