// Package ledger implements the session ledger and order execution engine.
//
// A Ledger is the authoritative state of one trading session: cash balance,
// open positions, and the append-only trade log. Each ledger has at most one
// writer at a time: every mutation runs under the ledger mutex, and
// valuation always reads the quote lookup while that mutex is held, so a
// revaluation and a concurrent price tick never produce a torn read.
//
// Derived numbers (P&L, P&L%) are recomputed from primitive fields on every
// mutation, never carried as running totals, to avoid compounding floating
// drift.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

// QuoteLookup returns the latest known quote for an instrument. It must not
// block; feed.(*Feed).Latest satisfies it.
type QuoteLookup func(model.Instrument) model.Quote

var hundred = decimal.NewFromInt(100)

// Ledger is the mutable state of one session. Exclusively owned by its
// session's execution path; no two sessions share a ledger.
type Ledger struct {
	mu sync.Mutex

	id           string
	participant  string
	mode         model.Mode
	startBalance decimal.Decimal
	cash         decimal.Decimal
	startTime    time.Time
	endTime      *time.Time

	trades    []model.Trade
	positions map[model.Instrument]*model.Position

	// Recomputed by revalue; cached only for snapshots.
	pnl        decimal.Decimal
	pnlPercent decimal.Decimal
}

// New creates a fresh ledger with the given starting balance.
func New(participant string, mode model.Mode, startBalance decimal.Decimal) (*Ledger, error) {
	if !startBalance.IsPositive() {
		return nil, model.ErrInvalidStartingBalance
	}
	return &Ledger{
		id:           uuid.New().String(),
		participant:  participant,
		mode:         mode,
		startBalance: startBalance,
		cash:         startBalance,
		startTime:    time.Now().UTC(),
		positions:    make(map[model.Instrument]*model.Position),
	}, nil
}

// Restore rebuilds a ledger from stored session state. Derived fields are
// recomputed locally from the primitive fields; stored derived values are
// never trusted, to guard against partial writes.
func Restore(sess model.Session) (*Ledger, error) {
	if !sess.StartBalance.IsPositive() {
		return nil, model.ErrInvalidStartingBalance
	}

	l := &Ledger{
		id:           sess.ID,
		participant:  sess.Participant,
		mode:         sess.Mode,
		startBalance: sess.StartBalance,
		cash:         sess.CurrentBalance,
		startTime:    sess.StartTime,
		endTime:      sess.EndTime,
		trades:       append([]model.Trade(nil), sess.Trades...),
		positions:    make(map[model.Instrument]*model.Position, len(sess.Positions)),
	}
	for _, p := range sess.Positions {
		pos := p
		l.positions[p.Instrument] = &pos
	}

	// Revalue against the stored per-position prices; the next feed tick
	// brings valuations current.
	l.mu.Lock()
	l.revalueLocked(func(in model.Instrument) model.Quote {
		if pos, ok := l.positions[in]; ok {
			return model.Quote{Instrument: in, Price: pos.CurrentPrice}
		}
		return model.Quote{}
	})
	l.mu.Unlock()

	return l, nil
}

// ID returns the session id.
func (l *Ledger) ID() string { return l.id }

// Participant returns the owning participant identity.
func (l *Ledger) Participant() string { return l.participant }

// Mode returns the session mode.
func (l *Ledger) Mode() model.Mode { return l.mode }

// Revalue marks all open positions to the latest quotes and recomputes
// session-level P&L. Calling it twice with the same quotes is idempotent.
func (l *Ledger) Revalue(lookup QuoteLookup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revalueLocked(lookup)
}

// revalueLocked recomputes every derived number from primitives. Callers
// hold l.mu.
func (l *Ledger) revalueLocked(lookup QuoteLookup) {
	for _, pos := range l.positions {
		if q := lookup(pos.Instrument); !q.IsZero() {
			pos.CurrentPrice = q.Price
		}
		// Average cost is always set from a strictly positive execution
		// price, so the division is safe.
		diff := pos.CurrentPrice.Sub(pos.AvgCost)
		pos.PnL = diff.Mul(pos.Quantity)
		pos.PnLPercent = diff.Div(pos.AvgCost).Mul(hundred)
	}

	holdings := decimal.Zero
	for _, pos := range l.positions {
		holdings = holdings.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	l.pnl = l.cash.Add(holdings).Sub(l.startBalance)
	l.pnlPercent = l.pnl.Div(l.startBalance).Mul(hundred)
}

// End marks the session completed. Idempotent: only the first call
// transitions, later calls are no-ops.
func (l *Ledger) End(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.endTime != nil {
		return false
	}
	t := now.UTC()
	l.endTime = &t
	return true
}

// Ended reports whether the session has been marked completed.
func (l *Ledger) Ended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endTime != nil
}

// Snapshot returns an immutable copy of the full session state. Positions
// are ordered canonically so snapshots are deterministic.
func (l *Ledger) Snapshot() model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() model.Session {
	status := model.StatusActive
	if l.endTime != nil {
		status = model.StatusCompleted
	}

	positions := make([]model.Position, 0, len(l.positions))
	for _, in := range model.Instruments() {
		if pos, ok := l.positions[in]; ok {
			positions = append(positions, *pos)
		}
	}

	var endTime *time.Time
	if l.endTime != nil {
		t := *l.endTime
		endTime = &t
	}

	return model.Session{
		ID:             l.id,
		Participant:    l.participant,
		Mode:           l.mode,
		StartBalance:   l.startBalance,
		CurrentBalance: l.cash,
		StartTime:      l.startTime,
		EndTime:        endTime,
		Trades:         append([]model.Trade(nil), l.trades...),
		Positions:      positions,
		PnL:            l.pnl,
		PnLPercent:     l.pnlPercent,
		Status:         status,
	}
}
