// Package challenge evaluates session P&L and elapsed time against the
// configured termination thresholds.
//
// An Evaluator is a small state machine: pending → active → finished(reason).
// Finished is terminal and idempotent: firing the end action more than once
// is a no-op. The countdown runs at 1-second resolution independently of the
// valuation refresh cadence.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

// State of the challenge lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateFinished State = "finished"
)

// Reason a challenge finished.
type Reason string

const (
	ReasonProfitTarget Reason = "profit_target_hit"
	ReasonLossLimit    Reason = "loss_limit_hit"
	ReasonTimeout      Reason = "timeout"
	ReasonUserEnded    Reason = "user_ended"
)

var (
	// ErrMissingCounterparty is returned when Start is called without the
	// required opponent or group identity.
	ErrMissingCounterparty = errors.New("challenge: counterparty or group required")

	// ErrNotPending is returned when Start is called on a challenge that
	// already started or finished.
	ErrNotPending = errors.New("challenge: already started")
)

// Status is an immutable view of the evaluator for snapshots. Thresholds are
// echoed so clients can render progress against the live session P&L.
type Status struct {
	State         State             `json:"state"`
	Reason        Reason            `json:"reason,omitempty"`
	Counterparty  string            `json:"counterparty,omitempty"`
	Wager         decimal.Decimal   `json:"wager"`
	Prizes        []decimal.Decimal `json:"prizes,omitempty"`
	ProfitTarget  *decimal.Decimal  `json:"profit_target,omitempty"`
	LossLimit     *decimal.Decimal  `json:"loss_limit,omitempty"`
	TimeRemaining time.Duration     `json:"time_remaining,omitempty"`
}

// Evaluator watches one session's P&L against its ChallengeSettings.
type Evaluator struct {
	mu       sync.Mutex
	settings model.ChallengeSettings

	state        State
	reason       Reason
	counterparty string
	wager        decimal.Decimal
	prizes       []decimal.Decimal
	startedAt    time.Time
	deadline     time.Time // zero when no duration is configured

	// onFinish fires exactly once, on the first terminal transition.
	onFinish func(Reason)
}

// New creates a pending evaluator. onFinish may be nil.
func New(settings model.ChallengeSettings, onFinish func(Reason)) *Evaluator {
	return &Evaluator{
		settings: settings,
		state:    StatePending,
		onFinish: onFinish,
	}
}

// Settings returns the immutable challenge settings.
func (e *Evaluator) Settings() model.ChallengeSettings {
	return e.settings
}

// Start transitions pending → active. A counterparty (opponent address or
// group name) is required; wager may be zero.
func (e *Evaluator) Start(counterparty string, wager decimal.Decimal, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePending {
		return ErrNotPending
	}
	if counterparty == "" {
		return ErrMissingCounterparty
	}

	e.counterparty = counterparty
	e.wager = wager
	e.startedAt = now.UTC()
	if e.settings.Duration > 0 {
		e.deadline = e.startedAt.Add(e.settings.Duration)
	}
	e.state = StateActive
	return nil
}

// SetPrizes records the battle prize split. Informational: prizes are echoed
// in Status but never evaluated.
func (e *Evaluator) SetPrizes(prizes []decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prizes = append([]decimal.Decimal(nil), prizes...)
}

// Evaluate checks the thresholds against the current P&L. Invoked after
// every revaluation and on timer ticks. Check order: timeout, then profit
// target, then loss limit.
//
// The loss limit compares |pnl| literally, as the original behavior does, so
// a gain at or past the limit also ends the session; the profit-target check
// runs first and masks this whenever a target is configured at or below the
// limit.
func (e *Evaluator) Evaluate(pnl decimal.Decimal, now time.Time) {
	e.mu.Lock()
	if e.state != StateActive {
		e.mu.Unlock()
		return
	}

	var reason Reason
	switch {
	case !e.deadline.IsZero() && !now.Before(e.deadline):
		reason = ReasonTimeout
	case e.settings.ProfitTarget != nil && pnl.GreaterThanOrEqual(*e.settings.ProfitTarget):
		reason = ReasonProfitTarget
	case e.settings.LossLimit != nil && pnl.Abs().GreaterThanOrEqual(*e.settings.LossLimit):
		reason = ReasonLossLimit
	default:
		e.mu.Unlock()
		return
	}

	e.finishLocked(reason)
}

// End finishes the challenge as user_ended. Works from pending (solo
// sessions never start a challenge) or active; a no-op once finished.
// Reports whether this call performed the transition.
func (e *Evaluator) End() bool {
	e.mu.Lock()
	if e.state == StateFinished {
		e.mu.Unlock()
		return false
	}
	e.finishLocked(ReasonUserEnded)
	return true
}

// finishLocked performs the terminal transition and releases the mutex
// before invoking the callback, so onFinish may take other locks freely.
func (e *Evaluator) finishLocked(reason Reason) {
	e.state = StateFinished
	e.reason = reason
	cb := e.onFinish
	e.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

// RunCountdown drives the duration timeout at 1-second resolution until the
// challenge finishes or ctx is canceled. Safe to run for challenges without
// a duration; it simply waits for cancellation or finish.
func (e *Evaluator) RunCountdown(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.mu.Lock()
			if e.state == StateFinished {
				e.mu.Unlock()
				return
			}
			if e.state == StateActive && !e.deadline.IsZero() && !now.Before(e.deadline) {
				e.finishLocked(ReasonTimeout)
				return
			}
			e.mu.Unlock()
		}
	}
}

// Status returns the current state for snapshot responses.
func (e *Evaluator) Status(now time.Time) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		State:        e.state,
		Reason:       e.reason,
		Counterparty: e.counterparty,
		Wager:        e.wager,
		Prizes:       append([]decimal.Decimal(nil), e.prizes...),
		ProfitTarget: e.settings.ProfitTarget,
		LossLimit:    e.settings.LossLimit,
	}
	if e.state == StateActive && !e.deadline.IsZero() {
		if remaining := e.deadline.Sub(now); remaining > 0 {
			s.TimeRemaining = remaining
		}
	}
	return s
}
