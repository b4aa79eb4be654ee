package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

// Order rejection reasons. A rejected order produces no side effect and is
// reported synchronously; it is never queued or retried.
var (
	// ErrNonPositiveQuantity is returned for zero or negative quantities.
	ErrNonPositiveQuantity = errors.New("ledger: quantity must be positive")

	// ErrInsufficientBalance is returned when a buy would cost more than
	// the available cash. Balance can never go negative; this is enforced
	// before mutation, never corrected after.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInsufficientPosition is returned when a sell exceeds the held
	// quantity. Short selling is not possible.
	ErrInsufficientPosition = errors.New("ledger: insufficient position")

	// ErrNoPrice is returned when no quote has ever been obtained for the
	// instrument.
	ErrNoPrice = errors.New("ledger: no price available")

	// ErrSessionEnded is returned for orders against a completed session;
	// a new session must be created to trade again.
	ErrSessionEnded = errors.New("ledger: session has ended")
)

// Execute validates and applies one market order as a single atomic state
// transition: the trade is appended with the current quote as execution
// price, cash and positions are adjusted, and all P&L is recomputed, all
// under the ledger writer lock.
func (l *Ledger) Execute(in model.Instrument, side model.Side, qty decimal.Decimal, lookup QuoteLookup) (model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.endTime != nil {
		return model.Trade{}, ErrSessionEnded
	}
	if !qty.IsPositive() {
		return model.Trade{}, ErrNonPositiveQuantity
	}

	q := lookup(in)
	if q.IsZero() {
		return model.Trade{}, ErrNoPrice
	}
	price := q.Price
	cost := qty.Mul(price)

	switch side {
	case model.SideBuy:
		if cost.GreaterThan(l.cash) {
			return model.Trade{}, ErrInsufficientBalance
		}
	case model.SideSell:
		pos, ok := l.positions[in]
		if !ok || pos.Quantity.LessThan(qty) {
			return model.Trade{}, ErrInsufficientPosition
		}
	default:
		return model.Trade{}, model.ErrInvalidSide
	}

	trade := model.Trade{
		ID:         uuid.New().String(),
		Instrument: in,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}
	l.trades = append(l.trades, trade)

	if side == model.SideBuy {
		l.cash = l.cash.Sub(cost)
		l.applyBuy(in, qty, price)
	} else {
		l.cash = l.cash.Add(cost)
		l.applySell(in, qty)
	}

	l.revalueLocked(lookup)
	return trade, nil
}

// applyBuy folds the purchase into the position's weighted average cost:
// (oldQty*oldAvg + newQty*price) / (oldQty + newQty).
func (l *Ledger) applyBuy(in model.Instrument, qty, price decimal.Decimal) {
	pos, ok := l.positions[in]
	if !ok {
		l.positions[in] = &model.Position{
			Instrument:   in,
			Quantity:     qty,
			AvgCost:      price,
			CurrentPrice: price,
		}
		return
	}

	total := pos.Quantity.Add(qty)
	pos.AvgCost = pos.Quantity.Mul(pos.AvgCost).Add(qty.Mul(price)).Div(total)
	pos.Quantity = total
}

// applySell reduces the position. Average cost is unchanged by a sell; the
// realized gain or loss is implicit in the cash flow, not tracked as a
// separate field. A position reaching exactly zero is removed.
func (l *Ledger) applySell(in model.Instrument, qty decimal.Decimal) {
	pos := l.positions[in]
	pos.Quantity = pos.Quantity.Sub(qty)
	if pos.Quantity.IsZero() {
		delete(l.positions, in)
	}
}
