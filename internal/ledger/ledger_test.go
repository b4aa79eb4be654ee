package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func lookupFixed(prices map[model.Instrument]float64) QuoteLookup {
	return func(in model.Instrument) model.Quote {
		p, ok := prices[in]
		if !ok {
			return model.Quote{}
		}
		return model.Quote{Instrument: in, Price: decimal.NewFromFloat(p), Timestamp: time.Now()}
	}
}

func newLedger(t *testing.T, balance float64) *Ledger {
	t.Helper()
	l, err := New("0xabc", model.ModeSolo, d(balance))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestBuyCreatesPosition(t *testing.T) {
	l := newLedger(t, 10000)
	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 100})

	trade, err := l.Execute(model.BTC, model.SideBuy, d(2), lookup)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !trade.Price.Equal(d(100)) {
		t.Errorf("trade price = %s, want 100", trade.Price)
	}

	snap := l.Snapshot()
	if !snap.CurrentBalance.Equal(d(9800)) {
		t.Errorf("balance = %s, want 9800", snap.CurrentBalance)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(snap.Positions))
	}
	pos := snap.Positions[0]
	if !pos.Quantity.Equal(d(2)) || !pos.AvgCost.Equal(d(100)) {
		t.Errorf("position = qty %s avg %s, want qty 2 avg 100", pos.Quantity, pos.AvgCost)
	}
	if !snap.PnL.IsZero() {
		t.Errorf("pnl = %s, want 0", snap.PnL)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	l := newLedger(t, 10000)

	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookupFixed(map[model.Instrument]float64{model.BTC: 100})); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookupFixed(map[model.Instrument]float64{model.BTC: 50})); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	snap := l.Snapshot()
	pos := snap.Positions[0]
	if !pos.Quantity.Equal(d(2)) {
		t.Errorf("quantity = %s, want 2", pos.Quantity)
	}
	if !pos.AvgCost.Equal(d(75)) {
		t.Errorf("avg cost = %s, want 75", pos.AvgCost)
	}
}

func TestSellKeepsAvgCost(t *testing.T) {
	l := newLedger(t, 10000)

	if _, err := l.Execute(model.BTC, model.SideBuy, d(2), lookupFixed(map[model.Instrument]float64{model.BTC: 100})); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := l.Execute(model.BTC, model.SideSell, d(1), lookupFixed(map[model.Instrument]float64{model.BTC: 150})); err != nil {
		t.Fatalf("sell: %v", err)
	}

	snap := l.Snapshot()
	pos := snap.Positions[0]
	if !pos.AvgCost.Equal(d(100)) {
		t.Errorf("avg cost after sell = %s, want unchanged 100", pos.AvgCost)
	}
	if !pos.Quantity.Equal(d(1)) {
		t.Errorf("quantity = %s, want 1", pos.Quantity)
	}
	// cash 10000 - 200 + 150 = 9950; holdings 1*150; pnl = 9950+150-10000
	if !snap.PnL.Equal(d(100)) {
		t.Errorf("pnl = %s, want 100", snap.PnL)
	}
}

func TestSellToZeroRemovesPosition(t *testing.T) {
	l := newLedger(t, 10000)
	lookup := lookupFixed(map[model.Instrument]float64{model.SOL: 98.5})

	if _, err := l.Execute(model.SOL, model.SideBuy, d(4), lookup); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := l.Execute(model.SOL, model.SideSell, d(4), lookup); err != nil {
		t.Fatalf("sell: %v", err)
	}

	snap := l.Snapshot()
	if len(snap.Positions) != 0 {
		t.Errorf("positions = %d, want 0 after full exit", len(snap.Positions))
	}
	if !snap.CurrentBalance.Equal(d(10000)) {
		t.Errorf("balance = %s, want 10000", snap.CurrentBalance)
	}
}

func TestRejectionsLeaveStateUnchanged(t *testing.T) {
	l := newLedger(t, 100)
	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 100, model.ETH: 50})
	before := l.Snapshot()

	cases := []struct {
		name    string
		in      model.Instrument
		side    model.Side
		qty     decimal.Decimal
		lookup  QuoteLookup
		wantErr error
	}{
		{"zero quantity", model.BTC, model.SideBuy, d(0), lookup, ErrNonPositiveQuantity},
		{"negative quantity", model.BTC, model.SideBuy, d(-1), lookup, ErrNonPositiveQuantity},
		{"buy over balance", model.BTC, model.SideBuy, d(2), lookup, ErrInsufficientBalance},
		{"sell without position", model.ETH, model.SideSell, d(1), lookup, ErrInsufficientPosition},
		{"no price", model.DOGE, model.SideBuy, d(1), lookup, ErrNoPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Execute(tc.in, tc.side, tc.qty, tc.lookup); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			after := l.Snapshot()
			if !after.CurrentBalance.Equal(before.CurrentBalance) || len(after.Trades) != 0 || len(after.Positions) != 0 {
				t.Errorf("state changed after rejection: balance %s trades %d positions %d",
					after.CurrentBalance, len(after.Trades), len(after.Positions))
			}
		})
	}
}

func TestNoShorting(t *testing.T) {
	l := newLedger(t, 10000)
	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 100})

	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookup); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := l.Execute(model.BTC, model.SideSell, d(2), lookup); !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("oversell err = %v, want ErrInsufficientPosition", err)
	}
}

func TestEndedSessionRejectsOrders(t *testing.T) {
	l := newLedger(t, 10000)
	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 100})

	if !l.End(time.Now()) {
		t.Fatal("first End returned false")
	}
	if l.End(time.Now()) {
		t.Error("second End transitioned again")
	}

	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookup); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("err = %v, want ErrSessionEnded", err)
	}
	if l.Snapshot().Status != model.StatusCompleted {
		t.Error("status not completed after End")
	}
}

func TestRevalueIsIdempotent(t *testing.T) {
	l := newLedger(t, 10000)
	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookupFixed(map[model.Instrument]float64{model.BTC: 100})); err != nil {
		t.Fatalf("buy: %v", err)
	}

	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 120})
	l.Revalue(lookup)
	first := l.Snapshot()
	l.Revalue(lookup)
	second := l.Snapshot()

	if !first.PnL.Equal(second.PnL) || !first.PnLPercent.Equal(second.PnLPercent) {
		t.Errorf("revalue not idempotent: %s/%s vs %s/%s",
			first.PnL, first.PnLPercent, second.PnL, second.PnLPercent)
	}
	if !first.PnL.Equal(d(20)) {
		t.Errorf("pnl = %s, want 20", first.PnL)
	}
}

func TestRevalueWithoutQuoteKeepsLastPrice(t *testing.T) {
	l := newLedger(t, 10000)
	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookupFixed(map[model.Instrument]float64{model.BTC: 100})); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// A lookup with no quote leaves the last valuation price in place.
	l.Revalue(func(model.Instrument) model.Quote { return model.Quote{} })
	snap := l.Snapshot()
	if !snap.Positions[0].CurrentPrice.Equal(d(100)) {
		t.Errorf("current price = %s, want last known 100", snap.Positions[0].CurrentPrice)
	}
}

func TestRestoreRecomputesDerivedFields(t *testing.T) {
	stored := model.Session{
		ID:             "sess-1",
		Participant:    "0xabc",
		Mode:           model.ModeDuel,
		StartBalance:   d(10000),
		CurrentBalance: d(9800),
		StartTime:      time.Now().Add(-time.Hour),
		Positions: []model.Position{{
			Instrument:   model.BTC,
			Quantity:     d(2),
			AvgCost:      d(100),
			CurrentPrice: d(110),
			PnL:          d(-9999), // garbage, must be recomputed
		}},
		PnL: d(-9999),
	}

	l, err := Restore(stored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snap := l.Snapshot()
	if !snap.Positions[0].PnL.Equal(d(20)) {
		t.Errorf("position pnl = %s, want recomputed 20", snap.Positions[0].PnL)
	}
	// 9800 + 2*110 - 10000 = 20
	if !snap.PnL.Equal(d(20)) {
		t.Errorf("session pnl = %s, want recomputed 20", snap.PnL)
	}
}

func TestRestoreRejectsBadBalance(t *testing.T) {
	_, err := Restore(model.Session{StartBalance: d(0)})
	if !errors.Is(err, model.ErrInvalidStartingBalance) {
		t.Fatalf("err = %v, want ErrInvalidStartingBalance", err)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	l := newLedger(t, 10000)
	lookup := lookupFixed(map[model.Instrument]float64{model.BTC: 100})
	if _, err := l.Execute(model.BTC, model.SideBuy, d(1), lookup); err != nil {
		t.Fatalf("buy: %v", err)
	}

	snap := l.Snapshot()
	snap.Positions[0].Quantity = d(999)
	snap.Trades[0].Quantity = d(999)

	fresh := l.Snapshot()
	if !fresh.Positions[0].Quantity.Equal(d(1)) {
		t.Error("mutating a snapshot leaked into the ledger positions")
	}
	if !fresh.Trades[0].Quantity.Equal(d(1)) {
		t.Error("mutating a snapshot leaked into the trade log")
	}
}

func TestPositionsInCanonicalOrder(t *testing.T) {
	l := newLedger(t, 10000)
	prices := map[model.Instrument]float64{model.BTC: 100, model.ETH: 50, model.SOL: 10}
	for _, in := range []model.Instrument{model.SOL, model.BTC, model.ETH} {
		if _, err := l.Execute(in, model.SideBuy, d(1), lookupFixed(prices)); err != nil {
			t.Fatalf("buy %s: %v", in, err)
		}
	}

	snap := l.Snapshot()
	want := []model.Instrument{model.BTC, model.ETH, model.SOL}
	for i, in := range want {
		if snap.Positions[i].Instrument != in {
			t.Errorf("positions[%d] = %s, want %s", i, snap.Positions[i].Instrument, in)
		}
	}
}
