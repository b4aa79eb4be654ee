package challenge

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func settings(target, loss *decimal.Decimal, duration time.Duration) model.ChallengeSettings {
	return model.ChallengeSettings{
		StartingBalance: d(10000),
		ProfitTarget:    target,
		LossLimit:       loss,
		Duration:        duration,
	}
}

func TestStartRequiresCounterparty(t *testing.T) {
	e := New(settings(nil, nil, 0), nil)
	if err := e.Start("", decimal.Zero, time.Now()); !errors.Is(err, ErrMissingCounterparty) {
		t.Fatalf("err = %v, want ErrMissingCounterparty", err)
	}
	if got := e.Status(time.Now()).State; got != StatePending {
		t.Errorf("state = %s, want pending after failed start", got)
	}
}

func TestStartIsSingleShot(t *testing.T) {
	e := New(settings(nil, nil, 0), nil)
	if err := e.Start("0xopp", d(50), time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("0xother", d(10), time.Now()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second Start err = %v, want ErrNotPending", err)
	}

	st := e.Status(time.Now())
	if st.Counterparty != "0xopp" || !st.Wager.Equal(d(50)) {
		t.Errorf("status = %+v, first start must win", st)
	}
}

func TestProfitTargetFinishes(t *testing.T) {
	var fired []Reason
	e := New(settings(ptr(d(1000)), nil, 0), func(r Reason) { fired = append(fired, r) })
	now := time.Now()
	if err := e.Start("0xopp", decimal.Zero, now); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Evaluate(d(999.99), now)
	if len(fired) != 0 {
		t.Fatal("finished below target")
	}
	e.Evaluate(d(1000.01), now)
	if len(fired) != 1 || fired[0] != ReasonProfitTarget {
		t.Fatalf("fired = %v, want one profit_target_hit", fired)
	}

	// Terminal state is idempotent: further evaluation and End are no-ops.
	e.Evaluate(d(2000), now)
	if e.End() {
		t.Error("End transitioned a finished challenge")
	}
	if len(fired) != 1 {
		t.Errorf("onFinish fired %d times, want exactly once", len(fired))
	}
}

func TestLossLimitUsesAbsoluteValue(t *testing.T) {
	cases := []struct {
		name string
		pnl  decimal.Decimal
		want Reason
	}{
		{"loss at limit", d(-500), ReasonLossLimit},
		{"loss past limit", d(-600), ReasonLossLimit},
		// |pnl| is compared, so a large gain also trips the limit when no
		// profit target masks it.
		{"gain past limit", d(600), ReasonLossLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got Reason
			e := New(settings(nil, ptr(d(500)), 0), func(r Reason) { got = r })
			now := time.Now()
			if err := e.Start("0xopp", decimal.Zero, now); err != nil {
				t.Fatalf("Start: %v", err)
			}
			e.Evaluate(tc.pnl, now)
			if got != tc.want {
				t.Errorf("reason = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProfitTargetCheckedBeforeLossLimit(t *testing.T) {
	var got Reason
	e := New(settings(ptr(d(500)), ptr(d(500)), 0), func(r Reason) { got = r })
	now := time.Now()
	if err := e.Start("0xopp", decimal.Zero, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Evaluate(d(500), now)
	if got != ReasonProfitTarget {
		t.Errorf("reason = %q, want profit_target_hit to mask the abs-loss check", got)
	}
}

func TestDurationTimeout(t *testing.T) {
	var got Reason
	e := New(settings(nil, nil, 10*time.Minute), func(r Reason) { got = r })
	start := time.Now()
	if err := e.Start("0xopp", decimal.Zero, start); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Evaluate(decimal.Zero, start.Add(9*time.Minute))
	if got != "" {
		t.Fatal("finished before the deadline")
	}

	st := e.Status(start.Add(9 * time.Minute))
	if st.TimeRemaining != time.Minute {
		t.Errorf("time remaining = %s, want 1m", st.TimeRemaining)
	}

	e.Evaluate(decimal.Zero, start.Add(10*time.Minute))
	if got != ReasonTimeout {
		t.Errorf("reason = %q, want timeout", got)
	}
}

func TestEndFromPending(t *testing.T) {
	var got Reason
	e := New(settings(nil, nil, 0), func(r Reason) { got = r })

	if !e.End() {
		t.Fatal("End from pending returned false")
	}
	if got != ReasonUserEnded {
		t.Errorf("reason = %q, want user_ended", got)
	}
	if st := e.Status(time.Now()); st.State != StateFinished {
		t.Errorf("state = %s, want finished", st.State)
	}
}

func TestEvaluateIgnoredWhilePending(t *testing.T) {
	var fired bool
	e := New(settings(ptr(d(100)), nil, 0), func(Reason) { fired = true })
	e.Evaluate(d(1000), time.Now())
	if fired {
		t.Error("pending challenge evaluated thresholds")
	}
}

func TestOnFinishMayCallBackIntoEvaluator(t *testing.T) {
	// The callback runs outside the evaluator mutex, so finish handlers can
	// query status without deadlocking.
	var st Status
	var e *Evaluator
	e = New(settings(nil, nil, 0), func(Reason) { st = e.Status(time.Now()) })
	if err := e.Start("0xopp", decimal.Zero, time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.End()
	if st.State != StateFinished || st.Reason != ReasonUserEnded {
		t.Errorf("status from callback = %+v", st)
	}
}
