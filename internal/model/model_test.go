package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseInstrument(t *testing.T) {
	cases := []struct {
		in   string
		want Instrument
		ok   bool
	}{
		{"BTC", BTC, true},
		{"btc", BTC, true},
		{"Sol", SOL, true},
		{"PUMP", PUMP, true},
		{"XRP", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseInstrument(tc.in)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("ParseInstrument(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
			}
		} else if !errors.Is(err, ErrUnknownInstrument) {
			t.Errorf("ParseInstrument(%q) err = %v, want ErrUnknownInstrument", tc.in, err)
		}
	}
}

func TestInstrumentsReturnsCopy(t *testing.T) {
	first := Instruments()
	first[0] = "HACK"
	if Instruments()[0] != BTC {
		t.Error("Instruments exposed internal slice")
	}
}

func TestParseSideAndMode(t *testing.T) {
	if _, err := ParseSide("hold"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("ParseSide err = %v", err)
	}
	if s, err := ParseSide("sell"); err != nil || s != SideSell {
		t.Errorf("ParseSide(sell) = %v, %v", s, err)
	}
	if _, err := ParseMode("tournament"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("ParseMode err = %v", err)
	}
	if m, err := ParseMode("battle"); err != nil || m != ModeBattle {
		t.Errorf("ParseMode(battle) = %v, %v", m, err)
	}
}

func TestChallengeSettingsValidate(t *testing.T) {
	ok := ChallengeSettings{StartingBalance: decimal.NewFromInt(100)}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}

	for _, balance := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		bad := ChallengeSettings{StartingBalance: balance}
		if err := bad.Validate(); !errors.Is(err, ErrInvalidStartingBalance) {
			t.Errorf("Validate(%s) err = %v, want ErrInvalidStartingBalance", balance, err)
		}
	}
}

func TestQuoteIsZero(t *testing.T) {
	if !(Quote{}).IsZero() {
		t.Error("zero quote not reported zero")
	}
	q := Quote{Instrument: BTC, Price: decimal.NewFromInt(1)}
	if q.IsZero() {
		t.Error("priced quote reported zero")
	}
}
