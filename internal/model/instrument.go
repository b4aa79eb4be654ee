package model

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument is one of the fixed set of tradable symbols. The set is closed;
// identity is immutable.
type Instrument string

// Supported instruments.
const (
	BTC  Instrument = "BTC"
	ETH  Instrument = "ETH"
	SOL  Instrument = "SOL"
	PUMP Instrument = "PUMP"
	DOGE Instrument = "DOGE"
)

var instruments = []Instrument{BTC, ETH, SOL, PUMP, DOGE}

var validInstruments = map[Instrument]bool{
	BTC:  true,
	ETH:  true,
	SOL:  true,
	PUMP: true,
	DOGE: true,
}

// ErrUnknownInstrument is returned when a symbol is outside the fixed set.
var ErrUnknownInstrument = errors.New("model: unknown instrument")

// Instruments returns the full instrument set in canonical order.
func Instruments() []Instrument {
	out := make([]Instrument, len(instruments))
	copy(out, instruments)
	return out
}

// ParseInstrument validates a symbol, accepting any letter case.
func ParseInstrument(s string) (Instrument, error) {
	in := Instrument(strings.ToUpper(s))
	if !validInstruments[in] {
		return "", ErrUnknownInstrument
	}
	return in, nil
}

// DefaultPrice returns the last-resort default price used when no snapshot
// has ever been fetched. Reported with zero 24h change.
func DefaultPrice(in Instrument) decimal.Decimal {
	return defaultPrices[in]
}

var defaultPrices = map[Instrument]decimal.Decimal{
	BTC:  decimal.NewFromFloat(43250.00),
	ETH:  decimal.NewFromFloat(2280.00),
	SOL:  decimal.NewFromFloat(98.50),
	PUMP: decimal.NewFromFloat(0.0042),
	DOGE: decimal.NewFromFloat(0.078),
}
