// Package quote fetches instrument prices from the external venue.
//
// The engine consumes prices through two contracts: a one-shot REST snapshot
// used at startup, and an unbounded push stream of tick updates. Binance's
// public market-data API provides both; no API key is required.
package quote

import (
	"context"

	"github.com/tduel/trade-engine/internal/model"
)

// Source provides instrument prices. Implementations must be safe for use
// by a single feed goroutine; they are not required to be concurrency-safe.
type Source interface {
	// FetchSnapshot returns one authoritative quote per requested
	// instrument. Instruments missing from the response are absent from
	// the map, not zero-valued.
	FetchSnapshot(ctx context.Context, instruments []model.Instrument) (map[model.Instrument]model.Quote, error)

	// OpenStream opens a push-based tick stream for the given instruments.
	// The stream delivers whole-quote replacements until it fails or is
	// closed.
	OpenStream(ctx context.Context, instruments []model.Instrument) (Stream, error)
}

// Stream is an open tick stream.
type Stream interface {
	// Next blocks until the next tick arrives. It returns an error when
	// the connection is lost or the stream is closed.
	Next() (model.Quote, error)

	// Close tears down the connection. Any blocked Next call returns.
	Close() error
}
