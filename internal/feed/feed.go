// Package feed owns the current-price table and the quote source connection
// lifecycle.
//
// Liveness over strict freshness: when the upstream stream drops, callers
// keep reading the last good quote while the feed reconnects in the
// background on a fixed backoff. Feed failures never surface to callers.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/metrics"
	"github.com/tduel/trade-engine/internal/model"
	"github.com/tduel/trade-engine/internal/quote"
)

// DefaultBackoff is the fixed wait between reconnect attempts.
const DefaultBackoff = 5 * time.Second

const subscriberBuffer = 64

// Feed maintains the latest quote per instrument. The table is shared-read,
// single-writer: only the Run goroutine writes, and every write replaces a
// whole Quote record, so readers never observe partial state.
type Feed struct {
	source      quote.Source
	instruments []model.Instrument
	backoff     time.Duration

	mu     sync.RWMutex
	quotes map[model.Instrument]model.Quote

	subMu sync.Mutex
	subs  []chan model.Quote
}

// Option configures a Feed.
type Option func(*Feed)

// WithBackoff overrides the reconnect backoff (tests shrink it).
func WithBackoff(d time.Duration) Option {
	return func(f *Feed) { f.backoff = d }
}

// New creates a feed for the given instruments. Run must be called to start
// ingestion.
func New(source quote.Source, instruments []model.Instrument, opts ...Option) *Feed {
	f := &Feed{
		source:      source,
		instruments: instruments,
		backoff:     DefaultBackoff,
		quotes:      make(map[model.Instrument]model.Quote, len(instruments)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Latest returns the most recent known quote. It never blocks; before the
// first successful fetch it returns the zero Quote for that instrument.
func (f *Feed) Latest(in model.Instrument) model.Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.quotes[in]
}

// Subscribe registers a tick listener. Slow subscribers lose ticks rather
// than blocking ingestion; the channel closes when the feed shuts down.
func (f *Feed) Subscribe() <-chan model.Quote {
	ch := make(chan model.Quote, subscriberBuffer)
	f.subMu.Lock()
	f.subs = append(f.subs, ch)
	f.subMu.Unlock()
	return ch
}

// Run ingests quotes until ctx is canceled: one snapshot fetch (falling back
// to the default price set), then a stream loop that reconnects indefinitely
// on the fixed backoff.
func (f *Feed) Run(ctx context.Context) {
	defer f.closeSubs()

	f.loadSnapshot(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := f.source.OpenStream(ctx, f.instruments)
		if err != nil {
			slog.Warn("price stream connect failed", "err", err, "backoff", f.backoff)
			metrics.FeedReconnects.Inc()
			if !sleep(ctx, f.backoff) {
				return
			}
			continue
		}

		f.consume(ctx, stream)

		if ctx.Err() != nil {
			return
		}
		slog.Warn("price stream disconnected, reconnecting", "backoff", f.backoff)
		metrics.FeedReconnects.Inc()
		if !sleep(ctx, f.backoff) {
			return
		}
	}
}

// loadSnapshot seeds the table from one REST snapshot. Instruments the
// venue did not answer for (or the whole set, if the fetch fails) get the
// last-resort defaults with zero 24h change so the engine stays usable.
func (f *Feed) loadSnapshot(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	snapshot, err := f.source.FetchSnapshot(fetchCtx, f.instruments)
	if err != nil {
		slog.Warn("snapshot fetch failed, using default prices", "err", err)
		snapshot = nil
	}

	now := time.Now().UTC()
	for _, in := range f.instruments {
		q, ok := snapshot[in]
		if !ok {
			q = model.Quote{
				Instrument: in,
				Price:      model.DefaultPrice(in),
				Change24h:  decimal.Zero,
				Timestamp:  now,
			}
		}
		f.publish(q)
	}
}

// consume reads the stream until it fails or ctx is canceled.
func (f *Feed) consume(ctx context.Context, stream quote.Stream) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	for {
		q, err := stream.Next()
		if err != nil {
			stream.Close()
			return
		}
		f.publish(q)
	}
}

// publish replaces the instrument's quote wholesale and fans the tick out to
// subscribers without blocking.
func (f *Feed) publish(q model.Quote) {
	f.mu.Lock()
	f.quotes[q.Instrument] = q
	f.mu.Unlock()

	metrics.FeedTicks.WithLabelValues(string(q.Instrument)).Inc()

	f.subMu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- q:
		default:
			// Drop for lagging subscribers; the next tick supersedes.
		}
	}
	f.subMu.Unlock()
}

func (f *Feed) closeSubs() {
	f.subMu.Lock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.subMu.Unlock()
}

// sleep waits d or until ctx is done; reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
