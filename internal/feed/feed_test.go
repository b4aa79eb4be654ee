package feed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
	"github.com/tduel/trade-engine/internal/quote"
)

type fakeStream struct {
	ch   chan model.Quote
	done chan struct{}
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan model.Quote, 16), done: make(chan struct{})}
}

func (s *fakeStream) Next() (model.Quote, error) {
	select {
	case q, ok := <-s.ch:
		if !ok {
			return model.Quote{}, io.EOF
		}
		return q, nil
	case <-s.done:
		return model.Quote{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeSource struct {
	mu          sync.Mutex
	snapshot    map[model.Instrument]model.Quote
	snapshotErr error
	streams     []*fakeStream
	opens       int
}

func (f *fakeSource) FetchSnapshot(context.Context, []model.Instrument) (map[model.Instrument]model.Quote, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeSource) OpenStream(context.Context, []model.Instrument) (quote.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.streams) == 0 {
		return nil, errors.New("no stream")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func q(in model.Instrument, price float64) model.Quote {
	return model.Quote{
		Instrument: in,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestFeedSeedsFromSnapshotAndAppliesTicks(t *testing.T) {
	stream := newFakeStream()
	src := &fakeSource{
		snapshot: map[model.Instrument]model.Quote{model.BTC: q(model.BTC, 100)},
		streams:  []*fakeStream{stream},
	}
	f := New(src, []model.Instrument{model.BTC}, WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, func() bool { return f.Latest(model.BTC).Price.Equal(decimal.NewFromInt(100)) })

	stream.ch <- q(model.BTC, 105)
	waitFor(t, func() bool { return f.Latest(model.BTC).Price.Equal(decimal.NewFromInt(105)) })
}

func TestFeedKeepsLastQuoteAcrossDisconnect(t *testing.T) {
	stream := newFakeStream()
	src := &fakeSource{
		snapshot: map[model.Instrument]model.Quote{model.BTC: q(model.BTC, 100)},
		streams:  []*fakeStream{stream},
	}
	f := New(src, []model.Instrument{model.BTC}, WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	stream.ch <- q(model.BTC, 105)
	waitFor(t, func() bool { return f.Latest(model.BTC).Price.Equal(decimal.NewFromInt(105)) })

	// Kill the stream; every reconnect attempt now fails.
	close(stream.ch)
	waitFor(t, func() bool { return src.openCount() >= 3 })

	if got := f.Latest(model.BTC).Price; !got.Equal(decimal.NewFromInt(105)) {
		t.Errorf("Latest after disconnect = %s, want last known 105", got)
	}
}

func TestFeedFallsBackToDefaultPrices(t *testing.T) {
	src := &fakeSource{snapshotErr: errors.New("venue down")}
	f := New(src, model.Instruments(), WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	for _, in := range model.Instruments() {
		in := in
		waitFor(t, func() bool { return f.Latest(in).Price.Equal(model.DefaultPrice(in)) })
		if !f.Latest(in).Change24h.IsZero() {
			t.Errorf("%s default change = %s, want 0", in, f.Latest(in).Change24h)
		}
	}
}

func TestFeedLatestBeforeRunIsZero(t *testing.T) {
	f := New(&fakeSource{}, model.Instruments())
	if !f.Latest(model.BTC).IsZero() {
		t.Error("Latest before Run should be the zero quote")
	}
}

func TestSubscribeReceivesTicksAndClosesOnShutdown(t *testing.T) {
	stream := newFakeStream()
	src := &fakeSource{
		snapshot: map[model.Instrument]model.Quote{model.BTC: q(model.BTC, 100)},
		streams:  []*fakeStream{stream},
	}
	f := New(src, []model.Instrument{model.BTC}, WithBackoff(time.Millisecond))
	sub := f.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Seed tick from the snapshot arrives first.
	select {
	case tick := <-sub:
		if tick.Instrument != model.BTC {
			t.Errorf("tick instrument = %s", tick.Instrument)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no seed tick")
	}

	cancel()
	<-done
	if _, ok := <-sub; ok {
		// Drain until closed; buffered ticks may remain.
		for range sub {
		}
	}
}
