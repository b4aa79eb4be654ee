package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tduel/trade-engine/internal/model"
)

const (
	defaultRESTBase   = "https://api.binance.com"
	defaultStreamBase = "wss://stream.binance.com:9443"

	// Binance allows 1200 request weight/min on the public API; the
	// snapshot endpoint is only hit at startup and after stream failures,
	// so a conservative limit is plenty.
	snapshotRatePerSec = 2
)

// Binance implements Source against the Binance public market-data API.
// Quoted pairs are <SYMBOL>USDT.
type Binance struct {
	restBase   string
	streamBase string
	http       *http.Client
	limiter    *rate.Limiter
	dialer     *websocket.Dialer
}

// Option configures a Binance source.
type Option func(*Binance)

// WithRESTBase overrides the REST base URL (tests point this at httptest).
func WithRESTBase(base string) Option {
	return func(b *Binance) { b.restBase = strings.TrimRight(base, "/") }
}

// WithStreamBase overrides the websocket base URL.
func WithStreamBase(base string) Option {
	return func(b *Binance) { b.streamBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client used for snapshots.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Binance) { b.http = c }
}

// NewBinance creates a Binance-backed quote source.
func NewBinance(opts ...Option) *Binance {
	b := &Binance{
		restBase:   defaultRESTBase,
		streamBase: defaultStreamBase,
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(snapshotRatePerSec, 5),
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ticker24h is one row of GET /api/v3/ticker/24hr.
type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// FetchSnapshot loads one 24hr ticker per instrument in a single request.
func (b *Binance) FetchSnapshot(ctx context.Context, instruments []model.Instrument) (map[model.Instrument]model.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	symbols := make([]string, len(instruments))
	for i, in := range instruments {
		symbols[i] = fmt.Sprintf("%q", pairSymbol(in))
	}
	u := fmt.Sprintf("%s/api/v3/ticker/24hr?symbols=%s",
		b.restBase, url.QueryEscape("["+strings.Join(symbols, ",")+"]"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote: snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote: snapshot status %d", resp.StatusCode)
	}

	var tickers []ticker24h
	if err := json.NewDecoder(resp.Body).Decode(&tickers); err != nil {
		return nil, fmt.Errorf("quote: decode snapshot: %w", err)
	}

	now := time.Now().UTC()
	quotes := make(map[model.Instrument]model.Quote, len(tickers))
	for _, tk := range tickers {
		in, ok := instrumentForPair(tk.Symbol)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(tk.LastPrice)
		if err != nil || !price.IsPositive() {
			continue
		}
		change, err := decimal.NewFromString(tk.PriceChangePercent)
		if err != nil {
			change = decimal.Zero
		}
		quotes[in] = model.Quote{
			Instrument: in,
			Price:      price,
			Change24h:  change,
			Timestamp:  now,
		}
	}
	return quotes, nil
}

// OpenStream opens one multiplexed miniTicker stream for all instruments.
func (b *Binance) OpenStream(ctx context.Context, instruments []model.Instrument) (Stream, error) {
	names := make([]string, len(instruments))
	for i, in := range instruments {
		names[i] = strings.ToLower(pairSymbol(in)) + "@miniTicker"
	}
	u := fmt.Sprintf("%s/stream?streams=%s", b.streamBase, strings.Join(names, "/"))

	conn, _, err := b.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: dial stream: %w", err)
	}
	return &binanceStream{conn: conn}, nil
}

// combinedFrame is one message from the combined-stream endpoint.
type combinedFrame struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

// miniTicker is the 24hr rolling-window mini ticker payload.
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // epoch millis
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
}

type binanceStream struct {
	conn *websocket.Conn
}

func (s *binanceStream) Next() (model.Quote, error) {
	for {
		var frame combinedFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return model.Quote{}, err
		}

		in, ok := instrumentForPair(frame.Data.Symbol)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(frame.Data.Close)
		if err != nil || !price.IsPositive() {
			continue
		}

		// 24h change derived from the rolling open; the miniTicker does
		// not carry a precomputed percentage.
		change := decimal.Zero
		if open, err := decimal.NewFromString(frame.Data.Open); err == nil && open.IsPositive() {
			change = price.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
		}

		return model.Quote{
			Instrument: in,
			Price:      price,
			Change24h:  change,
			Timestamp:  time.UnixMilli(frame.Data.EventTime).UTC(),
		}, nil
	}
}

func (s *binanceStream) Close() error {
	return s.conn.Close()
}

func pairSymbol(in model.Instrument) string {
	return string(in) + "USDT"
}

func instrumentForPair(pair string) (model.Instrument, bool) {
	sym := strings.TrimSuffix(strings.ToUpper(pair), "USDT")
	in, err := model.ParseInstrument(sym)
	if err != nil {
		return "", false
	}
	return in, true
}
