// Package provider defines the market data provider capability interface
// consumed by the backfill and streaming engines, together with the error
// taxonomy separating retryable conditions from provider rejections.
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/market"
)

// Capabilities is the provider self-description loaded at startup.
type Capabilities struct {
	// SupportedTimeframes is the provider's candle interval set. An empty
	// map means the provider does not advertise one and every timeframe is
	// accepted optimistically.
	SupportedTimeframes map[market.Timeframe]bool
	// GroupedStreams reports native multi-symbol subscriptions: one
	// connection carrying payloads for many symbols, demuxed by symbol key.
	GroupedStreams bool
	// Features holds free-form capability flags (e.g. "fetchTrades").
	Features map[string]bool
}

// FeedType selects which live feed a subscription delivers.
type FeedType string

const (
	FeedCandles   FeedType = "candles"
	FeedTrades    FeedType = "trades"
	FeedTicker    FeedType = "ticker"
	FeedOrderBook FeedType = "orderbook"
)

// CandleUpdate is the provider's current known-candle window for one symbol.
// Providers that push rolling windows deliver several candles per update,
// the last of which is usually still forming.
type CandleUpdate struct {
	Symbol  string
	Candles []market.Candle
}

// TradeEvent is a batch of executed trades for one symbol.
type TradeEvent struct {
	Symbol string
	Trades []market.Trade
}

// TickerUpdate is the latest observed price for one symbol.
type TickerUpdate struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

// BookTop is the best bid/ask observed for one symbol.
type BookTop struct {
	Symbol  string
	BidPx   decimal.Decimal
	BidQty  decimal.Decimal
	AskPx   decimal.Decimal
	AskQty  decimal.Decimal
	Time    time.Time
}

// Payload is one received subscription message. Exactly one of the feed
// fields is set, matching the subscription's feed type.
type Payload struct {
	Candles *CandleUpdate
	Trades  *TradeEvent
	Ticker  *TickerUpdate
	Book    *BookTop
}

// Subscription is one live feed attachment. Recv blocks until the next
// payload, the context is cancelled, or the feed fails. Feed failures
// surface as *TransientError when reconnecting is appropriate.
type Subscription interface {
	Recv(ctx context.Context) (Payload, error)
	Close() error
}

// SubscribeOptions carries per-subscription parameters.
type SubscribeOptions struct {
	Timeframe market.Timeframe // candle feed only
	Depth     int              // order book feed only
	PriceRef  string           // price reference variant, preset-validated
	Params    map[string]any   // provider passthrough parameters
}

// Provider is the remote market-data capability consumed by the engines.
// Implementations classify retryable failures as *TransientError and
// everything else as *Error.
type Provider interface {
	// ID returns the provider identifier used for preset lookup.
	ID() string

	LoadCapabilities(ctx context.Context) (Capabilities, error)

	// FetchCandles returns one page of candles ordered ascending by
	// timestamp, starting at sinceMillis (epoch ms, 0 = provider default),
	// at most limit records. params carries preset-built request quirks.
	FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, sinceMillis int64, limit int, params map[string]any) ([]market.Candle, error)

	// FetchTrades returns historical trades from sinceMillis.
	FetchTrades(ctx context.Context, symbol string, sinceMillis int64, limit int) ([]market.Trade, error)

	// Subscribe attaches to a live feed for the given symbols. Providers
	// without grouped streams accept a single symbol per call.
	Subscribe(ctx context.Context, feed FeedType, symbols []string, opts SubscribeOptions) (Subscription, error)
}
