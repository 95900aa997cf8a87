// Package binance binds the provider interface to the Binance spot API:
// REST for historical candles and trades, combined websocket streams for
// live feeds.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"candleflow/internal/market"
	"candleflow/internal/provider"
	"candleflow/internal/symbols"
	"candleflow/logger"
)

const providerID = "binance"

// Spot kline intervals accepted by the exchange.
var supportedTimeframes = map[market.Timeframe]bool{
	market.Timeframe1m:  true,
	market.Timeframe3m:  true,
	market.Timeframe5m:  true,
	market.Timeframe15m: true,
	market.Timeframe30m: true,
	market.Timeframe1h:  true,
	market.Timeframe2h:  true,
	market.Timeframe4h:  true,
	market.Timeframe6h:  true,
	market.Timeframe8h:  true,
	market.Timeframe12h: true,
	market.Timeframe1d:  true,
	market.Timeframe3d:  true,
	market.Timeframe1w:  true,
	market.Timeframe1M:  true,
}

// Options configure the REST and websocket clients.
type Options struct {
	APIKey    string
	APISecret string
	// BaseURL overrides the REST endpoint, mainly for tests.
	BaseURL string
	// WSBaseURL overrides the combined stream endpoint.
	WSBaseURL string
	// RequestsPerSecond paces REST calls below the exchange weight
	// limits. Zero disables local pacing.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Provider implements the provider interface against Binance spot.
type Provider struct {
	client  *gobinance.Client
	limiter *rate.Limiter
	wsBase  string
	log     *logger.Log
}

func New(opts Options) *Provider {
	client := gobinance.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	wsBase := opts.WSBaseURL
	if wsBase == "" {
		wsBase = "wss://stream.binance.com:9443/stream"
	}

	return &Provider{
		client:  client,
		limiter: limiter,
		wsBase:  wsBase,
		log:     logger.GetLogger(),
	}
}

func (p *Provider) ID() string { return providerID }

func (p *Provider) LoadCapabilities(context.Context) (provider.Capabilities, error) {
	return provider.Capabilities{
		SupportedTimeframes: supportedTimeframes,
		GroupedStreams:      true,
		Features: map[string]bool{
			"fetchCandles": true,
			"fetchTrades":  true,
		},
	}, nil
}

func (p *Provider) FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, sinceMillis int64, limit int, params map[string]any) ([]market.Candle, error) {
	if !supportedTimeframes[tf] {
		return nil, provider.Permanent(providerID, "fetch_candles", symbol,
			fmt.Errorf("interval %s not offered by exchange", tf))
	}
	if err := p.pace(ctx); err != nil {
		return nil, err
	}

	svc := p.client.NewKlinesService().
		Symbol(NativeSymbol(symbol)).
		Interval(string(tf))
	if sinceMillis > 0 {
		svc = svc.StartTime(sinceMillis)
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if end, ok := params["endTime"]; ok {
		if ms, ok := end.(int64); ok && ms > 0 {
			svc = svc.EndTime(ms)
		}
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("fetch_candles", symbol, err)
	}

	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromKline(k, symbol, tf)
		if err != nil {
			return nil, provider.Permanent(providerID, "fetch_candles", symbol, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Provider) FetchTrades(ctx context.Context, symbol string, sinceMillis int64, limit int) ([]market.Trade, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}

	svc := p.client.NewAggTradesService().Symbol(NativeSymbol(symbol))
	if sinceMillis > 0 {
		svc = svc.StartTime(sinceMillis)
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("fetch_trades", symbol, err)
	}

	out := make([]market.Trade, 0, len(raw))
	for _, t := range raw {
		trade, err := tradeFromAggTrade(t, symbol)
		if err != nil {
			return nil, provider.Permanent(providerID, "fetch_trades", symbol, err)
		}
		out = append(out, trade)
	}
	return out, nil
}

func (p *Provider) pace(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func candleFromKline(k *gobinance.Kline, symbol string, tf market.Timeframe) (market.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline open %q: %w", k.Open, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline low %q: %w", k.Low, err)
	}
	cls, err := decimal.NewFromString(k.Close)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline close %q: %w", k.Close, err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline volume %q: %w", k.Volume, err)
	}
	return market.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Symbol:    symbol,
		Timeframe: tf,
	}, nil
}

func tradeFromAggTrade(t *gobinance.AggTrade, symbol string) (market.Trade, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade price %q: %w", t.Price, err)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade quantity %q: %w", t.Quantity, err)
	}
	side := "buy"
	if t.IsBuyerMaker {
		side = "sell"
	}
	return market.Trade{
		Timestamp: time.UnixMilli(t.Timestamp).UTC(),
		Price:     price,
		Amount:    qty,
		Side:      side,
		ID:        fmt.Sprintf("%d", t.AggTradeID),
		Symbol:    symbol,
	}, nil
}

// classify maps exchange failures onto the retryable/permanent split.
// Rate limiting, bans and server-side errors are worth retrying; malformed
// requests and unknown symbols are not.
func classify(op, symbol string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1008: // TOO_MANY_REQUESTS, server busy
			return provider.Transient(providerID, op, symbol, err)
		case -1000, -1001, -1016: // internal error, disconnected, service shutting down
			return provider.Transient(providerID, op, symbol, err)
		}
		return provider.Permanent(providerID, op, symbol, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(providerID, op, symbol, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(providerID, op, symbol, err)
	}
	return provider.Permanent(providerID, op, symbol, err)
}

// NativeSymbol converts the canonical "BASE/QUOTE" form into the
// exchange's concatenated uppercase form.
func NativeSymbol(sym string) string {
	return symbols.Native(providerID, sym)
}
