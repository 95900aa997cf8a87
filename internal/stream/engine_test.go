package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/market"
	"candleflow/internal/provider"
	"candleflow/internal/sink"
)

type step struct {
	payload provider.Payload
	err     error
}

// scriptedSub replays a fixed sequence of payloads and errors, then blocks
// until the context is cancelled.
type scriptedSub struct {
	steps []step
	i     int
}

func (s *scriptedSub) Recv(ctx context.Context) (provider.Payload, error) {
	if s.i >= len(s.steps) {
		<-ctx.Done()
		return provider.Payload{}, ctx.Err()
	}
	st := s.steps[s.i]
	s.i++
	if st.err != nil {
		return provider.Payload{}, st.err
	}
	return st.payload, nil
}

func (s *scriptedSub) Close() error { return nil }

type scriptedProvider struct {
	id      string
	grouped bool

	mu         sync.Mutex
	subs       []*scriptedSub
	subErr     error
	subscribes int
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) LoadCapabilities(context.Context) (provider.Capabilities, error) {
	return provider.Capabilities{GroupedStreams: p.grouped}, nil
}

func (p *scriptedProvider) FetchCandles(context.Context, string, market.Timeframe, int64, int, map[string]any) ([]market.Candle, error) {
	return nil, nil
}

func (p *scriptedProvider) FetchTrades(context.Context, string, int64, int) ([]market.Trade, error) {
	return nil, nil
}

func (p *scriptedProvider) Subscribe(_ context.Context, _ provider.FeedType, _ []string, _ provider.SubscribeOptions) (provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	if p.subErr != nil {
		return nil, p.subErr
	}
	if len(p.subs) == 0 {
		return &scriptedSub{}, nil
	}
	sub := p.subs[0]
	p.subs = p.subs[1:]
	return sub, nil
}

func (p *scriptedProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

func candleAt(ts time.Time, price int64) market.Candle {
	d := decimal.NewFromInt(price)
	return market.Candle{
		Timestamp: ts,
		Open:      d, High: d, Low: d, Close: d,
		Volume:    decimal.NewFromInt(1),
		Symbol:    "BTC/USDT",
		Timeframe: market.Timeframe1m,
	}
}

func tradeAt(ts time.Time, id string, price int64) market.Trade {
	return market.Trade{
		Timestamp: ts,
		Price:     decimal.NewFromInt(price),
		Amount:    decimal.NewFromInt(1),
		Side:      "buy",
		ID:        id,
	}
}

// instant makes the engine deterministic and fast in tests.
func instant(e *Engine, now time.Time) {
	e.now = func() time.Time { return now }
	e.randf = func() float64 { return 0.5 }
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}

func TestStreamDropsReplayedTrades(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &scriptedProvider{id: "binance", subs: []*scriptedSub{{steps: []step{
		{payload: provider.Payload{Trades: &provider.TradeEvent{
			Symbol: "BTC/USDT",
			Trades: []market.Trade{tradeAt(base, "41", 100), tradeAt(base, "42", 101)},
		}}},
		// Replay after a provider-side hiccup repeats trade 42.
		{payload: provider.Payload{Trades: &provider.TradeEvent{
			Symbol: "BTC/USDT",
			Trades: []market.Trade{tradeAt(base, "42", 101), tradeAt(base, "43", 102)},
		}}},
	}}}}
	mem := sink.NewMemory()
	eng := New(p, mem, Config{
		Feed:        provider.FeedTrades,
		Symbols:     []string{"BTC/USDT"},
		MaxMessages: 2,
	})
	instant(eng, base)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	trades := mem.Trades()
	if len(trades) != 3 {
		t.Fatalf("stored %d trades, want 3 unique", len(trades))
	}
	ids := map[string]int{}
	for _, tr := range trades {
		ids[tr.ID]++
	}
	if ids["42"] != 1 {
		t.Errorf("trade 42 stored %d times, want exactly once", ids["42"])
	}
}

func TestStreamCandleMonotonicWatermark(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(2*time.Minute + 30*time.Second)
	p := &scriptedProvider{id: "binance", subs: []*scriptedSub{{steps: []step{
		// Rolling window: one closed bar plus the forming one.
		{payload: provider.Payload{Candles: &provider.CandleUpdate{
			Symbol:  "BTC/USDT",
			Candles: []market.Candle{candleAt(t0, 100), candleAt(t0.Add(2*time.Minute), 103)},
		}}},
		// Next revision repeats the closed bar and closes the next.
		{payload: provider.Payload{Candles: &provider.CandleUpdate{
			Symbol: "BTC/USDT",
			Candles: []market.Candle{
				candleAt(t0, 100),
				candleAt(t0.Add(time.Minute), 102),
				candleAt(t0.Add(2*time.Minute), 104),
			},
		}}},
	}}}}
	mem := sink.NewMemory()
	eng := New(p, mem, Config{
		Feed:        provider.FeedCandles,
		Symbols:     []string{"BTC/USDT"},
		Timeframe:   market.Timeframe1m,
		MaxMessages: 2,
	})
	instant(eng, now)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	series, _ := mem.ReadCandles(context.Background(), "BTC/USDT", market.Timeframe1m)
	if len(series) != 2 {
		t.Fatalf("stored %d candles, want 2 closed", len(series))
	}
	if !series[0].Timestamp.Equal(t0) || !series[1].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("stored buckets %v and %v, want 10:00 and 10:01", series[0].Timestamp, series[1].Timestamp)
	}
}

func TestStreamIncludeOpenEmitsFormingBucketOnce(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(30 * time.Second) // the t0 bucket is still forming
	p := &scriptedProvider{id: "binance", subs: []*scriptedSub{{steps: []step{
		{payload: provider.Payload{Candles: &provider.CandleUpdate{
			Symbol:  "BTC/USDT",
			Candles: []market.Candle{candleAt(t0, 100)},
		}}},
		// Later revisions of the same forming bucket are dropped, so an
		// append-only sink never accumulates duplicate rows for it.
		{payload: provider.Payload{Candles: &provider.CandleUpdate{
			Symbol:  "BTC/USDT",
			Candles: []market.Candle{candleAt(t0, 105)},
		}}},
	}}}}
	mem := sink.NewMemory()
	eng := New(p, mem, Config{
		Feed:        provider.FeedCandles,
		Symbols:     []string{"BTC/USDT"},
		Timeframe:   market.Timeframe1m,
		IncludeOpen: true,
		MaxMessages: 2,
	})
	instant(eng, now)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := mem.CandleCount(); got != 1 {
		t.Fatalf("appended %d candle rows, want exactly 1 for the forming bucket", got)
	}
	series, _ := mem.ReadCandles(context.Background(), "BTC/USDT", market.Timeframe1m)
	if !series[0].Close.Equal(decimal.NewFromInt(100)) {
		t.Errorf("close = %s, want first emission 100", series[0].Close)
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &scriptedProvider{id: "binance", subs: []*scriptedSub{
		{steps: []step{
			{payload: provider.Payload{Trades: &provider.TradeEvent{
				Symbol: "BTC/USDT", Trades: []market.Trade{tradeAt(base, "1", 100)},
			}}},
			{err: provider.Transient("binance", "recv", "BTC/USDT", errors.New("connection reset"))},
		}},
		{steps: []step{
			{payload: provider.Payload{Trades: &provider.TradeEvent{
				Symbol: "BTC/USDT", Trades: []market.Trade{tradeAt(base, "2", 101)},
			}}},
		}},
	}}
	mem := sink.NewMemory()
	eng := New(p, mem, Config{
		Feed:        provider.FeedTrades,
		Symbols:     []string{"BTC/USDT"},
		MaxMessages: 2,
	})
	instant(eng, base)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := p.subscribeCount(); got != 2 {
		t.Errorf("subscribed %d times, want 2 (one reconnect)", got)
	}
	if got := len(mem.Trades()); got != 2 {
		t.Errorf("stored %d trades, want 2 across both connections", got)
	}
}

func TestStreamFatalAfterReconnectBudget(t *testing.T) {
	p := &scriptedProvider{
		id:     "binance",
		subErr: provider.Transient("binance", "subscribe", "BTC/USDT", errors.New("handshake failed")),
	}
	eng := New(p, sink.NewMemory(), Config{
		Feed:          provider.FeedTrades,
		Symbols:       []string{"BTC/USDT"},
		MaxReconnects: 2,
	})
	instant(eng, time.Now())

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := eng.Wait()
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if fe.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (budget of 2 reconnects)", fe.Attempts)
	}
	if got := p.subscribeCount(); got != 3 {
		t.Errorf("subscribed %d times, want 3", got)
	}
}

func TestStreamSubscriptionRejectionIsFatal(t *testing.T) {
	p := &scriptedProvider{
		id:     "binance",
		subErr: provider.Permanent("binance", "subscribe", "BTC/USDT", errors.New("unknown symbol")),
	}
	eng := New(p, sink.NewMemory(), Config{
		Feed:    provider.FeedTrades,
		Symbols: []string{"BTC/USDT"},
	})
	instant(eng, time.Now())

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := eng.Wait()
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if got := p.subscribeCount(); got != 1 {
		t.Errorf("subscribed %d times, want 1 (no retry on rejection)", got)
	}
}

func TestStreamAggregatesTradesIntoCandles(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &scriptedProvider{id: "binance", subs: []*scriptedSub{{steps: []step{
		{payload: provider.Payload{Trades: &provider.TradeEvent{
			Symbol: "BTC/USDT",
			Trades: []market.Trade{
				tradeAt(t0.Add(10*time.Second), "1", 100),
				tradeAt(t0.Add(40*time.Second), "2", 110),
			},
		}}},
	}}}}
	mem := sink.NewMemory()
	eng := New(p, mem, Config{
		Feed:        provider.FeedTrades,
		Symbols:     []string{"BTC/USDT"},
		Timeframe:   market.Timeframe1m,
		Aggregate:   true,
		MaxMessages: 1,
	})
	// The clock is past the bucket, so ingesting closes it immediately.
	instant(eng, t0.Add(2*time.Minute))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := len(mem.Trades()); got != 0 {
		t.Errorf("stored %d raw trades, want 0 (aggregation replaces trade persistence)", got)
	}
	series, _ := mem.ReadCandles(context.Background(), "BTC/USDT", market.Timeframe1m)
	if len(series) != 1 {
		t.Fatalf("aggregated %d candles, want 1", len(series))
	}
	c := series[0]
	if !c.Timestamp.Equal(t0) {
		t.Errorf("bucket at %v, want %v", c.Timestamp, t0)
	}
	if !c.Open.Equal(decimal.NewFromInt(100)) || !c.Close.Equal(decimal.NewFromInt(110)) {
		t.Errorf("open/close = %s/%s, want 100/110", c.Open, c.Close)
	}
	if !c.Volume.Equal(decimal.NewFromInt(2)) {
		t.Errorf("volume = %s, want 2", c.Volume)
	}
}

func TestPayloadCount(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		payload provider.Payload
		want    int
	}{
		{"empty", provider.Payload{}, 0},
		{"candles", provider.Payload{Candles: &provider.CandleUpdate{
			Candles: []market.Candle{candleAt(t0, 100), candleAt(t0.Add(time.Minute), 101)},
		}}, 2},
		{"trades", provider.Payload{Trades: &provider.TradeEvent{
			Trades: []market.Trade{tradeAt(t0, "1", 100)},
		}}, 1},
		{"ticker", provider.Payload{Ticker: &provider.TickerUpdate{Symbol: "BTC/USDT"}}, 1},
	}
	for _, c := range cases {
		if got := payloadCount(c.payload); got != c.want {
			t.Errorf("%s: payloadCount = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	base := time.Second
	for attempt := 1; attempt <= 12; attempt++ {
		exp := attempt - 1
		if exp > 8 {
			exp = 8
		}
		mid := float64(int64(base) << exp)

		lo := reconnectDelay(base, attempt, func() float64 { return 0 })
		hi := reconnectDelay(base, attempt, func() float64 { return 1 })
		if float64(lo) < mid*0.84 || float64(lo) > mid*0.86 {
			t.Errorf("attempt %d: low jitter delay %v outside 85%% of %v", attempt, lo, time.Duration(mid))
		}
		if float64(hi) < mid*1.14 || float64(hi) > mid*1.16 {
			t.Errorf("attempt %d: high jitter delay %v outside 115%% of %v", attempt, hi, time.Duration(mid))
		}
	}

	// The exponent is capped, so attempt 20 waits no longer than attempt 9.
	capped := reconnectDelay(base, 20, func() float64 { return 0.5 })
	nine := reconnectDelay(base, 9, func() float64 { return 0.5 })
	if capped != nine {
		t.Errorf("capped delay %v differs from attempt 9 delay %v", capped, nine)
	}
}
