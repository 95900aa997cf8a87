package sink

import (
	"context"
	"sort"
	"sync"

	"candleflow/internal/market"
)

// Memory is an in-process sink with upsert semantics, used by tests and as
// a null output. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	candles map[string]market.Candle
	trades  []market.Trade
}

func NewMemory() *Memory {
	return &Memory{candles: make(map[string]market.Candle)}
}

func (m *Memory) ReadCandles(_ context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []market.Candle
	for _, c := range m.candles {
		if c.Symbol == symbol && c.Timeframe == tf {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) WriteSeries(_ context.Context, candles []market.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.candles[c.Key()] = c
	}
	return nil
}

func (m *Memory) AppendCandles(ctx context.Context, candles []market.Candle) error {
	return m.WriteSeries(ctx, candles)
}

func (m *Memory) AppendTrades(_ context.Context, trades []market.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trades...)
	return nil
}

// Trades returns a copy of everything appended so far.
func (m *Memory) Trades() []market.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]market.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// CandleCount reports stored unique candles.
func (m *Memory) CandleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candles)
}

func (m *Memory) Close() error { return nil }
