package merge

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/market"
)

func candle(ts time.Time, close int64) market.Candle {
	d := decimal.NewFromInt(close)
	return market.Candle{
		Timestamp: ts,
		Open:      d, High: d, Low: d, Close: d,
		Volume:    decimal.NewFromInt(1),
		Symbol:    "BTC/USDT",
		Timeframe: market.Timeframe1h,
	}
}

func TestCandlesLastWriteWins(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	prior := []market.Candle{candle(t0, 100), candle(t1, 200)}
	fresh := []market.Candle{candle(t1, 250)}

	out := Candles(prior, fresh)
	if len(out) != 2 {
		t.Fatalf("merged length = %d, want 2", len(out))
	}
	if !out[1].Close.Equal(decimal.NewFromInt(250)) {
		t.Errorf("duplicate timestamp kept close=%s, want last-seen 250", out[1].Close)
	}
}

func TestCandlesSortsAscending(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []market.Candle{
		candle(t0.Add(2*time.Hour), 3),
		candle(t0, 1),
		candle(t0.Add(time.Hour), 2),
	}
	out := Candles(batch)
	for i := 1; i < len(out); i++ {
		if !out[i-1].Timestamp.Before(out[i].Timestamp) {
			t.Fatalf("output not ascending at %d: %v then %v", i, out[i-1].Timestamp, out[i].Timestamp)
		}
	}
}

func TestCandlesDistinctSymbolsKept(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := candle(t0, 1)
	b := candle(t0, 2)
	b.Symbol = "ETH/USDT"

	out := Candles([]market.Candle{a, b})
	if len(out) != 2 {
		t.Fatalf("same timestamp, different symbols must both survive, got %d rows", len(out))
	}
}

func TestCandlesEmpty(t *testing.T) {
	if out := Candles(nil, []market.Candle{}); out != nil {
		t.Errorf("empty input should merge to nil, got %v", out)
	}
}
