// Package aggregate converts a live trade stream into fixed-width candles.
package aggregate

import (
	"sort"
	"time"

	"candleflow/internal/market"
)

// Aggregator builds OHLCV candles from trades for one (symbol, timeframe)
// pair using floor-division bucketing on the trade timestamp. It is owned by
// a single streaming task and is not safe for concurrent use.
type Aggregator struct {
	symbol      string
	timeframe   market.Timeframe
	includeOpen bool
	buckets     map[int64]*market.Candle

	// now is injectable so closed-candle decisions are testable.
	now func() time.Time
}

// New creates an aggregator. When includeOpen is true Ingest also returns
// the still-forming bucket containing the current wall-clock time.
func New(symbol string, tf market.Timeframe, includeOpen bool) *Aggregator {
	return &Aggregator{
		symbol:      symbol,
		timeframe:   tf,
		includeOpen: includeOpen,
		buckets:     make(map[int64]*market.Candle),
		now:         time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Ingest folds a batch of trades into the working buckets and returns every
// bucket that closed (its start is strictly before the bucket containing
// now), ascending by bucket start. Closed buckets leave the working state.
// The open candle is nil unless includeOpen was set and the current bucket
// has trades.
func (a *Aggregator) Ingest(trades []market.Trade) (closed []market.Candle, open *market.Candle) {
	step := a.timeframe.Millis()

	for _, t := range trades {
		start := (t.Timestamp.UnixMilli() / step) * step
		b, ok := a.buckets[start]
		if !ok {
			c := market.Candle{
				Timestamp: time.UnixMilli(start).UTC(),
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
				Symbol:    a.symbol,
				Timeframe: a.timeframe,
			}
			b = &c
			a.buckets[start] = b
		} else {
			if t.Price.GreaterThan(b.High) {
				b.High = t.Price
			}
			if t.Price.LessThan(b.Low) {
				b.Low = t.Price
			}
			b.Close = t.Price
		}
		// Volumes sum at full precision; no outlier rejection.
		b.Volume = b.Volume.Add(t.Amount)
	}

	nowBucket := (a.now().UnixMilli() / step) * step
	for start, b := range a.buckets {
		if start < nowBucket {
			closed = append(closed, *b)
			delete(a.buckets, start)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Timestamp.Before(closed[j].Timestamp)
	})

	if a.includeOpen {
		if b, ok := a.buckets[nowBucket]; ok {
			c := *b
			open = &c
		}
	}
	return closed, open
}

// Pending reports how many buckets are still accumulating.
func (a *Aggregator) Pending() int { return len(a.buckets) }
