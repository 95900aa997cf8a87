// Package merge reconciles overlapping candle batches into a canonical
// series: one row per (symbol, timeframe, timestamp), last write wins,
// ascending timestamp order.
package merge

import (
	"sort"

	"candleflow/internal/market"
)

// Candles merges batches in order. When two records share a key the record
// from the later batch (or later position within a batch) replaces the
// earlier one, so callers pass prior output first and fresh pages after it.
func Candles(batches ...[]market.Candle) []market.Candle {
	byKey := make(map[string]market.Candle)
	for _, batch := range batches {
		for _, c := range batch {
			byKey[c.Key()] = c
		}
	}
	if len(byKey) == 0 {
		return nil
	}
	out := make([]market.Candle, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Timeframe < b.Timeframe
	})
	return out
}
