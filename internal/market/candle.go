package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Timestamp is the bucket start, always UTC and
// aligned to the timeframe.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
}

// Key identifies the candle within a store. One row per key.
func (c Candle) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.Symbol, c.Timeframe, c.Timestamp.UnixMilli())
}

// Validate checks the uniqueness-key fields and bucket alignment.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle %s has unknown timeframe %q", c.Symbol, c.Timeframe)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("candle %s/%s missing timestamp", c.Symbol, c.Timeframe)
	}
	if !c.Timeframe.Truncate(c.Timestamp).Equal(c.Timestamp) {
		return fmt.Errorf("candle %s/%s timestamp %s not aligned to bucket",
			c.Symbol, c.Timeframe, c.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Closed reports whether the candle's bucket has fully elapsed at now.
// An open candle satisfies timestamp > now - timeframe.
func (c Candle) Closed(now time.Time) bool {
	return !c.Timestamp.After(now.Add(-c.Timeframe.Duration()))
}
