package market

import (
	"fmt"
	"time"
)

// Timeframe is a fixed candle bucket width expressed in the exchange
// notation ("1m", "1h", "1d", ...).
type Timeframe string

const (
	Timeframe15s Timeframe = "15s"
	Timeframe30s Timeframe = "30s"
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe6h  Timeframe = "6h"
	Timeframe8h  Timeframe = "8h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
	Timeframe3d  Timeframe = "3d"
	Timeframe1w  Timeframe = "1w"
	Timeframe1M  Timeframe = "1M"
)

var timeframeSeconds = map[Timeframe]int64{
	Timeframe15s: 15,
	Timeframe30s: 30,
	Timeframe1m:  60,
	Timeframe3m:  180,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe30m: 1800,
	Timeframe1h:  3600,
	Timeframe2h:  7200,
	Timeframe4h:  14400,
	Timeframe6h:  21600,
	Timeframe8h:  28800,
	Timeframe12h: 43200,
	Timeframe1d:  86400,
	Timeframe3d:  259200,
	Timeframe1w:  604800,
	Timeframe1M:  2592000,
}

// ParseTimeframe validates the notation against the supported table.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the bucket width. It panics on a timeframe that did not
// come from ParseTimeframe or one of the package constants.
func (tf Timeframe) Duration() time.Duration {
	secs, ok := timeframeSeconds[tf]
	if !ok {
		panic(fmt.Sprintf("market: unknown timeframe %q", string(tf)))
	}
	return time.Duration(secs) * time.Second
}

// Millis returns the bucket width in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration().Milliseconds()
}

// Valid reports whether the timeframe is in the supported table.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

// Truncate aligns t down to the start of its bucket using floor division on
// the epoch-millisecond timestamp.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	step := tf.Millis()
	ms := t.UnixMilli()
	return time.UnixMilli((ms / step) * step).UTC()
}

func (tf Timeframe) String() string { return string(tf) }
