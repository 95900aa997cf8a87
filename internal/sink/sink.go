// Package sink provides the pluggable idempotent persistence layer shared by
// the backfill and streaming engines. A sink offers three write contracts:
// full-series snapshot (atomic replace), append (no rewrite of prior
// content), and keyed upsert. Which contract backs WriteSeries and
// AppendCandles depends on the format; the engines stay agnostic.
package sink

import (
	"context"
	"fmt"
	"strings"

	"candleflow/internal/market"
)

// Sink persists candle series and trade batches. Implementations must
// tolerate concurrent writes to distinct keys; parallel backfill jobs and
// per-symbol stream tasks share one sink.
type Sink interface {
	// ReadCandles returns the existing persisted series for the pair,
	// ascending by timestamp. It is the sole resume source for backfill.
	// Sinks with no readable state (append-only transports) return nil.
	ReadCandles(ctx context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error)

	// WriteSeries persists a complete merged series with snapshot or
	// upsert semantics. A partially written target is never left visible.
	WriteSeries(ctx context.Context, candles []market.Candle) error

	// AppendCandles persists incremental streaming output without
	// rewriting prior content. Duplicate-safety is the caller's job for
	// append-only formats; keyed formats upsert.
	AppendCandles(ctx context.Context, candles []market.Candle) error

	// AppendTrades persists raw trade records.
	AppendTrades(ctx context.Context, trades []market.Trade) error

	Close() error
}

// FileBacked is implemented by sinks that materialise local files, so the
// S3 mirror can pick up what a write produced.
type FileBacked interface {
	// LastWrittenFile returns the path of the most recent completed file,
	// or "" when nothing has been written yet.
	LastWrittenFile() string
}

// SchemaError reports a key/schema mismatch on a keyed store. It fails fast
// at sink construction, naming the offending columns.
type SchemaError struct {
	Table   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %s: key columns not in schema: %s",
		e.Table, strings.Join(e.Missing, ", "))
}

// candleColumns is the canonical candle schema shared by every format.
var candleColumns = []string{"timestamp", "open", "high", "low", "close", "volume", "symbol", "timeframe"}

// DefaultKeyColumns is the upsert key when none is configured.
var DefaultKeyColumns = []string{"symbol", "timeframe", "timestamp"}

// validateKeyColumns checks the configured key tuple against the candle
// schema and returns a SchemaError naming anything unknown.
func validateKeyColumns(table string, keys []string) error {
	known := make(map[string]bool, len(candleColumns))
	for _, c := range candleColumns {
		known[c] = true
	}
	var missing []string
	for _, k := range keys {
		if !known[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Table: table, Missing: missing}
	}
	return nil
}

// Options selects and parameterises a concrete sink format.
type Options struct {
	Format     string   // csv, parquet, duckdb, kafka, memory
	Path       string   // file path or database path
	Table      string   // keyed stores only
	KeyColumns []string // upsert key tuple; DefaultKeyColumns when empty

	KafkaBrokers []string
	KafkaTopic   string
}

// New builds the sink for the configured format. Sink selection is purely a
// configuration choice.
func New(opts Options) (Sink, error) {
	switch opts.Format {
	case "csv":
		return NewCSV(opts.Path), nil
	case "parquet":
		return NewParquet(opts.Path), nil
	case "duckdb":
		return NewDuckDB(opts.Path, opts.Table, opts.KeyColumns)
	case "kafka":
		return NewKafka(opts.KafkaBrokers, opts.KafkaTopic)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown sink format %q", opts.Format)
	}
}
