package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/market"
)

func TestValidateKeyColumns(t *testing.T) {
	if err := validateKeyColumns("candles", DefaultKeyColumns); err != nil {
		t.Fatalf("default key columns rejected: %v", err)
	}

	err := validateKeyColumns("candles", []string{"symbol", "exchange_id", "bucket"})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if len(se.Missing) != 2 {
		t.Errorf("missing columns = %v, want exchange_id and bucket", se.Missing)
	}
}

func TestDuckDBRejectsUnknownKeyColumn(t *testing.T) {
	_, err := NewDuckDB("", "candles", []string{"nonexistent"})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError before opening the database, got %v", err)
	}
}

func TestFactoryUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "feather"}); err == nil {
		t.Error("unknown format must fail sink construction")
	}
}

func TestMemoryUpsertSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c := testCandle(t0, 100)
	if err := m.WriteSeries(ctx, []market.Candle{c}); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}
	c.Close = decimal.NewFromInt(200)
	if err := m.AppendCandles(ctx, []market.Candle{c}); err != nil {
		t.Fatalf("AppendCandles: %v", err)
	}

	out, _ := m.ReadCandles(ctx, "BTC/USDT", market.Timeframe1h)
	if len(out) != 1 {
		t.Fatalf("upsert produced %d rows for one key, want 1", len(out))
	}
	if !out[0].Close.Equal(decimal.NewFromInt(200)) {
		t.Errorf("upsert kept close %s, want last write 200", out[0].Close)
	}
}
