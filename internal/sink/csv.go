package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/internal/market"
	"candleflow/logger"
)

// CSV persists candles as a comma-separated file. Full-series writes go to a
// temporary file that atomically replaces the target; streaming writes
// append rows, emitting the header only when the file is created.
type CSV struct {
	path string
	mu   sync.Mutex
	log  *logger.Log

	lastFile string
}

func NewCSV(path string) *CSV {
	return &CSV{path: path, log: logger.GetLogger()}
}

func (s *CSV) ReadCandles(_ context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", s.path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	if _, ok := col["timestamp"]; !ok {
		return nil, &SchemaError{Table: s.path, Missing: []string{"timestamp"}}
	}

	var out []market.Candle
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.path, err)
		}
		c, err := candleFromRecord(rec, col)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		if c.Symbol != "" && c.Symbol != symbol {
			continue
		}
		if c.Timeframe != "" && c.Timeframe != tf {
			continue
		}
		if c.Symbol == "" {
			c.Symbol = symbol
		}
		if c.Timeframe == "" {
			c.Timeframe = tf
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *CSV) WriteSeries(_ context.Context, candles []market.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(candleColumns); err == nil {
		for _, c := range candles {
			if err = w.Write(candleRecord(c)); err != nil {
				break
			}
		}
	}
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	s.lastFile = s.path

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path": s.path,
		"rows": len(candles),
	}).Info("series written")
	return nil
}

func (s *CSV) AppendCandles(_ context.Context, candles []market.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([][]string, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, candleRecord(c))
	}
	return s.appendRows(candleColumns, rows)
}

func (s *CSV) AppendTrades(_ context.Context, trades []market.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header := []string{"timestamp", "price", "amount", "side", "id", "symbol"}
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			t.Price.String(), t.Amount.String(), t.Side, t.ID, t.Symbol,
		})
	}
	return s.appendRows(header, rows)
}

// appendRows writes rows to the target, adding the header only when the
// file does not exist yet. Caller holds the lock.
func (s *CSV) appendRows(header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", s.path, err)
	}
	_, statErr := os.Stat(s.path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	w := csv.NewWriter(f)
	if fresh {
		err = w.Write(header)
	}
	for _, row := range rows {
		if err != nil {
			break
		}
		err = w.Write(row)
	}
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	s.lastFile = s.path

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path": s.path,
		"rows": len(rows),
	}).Debug("rows appended")
	return nil
}

func (s *CSV) LastWrittenFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFile
}

func (s *CSV) Close() error { return nil }

func candleRecord(c market.Candle) []string {
	return []string{
		c.Timestamp.UTC().Format(time.RFC3339Nano),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.Symbol, string(c.Timeframe),
	}
}

func candleFromRecord(rec []string, col map[string]int) (market.Candle, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	ts, err := time.Parse(time.RFC3339Nano, get("timestamp"))
	if err != nil {
		return market.Candle{}, fmt.Errorf("timestamp %q: %w", get("timestamp"), err)
	}
	c := market.Candle{
		Timestamp: ts.UTC(),
		Symbol:    get("symbol"),
		Timeframe: market.Timeframe(get("timeframe")),
	}
	for _, fld := range []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low},
		{"close", &c.Close}, {"volume", &c.Volume},
	} {
		raw := get(fld.name)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return market.Candle{}, fmt.Errorf("%s %q: %w", fld.name, raw, err)
		}
		*fld.dst = d
	}
	return c, nil
}
