package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"candleflow/internal/market"
	"candleflow/internal/metadata"
	"candleflow/logger"
)

// parquetCandle is the on-disk candle row. Prices are stored as DOUBLE;
// the decimal values survive the round-trip within float64 precision.
type parquetCandle struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type parquetTrade struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID        string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Parquet persists candles as parquet files. Full-series writes replace the
// target atomically; streaming appends rotate into part files alongside it,
// since parquet files cannot grow in place.
type Parquet struct {
	path string
	mu   sync.Mutex
	log  *logger.Log
	meta *metadata.Generator

	lastFile string
}

func NewParquet(path string) *Parquet {
	table := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Parquet{
		path: path,
		log:  logger.GetLogger(),
		meta: metadata.NewGenerator(filepath.Dir(path), table),
	}
}

// track registers a completed file with the table metadata. Metadata
// failures never fail the data write.
func (s *Parquet) track(path string, rows int) {
	info, err := os.Stat(path)
	var size int64
	if err == nil {
		size = info.Size()
	}
	if err := s.meta.AddFile(metadata.DataFile{
		Path:        path,
		FileSize:    size,
		RecordCount: int64(rows),
	}); err != nil {
		s.log.WithComponent("parquet_sink").WithError(err).Warn("table metadata update failed")
		return
	}
	if err := s.meta.WriteCatalogEntry(filepath.Join(filepath.Dir(s.path), "catalog")); err != nil {
		s.log.WithComponent("parquet_sink").WithError(err).Warn("catalog entry write failed")
	}
}

func (s *Parquet) ReadCandles(_ context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, nil
	}
	fr, err := local.NewLocalFileReader(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(parquetCandle), 1)
	if err != nil {
		return nil, fmt.Errorf("parquet reader %s: %w", s.path, err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	rows := make([]parquetCandle, num)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", s.path, err)
	}

	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		if r.Symbol != symbol || r.Timeframe != string(tf) {
			continue
		}
		out = append(out, market.Candle{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      decimal.NewFromFloat(r.Open),
			High:      decimal.NewFromFloat(r.High),
			Low:       decimal.NewFromFloat(r.Low),
			Close:     decimal.NewFromFloat(r.Close),
			Volume:    decimal.NewFromFloat(r.Volume),
			Symbol:    r.Symbol,
			Timeframe: market.Timeframe(r.Timeframe),
		})
	}
	return out, nil
}

func (s *Parquet) WriteSeries(_ context.Context, candles []market.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := s.writeFile(tmp, candles); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	s.lastFile = s.path
	s.track(s.path, len(candles))

	s.log.WithComponent("parquet_sink").WithFields(logger.Fields{
		"path": s.path,
		"rows": len(candles),
	}).Info("series written")
	return nil
}

func (s *Parquet) AppendCandles(_ context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.partPath()
	if err := s.writeFile(part, candles); err != nil {
		os.Remove(part)
		return err
	}
	s.lastFile = part
	s.track(part, len(candles))

	s.log.WithComponent("parquet_sink").WithFields(logger.Fields{
		"part": filepath.Base(part),
		"rows": len(candles),
	}).Debug("part file written")
	return nil
}

func (s *Parquet) AppendTrades(_ context.Context, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.partPath()
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", part, err)
	}
	fw, err := local.NewLocalFileWriter(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(parquetTrade), 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("parquet writer %s: %w", part, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, t := range trades {
		price, _ := t.Price.Float64()
		amount, _ := t.Amount.Float64()
		rec := parquetTrade{
			Timestamp: t.Timestamp.UnixMilli(),
			Price:     price,
			Amount:    amount,
			Side:      t.Side,
			ID:        t.ID,
			Symbol:    t.Symbol,
		}
		if err := pw.Write(rec); err != nil {
			fw.Close()
			return fmt.Errorf("parquet write %s: %w", part, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("parquet finalize %s: %w", part, err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}
	s.lastFile = part
	s.track(part, len(trades))
	return nil
}

func (s *Parquet) writeFile(path string, candles []market.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(parquetCandle), 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("parquet writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, c := range candles {
		open, _ := c.Open.Float64()
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		cls, _ := c.Close.Float64()
		vol, _ := c.Volume.Float64()
		rec := parquetCandle{
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      open, High: high, Low: low, Close: cls, Volume: vol,
			Symbol:    c.Symbol,
			Timeframe: string(c.Timeframe),
		}
		if err := pw.Write(rec); err != nil {
			fw.Close()
			return fmt.Errorf("parquet write %s: %w", path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("parquet finalize %s: %w", path, err)
	}
	return fw.Close()
}

func (s *Parquet) partPath() string {
	ext := filepath.Ext(s.path)
	stem := strings.TrimSuffix(s.path, ext)
	return fmt.Sprintf("%s.part-%s%s", stem, time.Now().UTC().Format("20060102_150405.000"), ext)
}

func (s *Parquet) LastWrittenFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFile
}

func (s *Parquet) Close() error { return nil }
