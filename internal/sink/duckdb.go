package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"candleflow/internal/market"
	"candleflow/logger"
)

// DuckDB is the keyed-store sink: insert-or-update keyed by a configurable
// unique column tuple, overwriting non-key columns on conflict. One row per
// key regardless of how often a candle is rewritten.
type DuckDB struct {
	db    *sql.DB
	table string
	keys  []string
	log   *logger.Log
}

// NewDuckDB opens (or creates) the database at path and prepares the candle
// table. An unknown key column fails fast with a SchemaError.
func NewDuckDB(path, table string, keyColumns []string) (*DuckDB, error) {
	if table == "" {
		table = "candles"
	}
	if len(keyColumns) == 0 {
		keyColumns = DefaultKeyColumns
	}
	if err := validateKeyColumns(table, keyColumns); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	// Single writer; DuckDB handles one writing connection at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDB{db: db, table: table, keys: keyColumns, log: logger.GetLogger()}
	if err := s.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithComponent("duckdb_sink").WithFields(logger.Fields{
		"path":  path,
		"table": table,
		"keys":  strings.Join(keyColumns, ","),
	}).Info("duckdb sink initialized")
	return s, nil
}

func (s *DuckDB) createTables(ctx context.Context) error {
	candleDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp TIMESTAMP NOT NULL,
		open      DOUBLE,
		high      DOUBLE,
		low       DOUBLE,
		close     DOUBLE,
		volume    DOUBLE,
		symbol    VARCHAR NOT NULL,
		timeframe VARCHAR NOT NULL,
		UNIQUE (%s)
	)`, s.table, strings.Join(s.keys, ", "))
	if _, err := s.db.ExecContext(ctx, candleDDL); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	tradeDDL := `CREATE TABLE IF NOT EXISTS trades (
		timestamp TIMESTAMP NOT NULL,
		price     DOUBLE,
		amount    DOUBLE,
		side      VARCHAR,
		id        VARCHAR,
		symbol    VARCHAR NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, tradeDDL); err != nil {
		return fmt.Errorf("create table trades: %w", err)
	}
	return nil
}

func (s *DuckDB) ReadCandles(ctx context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error) {
	q := fmt.Sprintf(`SELECT timestamp, open, high, low, close, volume
		FROM %s WHERE symbol = ? AND timeframe = ? ORDER BY timestamp`, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, string(tf))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var ts time.Time
		var open, high, low, cls, vol float64
		if err := rows.Scan(&ts, &open, &high, &low, &cls, &vol); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		out = append(out, market.Candle{
			Timestamp: ts.UTC(),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(cls),
			Volume:    decimal.NewFromFloat(vol),
			Symbol:    symbol,
			Timeframe: tf,
		})
	}
	return out, rows.Err()
}

func (s *DuckDB) WriteSeries(ctx context.Context, candles []market.Candle) error {
	return s.upsert(ctx, candles)
}

func (s *DuckDB) AppendCandles(ctx context.Context, candles []market.Candle) error {
	return s.upsert(ctx, candles)
}

func (s *DuckDB) upsert(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	isKey := make(map[string]bool, len(s.keys))
	for _, k := range s.keys {
		isKey[k] = true
	}
	var updates []string
	for _, col := range candleColumns {
		if !isKey[col] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	q := fmt.Sprintf(`INSERT INTO %s (timestamp, open, high, low, close, volume, symbol, timeframe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (%s) DO UPDATE SET %s`,
		s.table, strings.Join(s.keys, ", "), strings.Join(updates, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		open, _ := c.Open.Float64()
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		cls, _ := c.Close.Float64()
		vol, _ := c.Volume.Float64()
		if _, err := stmt.ExecContext(ctx, c.Timestamp.UTC(), open, high, low, cls, vol, c.Symbol, string(c.Timeframe)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s: %w", c.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	s.log.WithComponent("duckdb_sink").WithFields(logger.Fields{
		"table": s.table,
		"rows":  len(candles),
	}).Debug("candles upserted")
	return nil
}

func (s *DuckDB) AppendTrades(ctx context.Context, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trades (timestamp, price, amount, side, id, symbol) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		price, _ := t.Price.Float64()
		amount, _ := t.Amount.Float64()
		if _, err := stmt.ExecContext(ctx, t.Timestamp.UTC(), price, amount, t.Side, t.ID, t.Symbol); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	return tx.Commit()
}

func (s *DuckDB) Close() error { return s.db.Close() }
