package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickers (
	exchange      TEXT    NOT NULL,
	instrument_id TEXT    NOT NULL,
	timestamp     INTEGER NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	last          REAL    NOT NULL,
	base_volume   REAL    NOT NULL,
	quote_volume  REAL    NOT NULL,
	open_time     INTEGER NOT NULL,
	close_time    INTEGER NOT NULL,
	PRIMARY KEY (instrument_id, timestamp, exchange)
);

CREATE TABLE IF NOT EXISTS klines (
	exchange      TEXT    NOT NULL,
	instrument_id TEXT    NOT NULL,
	open_time     INTEGER NOT NULL,
	period        TEXT    NOT NULL,
	close_time    INTEGER NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	close         REAL    NOT NULL,
	base_volume   REAL    NOT NULL,
	quote_volume  REAL    NOT NULL,
	PRIMARY KEY (instrument_id, open_time, exchange)
);

CREATE TABLE IF NOT EXISTS exchange_info (
	exchange    TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	instruments INTEGER NOT NULL,
	document    TEXT    NOT NULL,
	PRIMARY KEY (timestamp, exchange)
);

CREATE TABLE IF NOT EXISTS daily_prices (
	exchange TEXT    NOT NULL,
	currency TEXT    NOT NULL,
	date     TEXT    NOT NULL,
	price    REAL    NOT NULL,
	sources  INTEGER NOT NULL,
	PRIMARY KEY (currency, date, exchange)
);
`

const (
	sqliteUpsertTicker = `INSERT INTO tickers
	(exchange, instrument_id, timestamp, open, high, low, last, base_volume, quote_volume, open_time, close_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (instrument_id, timestamp, exchange) DO UPDATE SET
	open = excluded.open, high = excluded.high, low = excluded.low, last = excluded.last,
	base_volume = excluded.base_volume, quote_volume = excluded.quote_volume,
	open_time = excluded.open_time, close_time = excluded.close_time`

	sqliteUpsertKline = `INSERT INTO klines
	(exchange, instrument_id, open_time, period, close_time, open, high, low, close, base_volume, quote_volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (instrument_id, open_time, exchange) DO UPDATE SET
	period = excluded.period, close_time = excluded.close_time,
	open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
	base_volume = excluded.base_volume, quote_volume = excluded.quote_volume`

	sqliteUpsertSnapshot = `INSERT INTO exchange_info (exchange, timestamp, instruments, document)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (timestamp, exchange) DO UPDATE SET
	instruments = excluded.instruments, document = excluded.document`

	sqliteUpsertPrice = `INSERT INTO daily_prices (exchange, currency, date, price, sources)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (currency, date, exchange) DO UPDATE SET
	price = excluded.price, sources = excluded.sources`
)

// SQLiteSink writes each batch in one transaction. The connection pool is
// limited to one connection since SQLite allows a single writer.
type SQLiteSink struct {
	counters
	db  *sql.DB
	log *logger.Log
}

func NewSQLiteSink(cfg appconfig.SQLiteConfig) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("sqlite_sink").WithFields(logger.Fields{"path": cfg.Path}).Info("sqlite sink opened")
	return &SQLiteSink{db: db, log: log}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// DB exposes the handle for health checks and tests.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

// exec runs one prepared statement per row inside a transaction.
func (s *SQLiteSink) exec(ctx context.Context, query string, n int, args func(i int) []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteSink) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	start := time.Now()
	err := s.exec(ctx, sqliteUpsertTicker, len(tickers), func(i int) []any {
		t := tickers[i]
		return []any{exchange, t.InstrumentID, t.Timestamp, t.Open, t.High, t.Low, t.Last, t.BaseVolume, t.QuoteVolume, t.OpenTime, t.CloseTime}
	})
	s.logWrite(exchange, kindTicker, len(tickers), start, err)
	return s.record(s.Name(), exchange, kindTicker, len(tickers), 0, err)
}

func (s *SQLiteSink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	start := time.Now()
	err := s.exec(ctx, sqliteUpsertKline, len(klines), func(i int) []any {
		k := klines[i]
		return []any{exchange, k.InstrumentID, k.OpenTime, k.Interval, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.BaseVolume, k.QuoteVolume}
	})
	s.logWrite(exchange, kindKline, len(klines), start, err)
	return s.record(s.Name(), exchange, kindKline, len(klines), 0, err)
}

func (s *SQLiteSink) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	doc, err := json.Marshal(catalog)
	if err != nil {
		return s.record(s.Name(), exchange, kindSnapshot, 0, 0, fmt.Errorf("encode catalog: %w", err))
	}
	start := time.Now()
	err = s.exec(ctx, sqliteUpsertSnapshot, 1, func(int) []any {
		return []any{exchange, takenAt.UnixMilli(), catalog.Len(), string(doc)}
	})
	s.logWrite(exchange, kindSnapshot, 1, start, err)
	return s.record(s.Name(), exchange, kindSnapshot, 1, len(doc), err)
}

func (s *SQLiteSink) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}
	exchange := prices[0].Exchange
	start := time.Now()
	err := s.exec(ctx, sqliteUpsertPrice, len(prices), func(i int) []any {
		p := prices[i]
		return []any{p.Exchange, p.Currency, p.Date, p.Price, p.Sources}
	})
	s.logWrite(exchange, kindDailyPrice, len(prices), start, err)
	return s.record(s.Name(), exchange, kindDailyPrice, len(prices), 0, err)
}

func (s *SQLiteSink) logWrite(exchange, kind string, n int, start time.Time, err error) {
	log := s.log.WithComponent("sqlite_sink").WithFields(logger.Fields{"exchange": exchange, "kind": kind, "rows": n})
	if err != nil {
		log.WithError(err).Error("sqlite upsert failed")
		return
	}
	logger.LogPerformanceEntry(log, "sqlite_sink", "upsert", time.Since(start), nil)
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
