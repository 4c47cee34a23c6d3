package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickers (
		exchange      TEXT             NOT NULL,
		instrument_id TEXT             NOT NULL,
		ts            BIGINT           NOT NULL,
		open          DOUBLE PRECISION NOT NULL,
		high          DOUBLE PRECISION NOT NULL,
		low           DOUBLE PRECISION NOT NULL,
		last          DOUBLE PRECISION NOT NULL,
		base_volume   DOUBLE PRECISION NOT NULL,
		quote_volume  DOUBLE PRECISION NOT NULL,
		open_time     BIGINT           NOT NULL,
		close_time    BIGINT           NOT NULL,
		PRIMARY KEY (instrument_id, ts, exchange)
	)`,
	`CREATE TABLE IF NOT EXISTS klines (
		exchange      TEXT             NOT NULL,
		instrument_id TEXT             NOT NULL,
		open_time     BIGINT           NOT NULL,
		period        TEXT             NOT NULL,
		close_time    BIGINT           NOT NULL,
		open          DOUBLE PRECISION NOT NULL,
		high          DOUBLE PRECISION NOT NULL,
		low           DOUBLE PRECISION NOT NULL,
		close         DOUBLE PRECISION NOT NULL,
		base_volume   DOUBLE PRECISION NOT NULL,
		quote_volume  DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (instrument_id, open_time, exchange)
	)`,
	`CREATE TABLE IF NOT EXISTS exchange_info (
		exchange    TEXT    NOT NULL,
		ts          BIGINT  NOT NULL,
		instruments INTEGER NOT NULL,
		document    JSONB   NOT NULL,
		PRIMARY KEY (ts, exchange)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_prices (
		exchange TEXT             NOT NULL,
		currency TEXT             NOT NULL,
		date     TEXT             NOT NULL,
		price    DOUBLE PRECISION NOT NULL,
		sources  INTEGER          NOT NULL,
		PRIMARY KEY (currency, date, exchange)
	)`,
}

const (
	pgUpsertTicker = `INSERT INTO tickers
	(exchange, instrument_id, ts, open, high, low, last, base_volume, quote_volume, open_time, close_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (instrument_id, ts, exchange) DO UPDATE SET
	open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, last = EXCLUDED.last,
	base_volume = EXCLUDED.base_volume, quote_volume = EXCLUDED.quote_volume,
	open_time = EXCLUDED.open_time, close_time = EXCLUDED.close_time`

	pgUpsertKline = `INSERT INTO klines
	(exchange, instrument_id, open_time, period, close_time, open, high, low, close, base_volume, quote_volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (instrument_id, open_time, exchange) DO UPDATE SET
	period = EXCLUDED.period, close_time = EXCLUDED.close_time,
	open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
	base_volume = EXCLUDED.base_volume, quote_volume = EXCLUDED.quote_volume`

	pgUpsertSnapshot = `INSERT INTO exchange_info (exchange, ts, instruments, document)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (ts, exchange) DO UPDATE SET
	instruments = EXCLUDED.instruments, document = EXCLUDED.document`

	pgUpsertPrice = `INSERT INTO daily_prices (exchange, currency, date, price, sources)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (currency, date, exchange) DO UPDATE SET
	price = EXCLUDED.price, sources = EXCLUDED.sources`
)

// PostgresSink queues one statement per row in a pgx.Batch and sends the
// batch in a single round trip.
type PostgresSink struct {
	counters
	pool *pgxpool.Pool
	log  *logger.Log
}

func NewPostgresSink(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
	}

	log := logger.GetLogger()
	log.WithComponent("postgres_sink").WithFields(logger.Fields{"max_conns": poolCfg.MaxConns}).Info("postgres sink connected")
	return &PostgresSink{pool: pool, log: log}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) send(ctx context.Context, batch *pgx.Batch) error {
	br := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch row %d: %w", i, err)
		}
	}
	return br.Close()
}

func (s *PostgresSink) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tickers {
		batch.Queue(pgUpsertTicker, exchange, t.InstrumentID, t.Timestamp, t.Open, t.High, t.Low, t.Last, t.BaseVolume, t.QuoteVolume, t.OpenTime, t.CloseTime)
	}
	start := time.Now()
	err := s.send(ctx, batch)
	s.logWrite(exchange, kindTicker, len(tickers), start, err)
	return s.record(s.Name(), exchange, kindTicker, len(tickers), 0, err)
}

func (s *PostgresSink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range klines {
		batch.Queue(pgUpsertKline, exchange, k.InstrumentID, k.OpenTime, k.Interval, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.BaseVolume, k.QuoteVolume)
	}
	start := time.Now()
	err := s.send(ctx, batch)
	s.logWrite(exchange, kindKline, len(klines), start, err)
	return s.record(s.Name(), exchange, kindKline, len(klines), 0, err)
}

func (s *PostgresSink) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	doc, err := json.Marshal(catalog)
	if err != nil {
		return s.record(s.Name(), exchange, kindSnapshot, 0, 0, fmt.Errorf("encode catalog: %w", err))
	}
	start := time.Now()
	_, err = s.pool.Exec(ctx, pgUpsertSnapshot, exchange, takenAt.UnixMilli(), catalog.Len(), doc)
	s.logWrite(exchange, kindSnapshot, 1, start, err)
	return s.record(s.Name(), exchange, kindSnapshot, 1, len(doc), err)
}

func (s *PostgresSink) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(pgUpsertPrice, p.Exchange, p.Currency, p.Date, p.Price, p.Sources)
	}
	exchange := prices[0].Exchange
	start := time.Now()
	err := s.send(ctx, batch)
	s.logWrite(exchange, kindDailyPrice, len(prices), start, err)
	return s.record(s.Name(), exchange, kindDailyPrice, len(prices), 0, err)
}

func (s *PostgresSink) logWrite(exchange, kind string, n int, start time.Time, err error) {
	log := s.log.WithComponent("postgres_sink").WithFields(logger.Fields{"exchange": exchange, "kind": kind, "rows": n})
	if err != nil {
		log.WithError(err).Error("postgres upsert failed")
		return
	}
	logger.LogPerformanceEntry(log, "postgres_sink", "upsert", time.Since(start), nil)
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
