package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	appconfig "marketflow/config"
	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
)

// Sink stores canonical records. Every upsert is keyed by the record's
// natural key so repeating a write leaves the stored state unchanged:
//
//	tickers        (instrument_id, timestamp, exchange)
//	klines         (instrument_id, open_time, exchange)
//	exchange info  (timestamp, exchange), one document per snapshot
//	daily prices   (currency, date, exchange)
type Sink interface {
	Name() string
	UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error
	UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error
	UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error
	UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error
	Stats() metrics.SinkStats
	Close() error
}

// New opens every backend listed in cfg.Storage.Backends. A single backend
// is returned as is; several are wrapped in a Multi.
func New(ctx context.Context, cfg *appconfig.Config, runID string) (Sink, error) {
	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for _, backend := range cfg.Storage.Backends {
		var (
			s   Sink
			err error
		)
		switch backend {
		case appconfig.BackendMemory:
			s = NewMemorySink()
		case appconfig.BackendSQLite:
			s, err = NewSQLiteSink(cfg.Storage.SQLite)
		case appconfig.BackendPostgres:
			s, err = NewPostgresSink(ctx, cfg.Storage.Postgres)
		case appconfig.BackendRedis:
			s, err = NewRedisSink(ctx, cfg.Storage.Redis)
		case appconfig.BackendArchive:
			s, err = NewArchiveSink(ctx, cfg, runID)
		default:
			err = fmt.Errorf("unknown storage backend %q", backend)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s sink: %w", backend, err)
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMulti(sinks...), nil
}

// counters is embedded by every backend to track what a run wrote.
type counters struct {
	tickers     atomic.Int64
	klines      atomic.Int64
	snapshots   atomic.Int64
	dailyPrices atomic.Int64
	errors      atomic.Int64
}

func (c *counters) Stats() metrics.SinkStats {
	return metrics.SinkStats{
		Tickers:     c.tickers.Load(),
		Klines:      c.klines.Load(),
		Snapshots:   c.snapshots.Load(),
		DailyPrices: c.dailyPrices.Load(),
		Errors:      c.errors.Load(),
	}
}

const (
	kindTicker     = "ticker"
	kindKline      = "kline"
	kindSnapshot   = "exchange_info"
	kindDailyPrice = "daily_price"
)

// record updates the counters, the prometheus series and the log report
// after one upsert.
func (c *counters) record(sink, exchange, kind string, n, size int, err error) error {
	if err != nil {
		c.errors.Add(1)
		return err
	}
	switch kind {
	case kindTicker:
		c.tickers.Add(int64(n))
	case kindKline:
		c.klines.Add(int64(n))
	case kindSnapshot:
		c.snapshots.Add(int64(n))
	case kindDailyPrice:
		c.dailyPrices.Add(int64(n))
	}
	metrics.IncrementStored(exchange, sink, kind, n)
	logger.IncrementStored(sink, n, size)
	return nil
}

// Multi fans every write out to all sinks. A failing sink does not stop
// the others; the errors are joined.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi { return &Multi{sinks: sinks} }

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Sinks() []Sink { return m.sinks }

func (m *Multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	return m.each(func(s Sink) error { return s.UpsertTickers(ctx, exchange, tickers) })
}

func (m *Multi) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	return m.each(func(s Sink) error { return s.UpsertKlines(ctx, exchange, klines) })
}

func (m *Multi) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	return m.each(func(s Sink) error { return s.UpsertExchangeInfo(ctx, exchange, takenAt, catalog) })
}

func (m *Multi) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	return m.each(func(s Sink) error { return s.UpsertDailyPrices(ctx, prices) })
}

// Stats sums the counters of all sinks.
func (m *Multi) Stats() metrics.SinkStats {
	var out metrics.SinkStats
	for _, s := range m.sinks {
		st := s.Stats()
		out.Tickers += st.Tickers
		out.Klines += st.Klines
		out.Snapshots += st.Snapshots
		out.DailyPrices += st.DailyPrices
		out.Errors += st.Errors
	}
	return out
}

func (m *Multi) Close() error {
	return m.each(func(s Sink) error { return s.Close() })
}

// Report logs the run totals of every underlying sink.
func Report(log *logger.Log, s Sink) {
	if m, ok := s.(*Multi); ok {
		for _, inner := range m.sinks {
			metrics.ReportSink(log, inner.Name(), inner.Stats())
		}
		return
	}
	metrics.ReportSink(log, s.Name(), s.Stats())
}
