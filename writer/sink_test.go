package writer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "marketflow/config"
	"marketflow/models"
)

func sampleKlines(id string, n int) []models.Kline {
	out := make([]models.Kline, n)
	day := int64(86_400_000)
	for i := range out {
		open := int64(1_700_006_400_000) + int64(i)*day
		out[i] = models.Kline{
			InstrumentID: id,
			Interval:     "1d",
			OpenTime:     open,
			CloseTime:    open + day - 1,
			Open:         100 + float64(i),
			High:         110 + float64(i),
			Low:          90 + float64(i),
			Close:        105 + float64(i),
			BaseVolume:   10,
			QuoteVolume:  1000,
		}
	}
	return out
}

func sampleTickers() []models.Ticker {
	return []models.Ticker{
		{InstrumentID: "BTC/USDT:USDT", Timestamp: 1_700_000_000_000, Last: 37000, BaseVolume: 12, QuoteVolume: 444000, OpenTime: 1_699_913_600_000, CloseTime: 1_700_000_000_000},
		{InstrumentID: "ETH/USDT:USDT", Timestamp: 1_700_000_000_000, Last: 2000, BaseVolume: 100, QuoteVolume: 200000, OpenTime: 1_699_913_600_000, CloseTime: 1_700_000_000_000},
	}
}

func sampleCatalog() *models.Catalog {
	return models.NewCatalog("binance", time.UnixMilli(1_700_000_000_000), map[string]models.Instrument{
		"BTC/USDT:USDT": {ID: "BTC/USDT:USDT", Exchange: "binance", RawSymbol: "BTCUSDT", Market: "spot", Base: "BTC", Quote: "USDT", Settle: "USDT", Kind: models.MarketSpot, Style: models.StyleNone, Multiplier: 1, ContractSize: 1, Active: true},
	})
}

func TestMemorySinkUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink()
	klines := sampleKlines("BTC/USDT:USDT", 5)

	require.NoError(t, m.UpsertKlines(ctx, "binance", klines))
	require.NoError(t, m.UpsertKlines(ctx, "binance", klines))
	assert.Equal(t, 5, m.CountKlines())

	// A corrected value replaces the stored row under the same key.
	changed := klines[2]
	changed.Close = 1
	require.NoError(t, m.UpsertKlines(ctx, "binance", []models.Kline{changed}))
	stored := m.Klines("binance", "BTC/USDT:USDT")
	require.Len(t, stored, 5)
	assert.Equal(t, 1.0, stored[2].Close)
	assert.Equal(t, "binance", stored[2].Exchange)

	require.NoError(t, m.UpsertTickers(ctx, "binance", sampleTickers()))
	require.NoError(t, m.UpsertTickers(ctx, "binance", sampleTickers()))
	assert.Equal(t, 2, m.CountTickers())
	assert.Equal(t, 37000.0, m.Tickers("binance")["BTC/USDT:USDT"].Last)

	cat := sampleCatalog()
	require.NoError(t, m.UpsertExchangeInfo(ctx, "binance", cat.TakenAt(), cat))
	require.NoError(t, m.UpsertExchangeInfo(ctx, "binance", cat.TakenAt(), cat))
	assert.Equal(t, 1, m.CountSnapshots())
	doc, ok := m.Snapshot("binance", cat.TakenAt())
	require.True(t, ok)
	assert.Contains(t, string(doc), "BTCUSDT")

	st := m.Stats()
	assert.Equal(t, int64(11), st.Klines)
	assert.Equal(t, int64(4), st.Tickers)
	assert.Equal(t, int64(2), st.Snapshots)
}

func TestSQLiteSinkUpserts(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSink(appconfig.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer s.Close()

	klines := sampleKlines("BTC/USDT:USDT", 7)
	require.NoError(t, s.UpsertKlines(ctx, "binance", klines))
	require.NoError(t, s.UpsertKlines(ctx, "binance", klines[2:]))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM klines WHERE exchange = ?`, "binance").Scan(&n))
	assert.Equal(t, 7, n)

	changed := klines[0]
	changed.Close = 42
	require.NoError(t, s.UpsertKlines(ctx, "binance", []models.Kline{changed}))
	var closePrice float64
	require.NoError(t, s.DB().QueryRow(`SELECT close FROM klines WHERE instrument_id = ? AND open_time = ?`, changed.InstrumentID, changed.OpenTime).Scan(&closePrice))
	assert.Equal(t, 42.0, closePrice)

	require.NoError(t, s.UpsertTickers(ctx, "binance", sampleTickers()))
	require.NoError(t, s.UpsertTickers(ctx, "binance", sampleTickers()))
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM tickers`).Scan(&n))
	assert.Equal(t, 2, n)

	prices := []models.DailyPrice{
		{Currency: "BTC", Exchange: "binance", Date: "20231115", Price: 37000, Sources: 2},
		{Currency: "ETH", Exchange: "binance", Date: "20231115", Price: 2000, Sources: 1},
	}
	require.NoError(t, s.UpsertDailyPrices(ctx, prices))
	require.NoError(t, s.UpsertDailyPrices(ctx, prices))
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM daily_prices`).Scan(&n))
	assert.Equal(t, 2, n)

	cat := sampleCatalog()
	require.NoError(t, s.UpsertExchangeInfo(ctx, "binance", cat.TakenAt(), cat))
	var instruments int
	require.NoError(t, s.DB().QueryRow(`SELECT instruments FROM exchange_info WHERE exchange = ?`, "binance").Scan(&instruments))
	assert.Equal(t, 1, instruments)

	st := s.Stats()
	assert.Equal(t, int64(13), st.Klines)
	assert.Equal(t, int64(0), st.Errors)
}

type failingSink struct {
	*MemorySink
}

var errSinkDown = errors.New("sink down")

func (f failingSink) Name() string { return "failing" }

func (f failingSink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	return f.record("failing", exchange, kindKline, len(klines), 0, errSinkDown)
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	good := NewMemorySink()
	bad := failingSink{NewMemorySink()}
	m := NewMulti(good, bad)

	err := m.UpsertKlines(ctx, "okx", sampleKlines("BTC/USDT:USDT-PERP", 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, errSinkDown)
	assert.Contains(t, err.Error(), "failing")
	assert.Equal(t, 3, good.CountKlines())

	require.NoError(t, m.UpsertTickers(ctx, "okx", sampleTickers()))
	st := m.Stats()
	assert.Equal(t, int64(3), st.Klines)
	assert.Equal(t, int64(4), st.Tickers)
	assert.Equal(t, int64(1), st.Errors)
	assert.NoError(t, m.Close())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Storage.Backends = []string{appconfig.BackendMemory, "cassandra"}
	_, err := New(context.Background(), &cfg, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestNewSingleAndMultiBackends(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Storage.Backends = []string{appconfig.BackendMemory}
	s, err := New(context.Background(), &cfg, "run")
	require.NoError(t, err)
	assert.IsType(t, &MemorySink{}, s)

	cfg.Storage.Backends = []string{appconfig.BackendMemory, appconfig.BackendSQLite}
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "multi.db")
	s, err = New(context.Background(), &cfg, "run")
	require.NoError(t, err)
	multi, ok := s.(*Multi)
	require.True(t, ok)
	assert.Len(t, multi.Sinks(), 2)
	assert.NoError(t, s.Close())
}
