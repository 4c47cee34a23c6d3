package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/config"
	"marketflow/internal/rest"
	"marketflow/models"
	"marketflow/reader"
	"marketflow/writer"
)

const (
	day         = int64(86_400_000)
	firstCandle = int64(1_698_796_800_000) // 2023-11-01
	lastCandle  = int64(1_700_438_400_000) // 2023-11-20
)

type fakeAdapter struct {
	mu      sync.Mutex
	cat     *models.Catalog
	closes  map[string]float64
	tickers map[string]models.Ticker
	fail    map[string]error
	closed  bool
}

func (f *fakeAdapter) Name() string      { return "fake" }
func (f *fakeAdapter) Markets() []string { return []string{"spot", "linear"} }

func (f *fakeAdapter) GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error) {
	summary := &models.ErrorSummary{}
	summary.Add(&models.MalformedRecordError{Field: "tickSize", Reason: "not a number"})
	return f.cat, summary, nil
}

func (f *fakeAdapter) Catalog() *models.Catalog { return f.cat }

func (f *fakeAdapter) GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error) {
	return f.tickers, &models.ErrorSummary{}, nil
}

func (f *fakeAdapter) GetTicker(ctx context.Context, id string) (models.Ticker, error) {
	t, ok := f.tickers[id]
	if !ok {
		return models.Ticker{}, models.ErrNotFound
	}
	return t, nil
}

// FetchKlinePage serves contiguous daily candles between firstCandle and
// lastCandle, newest first.
func (f *fakeAdapter) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	if err := f.fail[inst.ID]; err != nil {
		return models.KlinePage{}, err
	}
	hi := lastCandle
	if end != nil && *end < hi {
		hi = *end - (*end-firstCandle)%day
	}
	var rows []models.Kline
	for open := hi; open >= firstCandle && len(rows) < limit; open -= day {
		rows = append(rows, models.Kline{OpenTime: open, Open: 1, High: 1, Low: 1, Close: f.closes[inst.ID], BaseVolume: 1})
	}
	return models.KlinePage{Klines: rows, Rows: len(rows), Exhausted: len(rows) < limit}, nil
}

func (f *fakeAdapter) PageLimit(models.Instrument) int { return 2 }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

var _ reader.Adapter = (*fakeAdapter)(nil)

func spot(id, base, quote string, multiplier int, active bool) models.Instrument {
	return models.Instrument{ID: id, Exchange: "fake", Market: "spot", Base: base, Quote: quote, Settle: quote, Kind: models.MarketSpot, Style: models.StyleNone, Multiplier: multiplier, ContractSize: 1, Active: active}
}

func newFakeAdapter() *fakeAdapter {
	insts := []models.Instrument{
		spot("BTC/USDT:USDT", "BTC", "USDT", 1, true),
		spot("BTC/USDC:USDC", "BTC", "USDC", 1, true),
		spot("1000PEPE/USDT:USDT", "PEPE", "USDT", 1000, true),
		spot("ETH/BTC:BTC", "ETH", "BTC", 1, true),
		spot("USDC/USDT:USDT", "USDC", "USDT", 1, true),
		spot("OLD/USDT:USDT", "OLD", "USDT", 1, false),
		{ID: "BTC/USDT:USDT-PERP", Exchange: "fake", Market: "linear", Base: "BTC", Quote: "USDT", Settle: "USDT", Kind: models.MarketPerp, Style: models.StyleLinear, Multiplier: 1, ContractSize: 1, Active: true},
	}
	byID := make(map[string]models.Instrument, len(insts))
	for _, inst := range insts {
		byID[inst.ID] = inst
	}
	return &fakeAdapter{
		cat: models.NewCatalog("fake", time.UnixMilli(1_700_000_000_000), byID),
		closes: map[string]float64{
			"BTC/USDT:USDT":      37000,
			"BTC/USDC:USDC":      37010,
			"1000PEPE/USDT:USDT": 1,
			"ETH/BTC:BTC":        0.05,
			"USDC/USDT:USDT":     1,
			"BTC/USDT:USDT-PERP": 36990,
		},
		tickers: map[string]models.Ticker{
			"BTC/USDT:USDT":  {InstrumentID: "BTC/USDT:USDT", Timestamp: 1_700_000_000_000, Last: 37000, BaseVolume: 10},
			"ETH/BTC:BTC":    {InstrumentID: "ETH/BTC:BTC", Timestamp: 1_700_000_000_000, Last: 0.05, BaseVolume: 3},
			"USDC/USDT:USDT": {InstrumentID: "USDC/USDT:USDT", Timestamp: 1_700_000_000_000, Last: 1, BaseVolume: 0},
		},
		fail: map[string]error{},
	}
}

func newTestRunner(t *testing.T, a *fakeAdapter) (*Runner, *writer.MemorySink, *int) {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.BatchSize = 2
	cfg.Backfill.Interval = "1d"
	sink := writer.NewMemorySink()
	calls := new(int)
	r := NewRunner(&cfg, sink, func(exchange string) (reader.Adapter, error) {
		*calls++
		if exchange != "fake" {
			return nil, models.ErrNotFound
		}
		return a, nil
	}, "")
	r.now = func() time.Time { return time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC) }
	return r, sink, calls
}

func TestRunRejectsUnknownJobBeforeOpeningAdapter(t *testing.T) {
	r, _, calls := newTestRunner(t, newFakeAdapter())
	_, err := r.Run(context.Background(), "fake", "orderbook", "", "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.Equal(t, 0, *calls)

	_, err = r.Run(context.Background(), "fake", JobKlines, "2023-11-10", "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.Equal(t, 0, *calls)
}

func TestExchangeInfoJobStoresOneSnapshot(t *testing.T) {
	a := newFakeAdapter()
	r, sink, _ := newTestRunner(t, a)

	sum, err := r.Run(context.Background(), "fake", JobExchangeInfo, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stored)
	assert.Equal(t, 1, sum.Errors.Total())
	assert.Equal(t, 1, sink.CountSnapshots())
	_, ok := sink.Snapshot("fake", a.cat.TakenAt())
	assert.True(t, ok)
	assert.True(t, a.closed)
}

func TestTickersJobSkipsIdleTickers(t *testing.T) {
	r, sink, _ := newTestRunner(t, newFakeAdapter())

	sum, err := r.Run(context.Background(), "fake", JobTickers, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Stored)

	stored := sink.Tickers("fake")
	assert.Len(t, stored, 2)
	assert.NotContains(t, stored, "USDC/USDT:USDT")
}

func TestKlinesJobIsolatesFailures(t *testing.T) {
	a := newFakeAdapter()
	a.fail["ETH/BTC:BTC"] = &rest.HTTPError{Status: 503, Body: "maintenance"}
	r, sink, _ := newTestRunner(t, a)

	sum, err := r.Run(context.Background(), "fake", JobKlines, "20231110", "20231112")
	require.NoError(t, err)

	// six active instruments, one failing, three days each
	assert.Equal(t, 15, sum.Stored)
	assert.Equal(t, 15, sink.CountKlines())
	assert.Equal(t, []string{"ETH/BTC:BTC"}, sum.Incomplete)
	require.Contains(t, sum.Skipped, "ETH/BTC:BTC")
	var httpErr *rest.HTTPError
	assert.True(t, errors.As(sum.Skipped["ETH/BTC:BTC"], &httpErr))

	klines := sink.Klines("fake", "BTC/USDT:USDT-PERP")
	require.Len(t, klines, 3)
	assert.Equal(t, int64(1_699_574_400_000), klines[0].OpenTime)
	assert.Equal(t, int64(1_699_747_200_000), klines[2].OpenTime)
	assert.Equal(t, "1d", klines[0].Interval)
	assert.Empty(t, sink.Klines("fake", "OLD/USDT:USDT"))
}

func TestDCPJobAveragesStableQuotes(t *testing.T) {
	r, sink, _ := newTestRunner(t, newFakeAdapter())

	sum, err := r.Run(context.Background(), "fake", JobDCP, "20231110", "20231112")
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Stored)

	prices := sink.DailyPrices("fake")
	require.Len(t, prices, 6)

	first := prices[0]
	assert.Equal(t, "BTC", first.Currency)
	assert.Equal(t, "20231110", first.Date)
	assert.InDelta(t, 37005.0, first.Price, 1e-9)
	assert.Equal(t, 2, first.Sources)

	pepe := prices[1]
	assert.Equal(t, "PEPE", pepe.Currency)
	assert.InDelta(t, 0.001, pepe.Price, 1e-12)
	assert.Equal(t, 1, pepe.Sources)

	for _, p := range prices {
		assert.NotEqual(t, "ETH", p.Currency)
		assert.NotEqual(t, "USDC", p.Currency)
	}
	assert.Equal(t, "20231112", prices[5].Date)
}

func TestCancelledKlinesJobFails(t *testing.T) {
	r, sink, _ := newTestRunner(t, newFakeAdapter())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := r.Run(ctx, "fake", JobKlines, "20231110", "20231112")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sink.CountKlines())
	assert.Len(t, sum.Skipped, 6)
}
