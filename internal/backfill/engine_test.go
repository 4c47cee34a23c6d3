package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/models"
)

const day = int64(24 * time.Hour / time.Millisecond)

// mockExchange serves contiguous daily candles in [first, last], newest
// first, like the exchanges do. Open times listed in malformed come back as
// rows that failed to parse.
type mockExchange struct {
	first, last int64
	pageLimit   int
	failOnPage  int
	stall       bool
	malformed   map[int64]bool

	mu    sync.Mutex
	pages int
	ends  []*int64
}

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) PageLimit(models.Instrument) int { return m.pageLimit }

func (m *mockExchange) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages++
	m.ends = append(m.ends, end)
	if m.failOnPage > 0 && m.pages == m.failOnPage {
		return models.KlinePage{}, errors.New("http status 502: bad gateway")
	}

	top := m.last
	if end != nil && *end < top && !m.stall {
		top = *end - (*end-m.first)%day
	}
	var page models.KlinePage
	for t := top; t >= m.first && page.Rows < limit; t -= day {
		page.Rows++
		if m.malformed[t] {
			continue
		}
		page.Klines = append(page.Klines, models.Kline{OpenTime: t, Close: float64(t / day)})
	}
	page.Exhausted = page.Rows < limit
	return page, nil
}

func testCatalog() *models.Catalog {
	return models.NewCatalog("mock", time.Now(), map[string]models.Instrument{
		"BTC/USDT:USDT": {ID: "BTC/USDT:USDT", Market: "spot", Active: true, ContractSize: 1},
	})
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func openTimes(klines []models.Kline) []int64 {
	out := make([]int64, len(klines))
	for i, k := range klines {
		out[i] = k.OpenTime
	}
	return out
}

func TestRequestMode(t *testing.T) {
	one, s, e := 1, int64(1), int64(2)
	cases := []struct {
		name string
		req  Request
		want Mode
		err  bool
	}{
		{"range", Request{InstrumentID: "x", Start: &s, End: &e}, ModeRange, false},
		{"since", Request{InstrumentID: "x", Start: &s}, ModeSince, false},
		{"last before", Request{InstrumentID: "x", End: &e, Num: &one}, ModeLastBefore, false},
		{"latest", Request{InstrumentID: "x", Num: &one}, ModeLatest, false},
		{"nothing", Request{InstrumentID: "x"}, 0, true},
		{"end only", Request{InstrumentID: "x", End: &e}, 0, true},
		{"start and num", Request{InstrumentID: "x", Start: &s, Num: &one}, 0, true},
		{"all three", Request{InstrumentID: "x", Start: &s, End: &e, Num: &one}, 0, true},
		{"reversed", Request{InstrumentID: "x", Start: &e, End: &s}, 0, true},
		{"no id", Request{Num: &one}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.req.Mode()
			if tc.err {
				assert.ErrorIs(t, err, models.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInvalidRequestMakesNoCalls(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 100*day, pageLimit: 10}
	e := NewEngine(m)

	_, err := e.Run(context.Background(), testCatalog(), Request{InstrumentID: "BTC/USDT:USDT", Interval: "1d"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "9x", t0, t0+day))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = e.Run(context.Background(), testCatalog(), Range("ETH/USDT:USDT", "1d", t0, t0+day))
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, 0, m.pages)
}

func TestModeEquivalence(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 100*day, pageLimit: 4}
	e := NewEngine(m)
	start, end := t0+20*day, t0+30*day

	byRange, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", start, end))
	require.NoError(t, err)
	byCount, err := e.Run(context.Background(), testCatalog(), LastBefore("BTC/USDT:USDT", "1d", end, 11))
	require.NoError(t, err)

	assert.Len(t, byRange.Klines, 11)
	assert.Equal(t, openTimes(byRange.Klines), openTimes(byCount.Klines))
	assert.Equal(t, start, byRange.Klines[0].OpenTime)
	assert.Equal(t, end, byRange.Klines[10].OpenTime)
	assert.False(t, byRange.Incomplete)
}

func TestPagesAreSequentialAndCursorDecreases(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 100*day, pageLimit: 5}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", t0+80*day, t0+99*day))
	require.NoError(t, err)
	assert.Len(t, res.Klines, 20)
	assert.Equal(t, 4, res.Pages)

	for i := 1; i < len(m.ends); i++ {
		assert.Less(t, *m.ends[i], *m.ends[i-1])
	}
	for _, k := range res.Klines {
		assert.Equal(t, "mock", k.Exchange)
		assert.Equal(t, "1d", k.Interval)
		assert.Equal(t, k.OpenTime+day-1, k.CloseTime)
	}
}

func TestShortPageTerminates(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 8*day, pageLimit: 10}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Request{InstrumentID: "BTC/USDT:USDT", Interval: "1d", Start: new(int64)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, res.Klines, 9)
	assert.Equal(t, ModeSince, res.Mode)
}

func TestMalformedRowDoesNotEndBackfill(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 40*day, pageLimit: 5, malformed: map[int64]bool{t0 + 38*day: true}}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", t0, t0+40*day))
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Len(t, res.Klines, 40)
	assert.Equal(t, t0, res.Klines[0].OpenTime)
	assert.NotContains(t, openTimes(res.Klines), t0+38*day)
	assert.Equal(t, 9, res.Pages)
}

func TestUnparseablePageIsSkipped(t *testing.T) {
	bad := make(map[int64]bool)
	for i := int64(26); i <= 30; i++ {
		bad[t0+i*day] = true
	}
	m := &mockExchange{first: t0, last: t0 + 40*day, pageLimit: 5, malformed: bad}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", t0+20*day, t0+35*day))
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Equal(t, []int64{t0 + 20*day, t0 + 21*day, t0 + 22*day, t0 + 23*day, t0 + 24*day, t0 + 25*day,
		t0 + 31*day, t0 + 32*day, t0 + 33*day, t0 + 34*day, t0 + 35*day}, openTimes(res.Klines))
}

func TestLatestKeepsMostRecent(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 50*day, pageLimit: 3}
	e := NewEngine(m)

	num := 7
	res, err := e.Run(context.Background(), testCatalog(), Request{InstrumentID: "BTC/USDT:USDT", Interval: "1d", Num: &num})
	require.NoError(t, err)
	require.Len(t, res.Klines, 7)
	assert.Equal(t, t0+44*day, res.Klines[0].OpenTime)
	assert.Equal(t, t0+50*day, res.Klines[6].OpenTime)
	assert.Nil(t, m.ends[0])
}

func TestStalledCursorFails(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 100*day, pageLimit: 5, stall: true}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", t0, t0+100*day))
	require.ErrorIs(t, err, models.ErrCursorStalled)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 2, m.pages)
	assert.Len(t, res.Klines, 5)
}

func TestPageFailureKeepsPartialResult(t *testing.T) {
	m := &mockExchange{first: t0, last: t0 + 100*day, pageLimit: 5, failOnPage: 3}
	e := NewEngine(m)

	res, err := e.Run(context.Background(), testCatalog(), Range("BTC/USDT:USDT", "1d", t0, t0+100*day))
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	require.Error(t, res.Err)
	assert.Len(t, res.Klines, 10)
	assert.Equal(t, 2, res.Pages)
}

func TestCancellationDiscardsPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &cancellingFetcher{mockExchange: mockExchange{first: t0, last: t0 + 100*day, pageLimit: 5}, cancel: cancel}
	e := NewEngine(f)

	res, err := e.Run(ctx, testCatalog(), Range("BTC/USDT:USDT", "1d", t0, t0+100*day))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Klines)
}

type cancellingFetcher struct {
	mockExchange
	cancel context.CancelFunc
}

func (c *cancellingFetcher) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	if end != nil && *end < t0+100*day {
		c.cancel()
		return models.KlinePage{}, ctx.Err()
	}
	return c.mockExchange.FetchKlinePage(ctx, inst, interval, end, limit)
}
