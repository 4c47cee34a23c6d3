package writer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"marketflow/models"
)

type tickerKey struct {
	exchange, id string
	ts           int64
}

type klineKey struct {
	exchange, id string
	openTime     int64
}

type snapshotKey struct {
	exchange string
	ts       int64
}

type priceKey struct {
	exchange, currency, date string
}

// MemorySink keeps everything in maps. It backs tests and dry runs.
type MemorySink struct {
	counters

	mu        sync.RWMutex
	tickers   map[tickerKey]models.Ticker
	klines    map[klineKey]models.Kline
	snapshots map[snapshotKey][]byte
	prices    map[priceKey]models.DailyPrice
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		tickers:   make(map[tickerKey]models.Ticker),
		klines:    make(map[klineKey]models.Kline),
		snapshots: make(map[snapshotKey][]byte),
		prices:    make(map[priceKey]models.DailyPrice),
	}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) UpsertTickers(ctx context.Context, exchange string, tickers []models.Ticker) error {
	m.mu.Lock()
	for _, t := range tickers {
		t.Exchange = exchange
		m.tickers[tickerKey{exchange, t.InstrumentID, t.Timestamp}] = t
	}
	m.mu.Unlock()
	return m.record(m.Name(), exchange, kindTicker, len(tickers), 0, nil)
}

func (m *MemorySink) UpsertKlines(ctx context.Context, exchange string, klines []models.Kline) error {
	m.mu.Lock()
	for _, k := range klines {
		k.Exchange = exchange
		m.klines[klineKey{exchange, k.InstrumentID, k.OpenTime}] = k
	}
	m.mu.Unlock()
	return m.record(m.Name(), exchange, kindKline, len(klines), 0, nil)
}

func (m *MemorySink) UpsertExchangeInfo(ctx context.Context, exchange string, takenAt time.Time, catalog *models.Catalog) error {
	doc, err := json.Marshal(catalog)
	if err != nil {
		return m.record(m.Name(), exchange, kindSnapshot, 0, 0, err)
	}
	m.mu.Lock()
	m.snapshots[snapshotKey{exchange, takenAt.UnixMilli()}] = doc
	m.mu.Unlock()
	return m.record(m.Name(), exchange, kindSnapshot, 1, len(doc), nil)
}

func (m *MemorySink) UpsertDailyPrices(ctx context.Context, prices []models.DailyPrice) error {
	m.mu.Lock()
	for _, p := range prices {
		m.prices[priceKey{p.Exchange, p.Currency, p.Date}] = p
	}
	m.mu.Unlock()
	exchange := ""
	if len(prices) > 0 {
		exchange = prices[0].Exchange
	}
	return m.record(m.Name(), exchange, kindDailyPrice, len(prices), 0, nil)
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) CountTickers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tickers)
}

func (m *MemorySink) CountKlines() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.klines)
}

func (m *MemorySink) CountSnapshots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

func (m *MemorySink) CountDailyPrices() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prices)
}

// Klines returns the stored klines of one instrument sorted by open time.
func (m *MemorySink) Klines(exchange, id string) []models.Kline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Kline
	for k, v := range m.klines {
		if k.exchange == exchange && k.id == id {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// Tickers returns the stored tickers of one exchange keyed by instrument id.
// When an id was stored more than once the latest timestamp wins.
func (m *MemorySink) Tickers(exchange string) map[string]models.Ticker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Ticker)
	for k, v := range m.tickers {
		if k.exchange != exchange {
			continue
		}
		if prev, ok := out[k.id]; !ok || v.Timestamp > prev.Timestamp {
			out[k.id] = v
		}
	}
	return out
}

// DailyPrices returns the stored prices of one exchange sorted by date and
// currency.
func (m *MemorySink) DailyPrices(exchange string) []models.DailyPrice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DailyPrice
	for k, v := range m.prices {
		if k.exchange == exchange {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Snapshot returns the stored catalog document of one exchange at takenAt.
func (m *MemorySink) Snapshot(exchange string, takenAt time.Time) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.snapshots[snapshotKey{exchange, takenAt.UnixMilli()}]
	return doc, ok
}
