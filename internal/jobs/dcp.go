package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"marketflow/internal/backfill"
	"marketflow/models"
	"marketflow/reader"
)

const dailyInterval = "1d"

// dailyCloses accumulates per (currency, date) the closes of every stable
// quoted spot pair of that currency.
type dailyCloses struct {
	mu     sync.Mutex
	closes map[string]map[string][]decimal.Decimal
}

func (d *dailyCloses) add(currency, date string, price decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closes == nil {
		d.closes = make(map[string]map[string][]decimal.Decimal)
	}
	byDate, ok := d.closes[currency]
	if !ok {
		byDate = make(map[string][]decimal.Decimal)
		d.closes[currency] = byDate
	}
	byDate[date] = append(byDate[date], price)
}

// prices averages the collected closes. Rows are sorted by date, then
// currency.
func (d *dailyCloses) prices(exchange string) []models.DailyPrice {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.DailyPrice
	for currency, byDate := range d.closes {
		for date, closes := range byDate {
			avg := decimal.Avg(closes[0], closes[1:]...)
			price, _ := avg.Float64()
			out = append(out, models.DailyPrice{
				Currency: currency,
				Exchange: exchange,
				Date:     date,
				Price:    price,
				Sources:  len(closes),
			})
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

// stableSpot returns the active spot instruments quoted in one of quotes.
func stableSpot(cat *models.Catalog, quotes []string) []string {
	stable := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		stable[strings.ToUpper(q)] = true
	}
	var ids []string
	for _, id := range cat.Active(models.MarketSpot) {
		inst, err := cat.Get(id)
		if err != nil {
			continue
		}
		if stable[inst.Quote] && !stable[inst.Base] {
			ids = append(ids, id)
		}
	}
	return ids
}

// dcp stores the daily closing price of every currency traded against a
// stablecoin. The close of a pair listed with a multiplier (1000PEPE) is
// divided by it first so every source prices one unit.
func (r *Runner) dcp(ctx context.Context, a reader.Adapter, w Window, sum *Summary) error {
	cat, err := r.refresh(ctx, a, sum)
	if err != nil {
		return err
	}

	acc := &dailyCloses{}
	ids := stableSpot(cat, r.cfg.Jobs.StableQuotes)
	r.backfillEach(ctx, a, cat, ids, dailyInterval, w, sum, func(ctx context.Context, res backfill.Result) (int, error) {
		inst, err := cat.Get(res.InstrumentID)
		if err != nil {
			return 0, err
		}
		multiplier := decimal.NewFromInt(int64(max(inst.Multiplier, 1)))
		for _, k := range res.Klines {
			if k.Close <= 0 {
				continue
			}
			acc.add(inst.Base, formatDate(k.OpenTime), decimal.NewFromFloat(k.Close).Div(multiplier))
		}
		return 0, nil
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	prices := acc.prices(a.Name())
	if err := r.sink.UpsertDailyPrices(ctx, prices); err != nil {
		return err
	}
	sum.Stored += len(prices)
	return nil
}
