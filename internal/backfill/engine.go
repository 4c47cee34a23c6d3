package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketflow/internal/metrics"
	"marketflow/internal/parser"
	"marketflow/logger"
	"marketflow/models"
)

// Fetcher is the part of an exchange adapter the engine pages through.
// Pages are read backwards from end, which is inclusive; a nil end asks for
// the most recent candles. Paging stops when a page reports Exhausted.
type Fetcher interface {
	Name() string
	FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error)
	PageLimit(inst models.Instrument) int
}

// Result is the outcome of one backfill. Klines are sorted by open time.
// Incomplete is set when a page failed after retries; Err carries that
// failure and Klines holds what was merged before it.
type Result struct {
	InstrumentID string
	Mode         Mode
	Klines       []models.Kline
	Pages        int
	Incomplete   bool
	Err          error
}

type Engine struct {
	fetcher Fetcher
	log     *logger.Log
}

func NewEngine(f Fetcher) *Engine {
	return &Engine{fetcher: f, log: logger.GetLogger()}
}

// Run backfills req against the instrument recorded in cat. The instrument,
// and with it the contract size used for inverse volumes, is read once
// before the first page.
//
// Invalid requests and unknown instruments fail before any network call.
// Cancellation discards merged pages. A cursor that does not move backwards
// fails with models.ErrCursorStalled.
func (e *Engine) Run(ctx context.Context, cat *models.Catalog, req Request) (Result, error) {
	mode, err := req.Mode()
	if err != nil {
		return Result{}, err
	}
	step, err := parser.IntervalDuration(req.Interval)
	if err != nil {
		return Result{}, err
	}
	inst, err := cat.Get(req.InstrumentID)
	if err != nil {
		return Result{}, err
	}

	exchange := e.fetcher.Name()
	log := e.log.WithComponent("backfill").WithFields(logger.Fields{
		"exchange":      exchange,
		"instrument_id": inst.ID,
		"interval":      req.Interval,
		"mode":          mode.String(),
	})

	pageLimit := e.fetcher.PageLimit(inst)
	if pageLimit <= 0 {
		return Result{}, fmt.Errorf("%s page limit %d: %w", exchange, pageLimit, models.ErrInvalidRequest)
	}

	start := time.Now()
	res := Result{InstrumentID: inst.ID, Mode: mode}
	acc := make(map[int64]models.Kline)

	var queryEnd *int64
	if req.End != nil {
		end := *req.End
		queryEnd = &end
	}
	var oldest int64

	for {
		limit := pageLimit
		if req.Num != nil {
			limit = min(*req.Num-len(acc), pageLimit)
		}

		page, err := e.fetcher.FetchKlinePage(ctx, inst, req.Interval, queryEnd, limit)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			res.Incomplete = true
			res.Err = err
			log.WithError(err).WithFields(logger.Fields{"page": res.Pages + 1, "merged": len(acc)}).Warn("page fetch failed, keeping partial backfill")
			break
		}
		res.Pages++
		metrics.IncrementPages(exchange, 1)

		for _, k := range page.Klines {
			k.InstrumentID = inst.ID
			k.Exchange = exchange
			k.Interval = req.Interval
			if k.CloseTime == 0 {
				if ct, err := parser.CloseTime(k.OpenTime, req.Interval); err == nil {
					k.CloseTime = ct
				}
			}
			acc[k.OpenTime] = k
			if len(acc) == 1 || k.OpenTime < oldest {
				oldest = k.OpenTime
			}
		}

		log.WithFields(logger.Fields{
			"page":      res.Pages,
			"rows":      page.Rows,
			"parsed":    len(page.Klines),
			"merged":    len(acc),
			"exhausted": page.Exhausted,
		}).Debug("page merged")

		if page.Exhausted {
			break
		}
		if req.Start != nil && len(acc) > 0 && oldest <= *req.Start {
			break
		}
		if req.Num != nil && len(acc) >= *req.Num {
			break
		}

		var next int64
		switch {
		case len(page.Klines) > 0:
			next = oldest - step.Milliseconds()
		case queryEnd != nil:
			// Nothing on the page parsed; skip past the rows it covered.
			next = *queryEnd - int64(max(page.Rows, 1))*step.Milliseconds()
		default:
			res.Incomplete = true
			res.Err = fmt.Errorf("%s %s: latest page had no parseable rows: %w", exchange, inst.ID, models.ErrMalformedRecord)
			log.WithError(res.Err).Warn("cannot page back without a cursor")
			res.Klines = finish(acc, req, mode)
			return res, nil
		}
		if queryEnd != nil && next >= *queryEnd {
			res.Incomplete = true
			res.Err = fmt.Errorf("%s %s cursor %d after page %d: %w", exchange, inst.ID, next, res.Pages, models.ErrCursorStalled)
			res.Klines = finish(acc, req, mode)
			return res, res.Err
		}
		queryEnd = &next
	}

	res.Klines = finish(acc, req, mode)
	logger.LogPerformanceEntry(log, "backfill", "run", time.Since(start), logger.Fields{
		"pages":      res.Pages,
		"klines":     len(res.Klines),
		"incomplete": res.Incomplete,
	})
	return res, nil
}

// finish filters the merged candles to the requested bounds and sorts them
// by open time. Count modes keep the num most recent.
func finish(acc map[int64]models.Kline, req Request, mode Mode) []models.Kline {
	out := make([]models.Kline, 0, len(acc))
	for _, k := range acc {
		if req.Start != nil && k.OpenTime < *req.Start {
			continue
		}
		if req.End != nil && k.OpenTime > *req.End {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })

	if (mode == ModeLastBefore || mode == ModeLatest) && len(out) > *req.Num {
		out = out[len(out)-*req.Num:]
	}
	return out
}
