package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"marketflow/config"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/parser"
	"marketflow/internal/rest"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

const (
	exchange = "kucoin"

	okCode = "200000"

	spotSymbolsPath   = "/api/v2/symbols"
	spotTickersPath   = "/api/v1/market/allTickers"
	spotCandlesPath   = "/api/v1/market/candles"
	contractsPath     = "/api/v1/contracts/active"
	futuresKlinesPath = "/api/v1/kline/query"

	spotPageLimit    = 1500
	futuresPageLimit = 500
)

// Reader is the KuCoin adapter. Spot and futures live on separate hosts.
// Candle endpoints take a time window instead of a row limit, so a page is
// the window of limit candles ending at the cursor.
type Reader struct {
	*reader.Base
	clients   map[string]rest.Getter
	pageLimit int
	now       func() time.Time
}

func NewReader(cfg *config.Config, registry *parser.Registry) *Reader {
	ex := cfg.Exchanges.Kucoin
	httpClient := rest.NewHTTPClient(cfg.HTTP)

	getters := make(map[string]rest.Getter, len(ex.Markets))
	var closers []*rest.Client
	for _, market := range ex.Markets {
		c := rest.NewClient(rest.Options{
			Exchange:   exchange,
			BaseURL:    ex.BaseURL(market),
			HTTP:       cfg.HTTP,
			RateLimit:  ex.RateLimit,
			UsedWeight: cfg.Metrics.UsedWeight,
			HTTPClient: httpClient,
		})
		getters[market] = c
		closers = append(closers, c)
	}

	r := newReader(ex, getters, registry)
	for _, c := range closers {
		r.AddCloser(c)
	}
	r.Log().WithFields(logger.Fields{
		"markets":    ex.Markets,
		"page_limit": r.pageLimit,
		"timeout":    cfg.HTTP.Timeout,
	}).Info("kucoin reader initialized")
	return r
}

func newReader(ex config.ExchangeConfig, getters map[string]rest.Getter, registry *parser.Registry) *Reader {
	pageLimit := ex.PageLimit
	if pageLimit <= 0 || pageLimit > spotPageLimit {
		pageLimit = spotPageLimit
	}
	return &Reader{
		Base:      reader.NewBase(exchange, ex.Markets, registry),
		clients:   getters,
		pageLimit: pageLimit,
		now:       time.Now,
	}
}

// get unwraps {"code":"200000","data":...}.
func (r *Reader) get(ctx context.Context, market, path string, params url.Values) (gjson.Result, error) {
	client, ok := r.clients[market]
	if !ok {
		return gjson.Result{}, fmt.Errorf("kucoin market %q: %w", market, models.ErrNotFound)
	}
	body, err := client.Get(ctx, path, params)
	if err != nil {
		return gjson.Result{}, err
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code").String(); code != okCode {
		msg := res.Get("msg").String()
		ratemetrics.ReportLimitFromMessage(logger.GetLogger(), exchange, path, "", string(body))
		return gjson.Result{}, fmt.Errorf("kucoin %s: code %s: %s", path, code, msg)
	}
	return res.Get("data"), nil
}

func (r *Reader) GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error) {
	return r.FetchCatalog(ctx, markets, func(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
		var path string
		switch market {
		case "spot":
			path = spotSymbolsPath
		case "futures":
			path = contractsPath
		default:
			return nil, fmt.Errorf("kucoin market %q: %w", market, models.ErrNotFound)
		}
		data, err := r.get(ctx, market, path, nil)
		if err != nil {
			return nil, err
		}
		return r.ParseInstruments(market, data.Array(), summary)
	})
}

func (r *Reader) GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error) {
	return r.Tickers(ctx, func(ctx context.Context, cat *models.Catalog, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error) {
		dropped := 0
		for _, market := range r.Markets() {
			var records []gjson.Result
			polled := r.now().UTC()
			switch market {
			case "spot":
				data, err := r.get(ctx, market, spotTickersPath, nil)
				if err != nil {
					return dropped, fmt.Errorf("kucoin spot tickers: %w", err)
				}
				records = data.Get("ticker").Array()
				if ms := data.Get("time").Int(); ms > 0 {
					polled = time.UnixMilli(ms).UTC()
				}
			case "futures":
				data, err := r.get(ctx, market, contractsPath, nil)
				if err != nil {
					return dropped, fmt.Errorf("kucoin futures tickers: %w", err)
				}
				records = data.Array()
			default:
				continue
			}
			n, err := r.ResolveTickers(cat, market, nil, records, polled, out, summary)
			if err != nil {
				return dropped, err
			}
			dropped += n
		}
		return dropped, nil
	})
}

func (r *Reader) GetTicker(ctx context.Context, id string) (models.Ticker, error) {
	return r.Ticker(ctx, id, r.GetTickers)
}

// FetchKlinePage requests the window of limit candles ending at end, or at
// the current time when end is nil. The window (to-limit*step, to] holds
// exactly limit candle opens whatever the alignment of to. Windows may come
// back short across trading halts, so only an empty window ends the
// history.
func (r *Reader) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	step, err := parser.IntervalDuration(interval)
	if err != nil {
		return models.KlinePage{}, err
	}
	limit = min(max(limit, 1), r.PageLimit(inst))

	to := r.now().UnixMilli()
	if end != nil {
		to = *end
	}
	from := to - int64(limit)*step.Milliseconds() + 1

	var (
		path   string
		params url.Values
	)
	switch inst.Market {
	case "spot":
		typ, err := parser.KucoinSpotInterval(interval)
		if err != nil {
			return models.KlinePage{}, err
		}
		path = spotCandlesPath
		params = url.Values{
			"symbol":  {inst.RawSymbol},
			"type":    {typ},
			"startAt": {strconv.FormatInt(ceilSeconds(from), 10)},
			"endAt":   {strconv.FormatInt(floorSeconds(to), 10)},
		}
	case "futures":
		granularity, err := parser.KucoinGranularity(interval)
		if err != nil {
			return models.KlinePage{}, err
		}
		path = futuresKlinesPath
		params = url.Values{
			"symbol":      {inst.RawSymbol},
			"granularity": {strconv.Itoa(granularity)},
			"from":        {strconv.FormatInt(from, 10)},
			"to":          {strconv.FormatInt(to, 10)},
		}
	default:
		return models.KlinePage{}, fmt.Errorf("kucoin market %q: %w", inst.Market, models.ErrNotFound)
	}

	data, err := r.get(ctx, inst.Market, path, params)
	if err != nil {
		return models.KlinePage{}, err
	}
	page, err := r.ParseKlines(inst, interval, data.Array(), limit)
	if err != nil {
		return models.KlinePage{}, err
	}
	page.Exhausted = page.Rows == 0
	return page, nil
}

func floorSeconds(ms int64) int64 {
	if ms < 0 && ms%1000 != 0 {
		return ms/1000 - 1
	}
	return ms / 1000
}

func ceilSeconds(ms int64) int64 {
	return -floorSeconds(-ms)
}

func (r *Reader) PageLimit(inst models.Instrument) int {
	if inst.Market == "futures" {
		return min(r.pageLimit, futuresPageLimit)
	}
	return r.pageLimit
}
