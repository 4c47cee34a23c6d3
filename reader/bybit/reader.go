package bybit

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
	exchange = "bybit"

	instrumentsPath = "/v5/market/instruments-info"
	tickersPath     = "/v5/market/tickers"
	klinePath       = "/v5/market/kline"

	maxPageLimit = 1000
	// instruments-info pages derivatives; spot ignores the cursor
	instrumentsPageSize = 1000
	maxInstrumentPages  = 50
)

var intervals = map[string]string{
	"1m":  "1",
	"3m":  "3",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"6h":  "360",
	"12h": "720",
	"1d":  "D",
	"1w":  "W",
	"1M":  "M",
}

// Reader is the Bybit v5 adapter. Markets map one to one onto the v5
// categories spot, linear and inverse.
type Reader struct {
	*reader.Base
	client    rest.Getter
	pageLimit int
}

// NewReader routes market data through the official connector.
func NewReader(cfg *config.Config, registry *parser.Registry) *Reader {
	ex := cfg.Exchanges.Bybit
	r := newReader(ex, newSDKGetter(ex.BaseURL("default"), cfg, ex), registry)

	r.Log().WithFields(logger.Fields{
		"markets":    ex.Markets,
		"page_limit": r.pageLimit,
		"timeout":    cfg.HTTP.Timeout,
	}).Info("bybit reader initialized")
	return r
}

func newReader(ex config.ExchangeConfig, client rest.Getter, registry *parser.Registry) *Reader {
	pageLimit := ex.PageLimit
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}
	return &Reader{
		Base:      reader.NewBase(exchange, ex.Markets, registry),
		client:    client,
		pageLimit: pageLimit,
	}
}

// get unwraps {"retCode":0,"result":{...}} and returns result.
func (r *Reader) get(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	body, err := r.client.Get(ctx, path, params)
	if err != nil {
		return gjson.Result{}, err
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("retCode").Int(); code != 0 {
		msg := res.Get("retMsg").String()
		ratemetrics.ReportLimitFromMessage(logger.GetLogger(), exchange, path, "", msg)
		return gjson.Result{}, fmt.Errorf("bybit %s: retCode %d: %s", path, code, msg)
	}
	return res.Get("result"), nil
}

func category(market string) (string, error) {
	switch market {
	case "spot", "linear", "inverse":
		return market, nil
	}
	return "", fmt.Errorf("bybit market %q: %w", market, models.ErrNotFound)
}

func (r *Reader) GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error) {
	return r.FetchCatalog(ctx, markets, func(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
		cat, err := category(market)
		if err != nil {
			return nil, err
		}

		var records []gjson.Result
		cursor := ""
		for page := 0; page < maxInstrumentPages; page++ {
			params := url.Values{
				"category": {cat},
				"limit":    {strconv.Itoa(instrumentsPageSize)},
			}
			if cursor != "" {
				params.Set("cursor", cursor)
			}
			result, err := r.get(ctx, instrumentsPath, params)
			if err != nil {
				return nil, err
			}
			records = append(records, result.Get("list").Array()...)

			next := result.Get("nextPageCursor").String()
			if next == "" || next == cursor {
				break
			}
			cursor = next
		}
		return r.ParseInstruments(market, records, summary)
	})
}

func (r *Reader) GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error) {
	return r.Tickers(ctx, func(ctx context.Context, cat *models.Catalog, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error) {
		dropped := 0
		for _, market := range r.Markets() {
			c, err := category(market)
			if err != nil {
				return dropped, err
			}
			result, err := r.get(ctx, tickersPath, url.Values{"category": {c}})
			if err != nil {
				return dropped, fmt.Errorf("bybit %s tickers: %w", market, err)
			}
			n, err := r.ResolveTickers(cat, market, nil, result.Get("list").Array(), time.Now().UTC(), out, summary)
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

// FetchKlinePage reads /v5/market/kline. "end" is inclusive and rows come
// newest first.
func (r *Reader) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	code, ok := intervals[interval]
	if !ok {
		return models.KlinePage{}, fmt.Errorf("bybit interval %q: %w", interval, models.ErrInvalidRequest)
	}
	c, err := category(inst.Market)
	if err != nil {
		return models.KlinePage{}, err
	}
	limit = min(max(limit, 1), r.pageLimit)
	params := url.Values{
		"category": {c},
		"symbol":   {inst.RawSymbol},
		"interval": {code},
		"limit":    {strconv.Itoa(limit)},
	}
	if end != nil {
		params.Set("end", strconv.FormatInt(*end, 10))
	}
	result, err := r.get(ctx, klinePath, params)
	if err != nil {
		return models.KlinePage{}, err
	}
	return r.ParseKlines(inst, interval, result.Get("list").Array(), limit)
}

func (r *Reader) PageLimit(models.Instrument) int { return r.pageLimit }
