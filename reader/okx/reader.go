package okx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
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
	exchange = "okx"

	instrumentsPath = "/api/v5/public/instruments"
	tickersPath     = "/api/v5/market/tickers"
	candlesPath     = "/api/v5/market/history-candles"

	maxPageLimit = 100
)

var instTypes = map[string]string{
	"spot":    "SPOT",
	"margin":  "MARGIN",
	"swap":    "SWAP",
	"futures": "FUTURES",
}

// Reader is the OKX adapter. Spot and margin catalogs describe the same
// pairs and are reconciled into one record per pair.
type Reader struct {
	*reader.Base
	client    rest.Getter
	policy    parser.ReconcilePolicy
	pageLimit int
}

func NewReader(cfg *config.Config, registry *parser.Registry) *Reader {
	ex := cfg.Exchanges.Okx
	client := rest.NewClient(rest.Options{
		Exchange:   exchange,
		BaseURL:    ex.BaseURL("default"),
		HTTP:       cfg.HTTP,
		RateLimit:  ex.RateLimit,
		UsedWeight: cfg.Metrics.UsedWeight,
	})
	r := newReader(ex, client, registry)
	r.AddCloser(client)

	r.Log().WithFields(logger.Fields{
		"markets":    ex.Markets,
		"page_limit": r.pageLimit,
		"timeout":    cfg.HTTP.Timeout,
	}).Info("okx reader initialized")
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
		policy:    parser.ReconcilePolicy{Authority: parser.SpotAuthoritative},
		pageLimit: pageLimit,
	}
}

// get unwraps the {"code":"0","data":[...]} envelope.
func (r *Reader) get(ctx context.Context, path string, params url.Values) ([]gjson.Result, error) {
	body, err := r.client.Get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code").String(); code != "0" {
		msg := res.Get("msg").String()
		ratemetrics.ReportLimitFromMessage(logger.GetLogger(), exchange, path, "", string(body))
		return nil, fmt.Errorf("okx %s: code %s: %s", path, code, msg)
	}
	return res.Get("data").Array(), nil
}

func (r *Reader) instruments(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
	instType, ok := instTypes[market]
	if !ok {
		return nil, fmt.Errorf("okx market %q: %w", market, models.ErrNotFound)
	}
	records, err := r.get(ctx, instrumentsPath, url.Values{"instType": {instType}})
	if err != nil {
		return nil, err
	}
	return r.ParseInstruments(market, records, summary)
}

// GetExchangeInfo fetches the requested catalogs. When spot is requested
// together with margin, the margin catalog is folded into spot.
func (r *Reader) GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error) {
	if len(markets) == 0 {
		markets = r.Markets()
	}
	withMargin := contains(markets, "margin") && contains(markets, "spot")
	var fetch []string
	for _, m := range markets {
		if withMargin && m == "margin" {
			continue
		}
		fetch = append(fetch, m)
	}

	return r.FetchCatalog(ctx, fetch, func(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
		inst, err := r.instruments(ctx, market, summary)
		if err != nil || market != "spot" || !withMargin {
			return inst, err
		}
		margins, err := r.instruments(ctx, "margin", summary)
		if err != nil {
			return nil, err
		}
		merged, warnings := parser.Reconcile(inst, margins, r.policy)
		for _, w := range warnings {
			r.Log().WithFields(logger.Fields{
				"instrument_id": w.InstrumentID,
				"field":         w.Field,
				"spot":          w.Spot,
				"margin":        w.Margin,
			}).Warn("spot and margin records disagree")
		}
		return merged, nil
	})
}

func (r *Reader) GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error) {
	return r.Tickers(ctx, func(ctx context.Context, cat *models.Catalog, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error) {
		dropped := 0
		for _, market := range r.Markets() {
			// margin pairs trade on the spot book
			if market == "margin" {
				continue
			}
			records, err := r.get(ctx, tickersPath, url.Values{"instType": {instTypes[market]}})
			if err != nil {
				return dropped, fmt.Errorf("okx %s tickers: %w", market, err)
			}
			lookup := []string{market}
			if market == "spot" {
				lookup = append(lookup, "margin")
			}
			n, err := r.ResolveTickers(cat, market, lookup, records, time.Now().UTC(), out, summary)
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

// FetchKlinePage reads history-candles, whose "after" cursor is exclusive.
func (r *Reader) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	bar, err := parser.OkxInterval(interval)
	if err != nil {
		return models.KlinePage{}, err
	}
	limit = min(max(limit, 1), r.pageLimit)
	params := url.Values{
		"instId": {inst.RawSymbol},
		"bar":    {bar},
		"limit":  {strconv.Itoa(limit)},
	}
	if end != nil {
		params.Set("after", strconv.FormatInt(*end+1, 10))
	}
	rows, err := r.get(ctx, candlesPath, params)
	if err != nil {
		return models.KlinePage{}, err
	}
	return r.ParseKlines(inst, interval, rows, limit)
}

func (r *Reader) PageLimit(models.Instrument) int { return r.pageLimit }

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
