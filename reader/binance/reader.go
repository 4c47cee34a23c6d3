package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"

	"marketflow/config"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/parser"
	"marketflow/internal/rest"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

const exchange = "binance"

type endpoints struct {
	info    string
	tickers string
	klines  string
}

var marketEndpoints = map[string]endpoints{
	"spot":    {info: "/api/v3/exchangeInfo", tickers: "/api/v3/ticker/24hr", klines: "/api/v3/klines"},
	"linear":  {info: "/fapi/v1/exchangeInfo", tickers: "/fapi/v1/ticker/24hr", klines: "/fapi/v1/klines"},
	"inverse": {info: "/dapi/v1/exchangeInfo", tickers: "/dapi/v1/ticker/24hr", klines: "/dapi/v1/klines"},
}

var intervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Reader is the Binance adapter over spot, USDⓈ-M and COIN-M.
type Reader struct {
	*reader.Base
	config    config.ExchangeConfig
	getters   map[string]rest.Getter
	clients   map[string]*rest.Client
	futures   *futures.Client
	pageLimit int

	weightOnce sync.Once
}

// NewReader builds REST clients for every configured market. The markets
// share one pooled HTTP client.
func NewReader(cfg *config.Config, registry *parser.Registry) *Reader {
	ex := cfg.Exchanges.Binance
	httpClient := rest.NewHTTPClient(cfg.HTTP)

	getters := make(map[string]rest.Getter, len(ex.Markets))
	clients := make(map[string]*rest.Client, len(ex.Markets))
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
		clients[market] = c
	}

	r := newReader(ex, getters, registry)
	r.clients = clients
	for _, c := range clients {
		r.AddCloser(c)
	}

	if base := ex.BaseURL("linear"); base != "" {
		client := futures.NewClient("", "")
		client.HTTPClient = httpClient
		client.SetApiEndpoint(base)
		r.futures = client
	}

	r.Log().WithFields(logger.Fields{
		"markets":            ex.Markets,
		"page_limit":         r.pageLimit,
		"max_idle_conns":     cfg.HTTP.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.HTTP.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.HTTP.Timeout,
	}).Info("binance reader initialized")
	return r
}

func newReader(ex config.ExchangeConfig, getters map[string]rest.Getter, registry *parser.Registry) *Reader {
	pageLimit := ex.PageLimit
	if pageLimit <= 0 || pageLimit > 1000 {
		pageLimit = 1000
	}
	markets := ex.Markets
	if len(markets) == 0 {
		for m := range getters {
			markets = append(markets, m)
		}
	}
	return &Reader{
		Base:      reader.NewBase(exchange, markets, registry),
		config:    ex,
		getters:   getters,
		pageLimit: pageLimit,
	}
}

func (r *Reader) getter(market string) (rest.Getter, endpoints, error) {
	g, ok := r.getters[market]
	ep, known := marketEndpoints[market]
	if !ok || !known {
		return nil, endpoints{}, fmt.Errorf("binance market %q: %w", market, models.ErrNotFound)
	}
	return g, ep, nil
}

func (r *Reader) GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error) {
	r.weightOnce.Do(func() { r.applyWeightLimit(ctx) })

	return r.FetchCatalog(ctx, markets, func(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
		g, ep, err := r.getter(market)
		if err != nil {
			return nil, err
		}
		body, err := g.Get(ctx, ep.info, nil)
		if err != nil {
			return nil, err
		}
		return r.ParseInstruments(market, gjson.GetBytes(body, "symbols").Array(), summary)
	})
}

// applyWeightLimit sizes the kline request rate from the REQUEST_WEIGHT per
// minute limit, taken from config or discovered through the futures API.
func (r *Reader) applyWeightLimit(ctx context.Context) {
	log := r.Log().WithFields(logger.Fields{"operation": "weight_limit"})
	limit := r.config.RequestWeight
	if limit <= 0 && r.futures != nil {
		discovered, err := ratemetrics.FetchRequestWeightLimit(ctx, r.futures)
		if err != nil {
			log.WithError(err).Warn("failed to fetch request weight limit")
			return
		}
		limit = discovered
	}
	if limit <= 0 {
		return
	}
	perSecond := float64(limit) / 60 / float64(ratemetrics.KlineWeight(r.pageLimit))
	for _, c := range r.clients {
		c.SetRateLimit(perSecond)
	}
	log.WithFields(logger.Fields{"weight_limit": limit, "requests_per_second": perSecond}).Info("request weight limit applied")
}

func (r *Reader) GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error) {
	return r.Tickers(ctx, func(ctx context.Context, cat *models.Catalog, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error) {
		dropped := 0
		for _, market := range r.Markets() {
			g, ep, err := r.getter(market)
			if err != nil {
				return dropped, err
			}
			body, err := g.Get(ctx, ep.tickers, nil)
			if err != nil {
				return dropped, fmt.Errorf("binance %s tickers: %w", market, err)
			}
			n, err := r.ResolveTickers(cat, market, nil, gjson.ParseBytes(body).Array(), time.Now().UTC(), out, summary)
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

func (r *Reader) FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error) {
	if !intervals[interval] {
		return models.KlinePage{}, fmt.Errorf("binance interval %q: %w", interval, models.ErrInvalidRequest)
	}
	g, ep, err := r.getter(inst.Market)
	if err != nil {
		return models.KlinePage{}, err
	}
	limit = min(max(limit, 1), r.pageLimit)
	params := url.Values{
		"symbol":   {inst.RawSymbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if end != nil {
		params.Set("endTime", strconv.FormatInt(*end, 10))
	}
	body, err := g.Get(ctx, ep.klines, params)
	if err != nil {
		return models.KlinePage{}, err
	}
	return r.ParseKlines(inst, interval, gjson.ParseBytes(body).Array(), limit)
}

func (r *Reader) PageLimit(models.Instrument) int { return r.pageLimit }
