package reader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"marketflow/internal/parser"
	"marketflow/logger"
	"marketflow/models"
)

const tickerWindow = 24 * time.Hour

// Base carries what every exchange adapter shares: the parser tables, the
// current catalog snapshot and the ticker resolution policy. The snapshot is
// replaced on refresh and never mutated.
type Base struct {
	name     string
	markets  []string
	registry *parser.Registry
	catalog  atomic.Pointer[models.Catalog]
	log      *logger.Log

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

func NewBase(name string, markets []string, registry *parser.Registry) *Base {
	if registry == nil {
		registry = parser.DefaultRegistry()
	}
	return &Base{
		name:     name,
		markets:  append([]string(nil), markets...),
		registry: registry,
		log:      logger.GetLogger(),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Markets() []string { return append([]string(nil), b.markets...) }

func (b *Base) Catalog() *models.Catalog { return b.catalog.Load() }

func (b *Base) Log() *logger.Entry {
	return b.log.WithComponent(b.name + "_reader")
}

// Table returns the parser table of one catalog market.
func (b *Base) Table(market string) (parser.Table, error) {
	return b.registry.Lookup(b.name, market)
}

// AddCloser registers a resource released by Close.
func (b *Base) AddCloser(c io.Closer) {
	b.closers = append(b.closers, c)
}

// Close releases every registered resource once.
func (b *Base) Close() error {
	b.closeOnce.Do(func() {
		for _, c := range b.closers {
			if err := c.Close(); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
		b.Log().Info("reader closed")
	})
	return b.closeErr
}

// FetchCatalog runs fetch for every requested market concurrently, merges
// the results and publishes them as the new snapshot. A failed market fails
// the whole refresh and the previous snapshot stays in place.
func (b *Base) FetchCatalog(ctx context.Context, markets []string, fetch func(ctx context.Context, market string, summary *models.ErrorSummary) (map[string]models.Instrument, error)) (*models.Catalog, *models.ErrorSummary, error) {
	if len(markets) == 0 {
		markets = b.markets
	}
	start := time.Now()
	summary := &models.ErrorSummary{}
	results := make([]map[string]models.Instrument, len(markets))

	g, gctx := errgroup.WithContext(ctx)
	for i, market := range markets {
		g.Go(func() error {
			inst, err := fetch(gctx, market, summary)
			if err != nil {
				return fmt.Errorf("%s %s exchange info: %w", b.name, market, err)
			}
			results[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, summary, err
	}

	merged := make(map[string]models.Instrument)
	for i, inst := range results {
		for _, id := range sortedIDs(inst) {
			if prev, ok := merged[id]; ok {
				summary.Add(fmt.Errorf("instrument %s listed by %s and %s: %w", id, prev.Market, markets[i], models.ErrIdentity))
				continue
			}
			merged[id] = inst[id]
		}
	}

	catalog := models.NewCatalog(b.name, time.Now().UTC(), merged)
	b.catalog.Store(catalog)

	log := b.Log()
	logger.LogPerformanceEntry(log, b.name+"_reader", "exchange_info", time.Since(start), logger.Fields{"markets": markets})
	logger.LogDataFlowEntry(log, b.name+"_api", "catalog", catalog.Len(), "instruments")
	logger.IncrementParsed("instrument", catalog.Len())
	if n := summary.Total(); n > 0 {
		logger.IncrementRecordErrors(n)
		log.WithFields(logger.Fields{"errors": n, "sample": summary.Sample}).Warn("records skipped while parsing exchange info")
	}
	return catalog, summary, nil
}

// ParseInstruments applies the market's table to every record. Records that
// fail parsing or identity resolution are added to summary and skipped.
func (b *Base) ParseInstruments(market string, records []gjson.Result, summary *models.ErrorSummary) (map[string]models.Instrument, error) {
	table, err := b.Table(market)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Instrument, len(records))
	for _, raw := range records {
		inst, err := parser.BuildInstrument(raw, table)
		if err != nil {
			summary.Add(fmt.Errorf("%s %s: %w", b.name, market, err))
			continue
		}
		if _, dup := out[inst.ID]; dup {
			summary.Add(fmt.Errorf("%s %s: duplicate instrument %s: %w", b.name, market, inst.ID, models.ErrIdentity))
			continue
		}
		out[inst.ID] = inst
	}
	return out, nil
}

// ResolveTickers parses raw tickers with the table of market and keys them by
// instrument id. lookup lists the catalog markets searched for the raw
// symbol, market itself when empty. Tickers whose symbol is not in the
// snapshot are dropped and counted. Inverse quote volumes are corrected here
// and nowhere else.
func (b *Base) ResolveTickers(cat *models.Catalog, market string, lookup []string, records []gjson.Result, polled time.Time, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error) {
	table, err := b.Table(market)
	if err != nil {
		return 0, err
	}
	if len(lookup) == 0 {
		lookup = []string{market}
	}
	dropped := 0
	for _, raw := range records {
		t, symbol, err := parser.BuildTicker(raw, table)
		if err != nil {
			summary.Add(fmt.Errorf("%s %s ticker: %w", b.name, market, err))
			continue
		}
		id, ok := lookupSymbol(cat, lookup, symbol)
		if !ok {
			dropped++
			b.Log().WithFields(logger.Fields{"market": market, "raw_symbol": symbol}).Debug("ticker symbol not in catalog, dropped")
			continue
		}
		inst, _ := cat.Get(id)
		t.InstrumentID = id
		t.Timestamp = polled.UnixMilli()
		if t.CloseTime == 0 {
			t.CloseTime = t.Timestamp
		}
		if t.OpenTime == 0 {
			t.OpenTime = t.CloseTime - tickerWindow.Milliseconds()
		}
		if inst.IsInverse() {
			t.ApplyInverseCorrection(inst.ContractSize)
		}
		out[id] = t
	}
	return dropped, nil
}

// Tickers runs fetch and wraps it with the drop accounting and logging shared
// by every adapter.
func (b *Base) Tickers(ctx context.Context, fetch func(ctx context.Context, cat *models.Catalog, out map[string]models.Ticker, summary *models.ErrorSummary) (int, error)) (map[string]models.Ticker, *models.ErrorSummary, error) {
	cat := b.Catalog()
	if cat == nil {
		return nil, nil, fmt.Errorf("%s tickers: catalog not loaded: %w", b.name, models.ErrNotFound)
	}
	start := time.Now()
	out := make(map[string]models.Ticker)
	summary := &models.ErrorSummary{}
	dropped, err := fetch(ctx, cat, out, summary)
	if err != nil {
		return nil, summary, err
	}

	log := b.Log()
	logger.LogPerformanceEntry(log, b.name+"_reader", "tickers", time.Since(start), logger.Fields{"dropped": dropped})
	logger.LogDataFlowEntry(log, b.name+"_api", "tickers", len(out), "tickers")
	logger.IncrementParsed("ticker", len(out))
	if dropped > 0 {
		log.WithFields(logger.Fields{"dropped": dropped}).Info("tickers without catalog entry dropped")
	}
	if n := summary.Total(); n > 0 {
		logger.IncrementRecordErrors(n)
	}
	return out, summary, nil
}

// Ticker looks id up in the snapshot before fetching, so unknown ids fail
// with ErrNotFound without a network call.
func (b *Base) Ticker(ctx context.Context, id string, all func(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error)) (models.Ticker, error) {
	if _, err := b.Catalog().Get(id); err != nil {
		return models.Ticker{}, err
	}
	tickers, _, err := all(ctx)
	if err != nil {
		return models.Ticker{}, err
	}
	t, ok := tickers[id]
	if !ok {
		return models.Ticker{}, fmt.Errorf("ticker %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

// ParseKlines parses one page of raw candle rows for inst. Malformed rows
// are skipped and logged but still count towards Rows, so a bad row never
// makes a full page look like the end of history. The page is exhausted when
// the exchange returned fewer than limit rows; windowed adapters override
// that. The inverse correction uses the contract size of inst, which the
// caller captured before paging started.
func (b *Base) ParseKlines(inst models.Instrument, interval string, rows []gjson.Result, limit int) (models.KlinePage, error) {
	table, err := b.Table(inst.Market)
	if err != nil {
		return models.KlinePage{}, err
	}
	page := models.KlinePage{
		Klines:    make([]models.Kline, 0, len(rows)),
		Rows:      len(rows),
		Exhausted: len(rows) < limit,
	}
	skipped := 0
	for _, row := range rows {
		k, err := parser.BuildKline(row, table)
		if err != nil {
			skipped++
			b.Log().WithError(err).WithFields(logger.Fields{"instrument_id": inst.ID}).Warn("malformed kline row skipped")
			continue
		}
		k.InstrumentID = inst.ID
		k.Interval = interval
		if inst.IsInverse() {
			k.ApplyInverseCorrection(inst.ContractSize)
		}
		page.Klines = append(page.Klines, k)
	}
	if skipped > 0 {
		logger.IncrementRecordErrors(skipped)
	}
	logger.IncrementParsed("kline", len(page.Klines))
	return page, nil
}

func lookupSymbol(cat *models.Catalog, markets []string, symbol string) (string, bool) {
	for _, m := range markets {
		if id, ok := cat.Lookup(m, symbol); ok {
			return id, true
		}
	}
	return "", false
}

func sortedIDs(m map[string]models.Instrument) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
