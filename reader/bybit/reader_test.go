package bybit

import (
	"context"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "marketflow/config"
	"marketflow/internal/rest"
	"marketflow/models"
)

const spotInstruments = `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[
 {"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading","marginTrading":"both",
  "lotSizeFilter":{"minOrderQty":"0.000048","maxOrderQty":"71.73956243"},"priceFilter":{"tickSize":"0.01"}},
 {"symbol":"NOQUOTE","baseCoin":"NO","status":"Trading","marginTrading":"none"}
]}}`

var linearPages = map[string]string{
	"": `{"retCode":0,"result":{"category":"linear","nextPageCursor":"page2","list":[
 {"symbol":"BTCUSDT","contractType":"LinearPerpetual","status":"Trading","baseCoin":"BTC","quoteCoin":"USDT","settleCoin":"USDT",
  "launchTime":"1585526400000","deliveryTime":"0","leverageFilter":{"maxLeverage":"100.00"},
  "priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"1190.000"}}
]}}`,
	"page2": `{"retCode":0,"result":{"category":"linear","nextPageCursor":"","list":[
 {"symbol":"SHIB1000USDT","contractType":"LinearPerpetual","status":"Trading","baseCoin":"SHIB1000","quoteCoin":"USDT","settleCoin":"USDT",
  "launchTime":"1647511200000","deliveryTime":"0","leverageFilter":{"maxLeverage":"25.00"},
  "priceFilter":{"tickSize":"0.000001"},"lotSizeFilter":{"qtyStep":"100","minOrderQty":"100","maxOrderQty":"5000000"}}
]}}`,
}

const inverseInstruments = `{"retCode":0,"result":{"category":"inverse","nextPageCursor":"","list":[
 {"symbol":"BTCUSD","contractType":"InversePerpetual","status":"Trading","baseCoin":"BTC","quoteCoin":"USD","settleCoin":"BTC",
  "launchTime":"1542211200000","deliveryTime":"0","leverageFilter":{"maxLeverage":"100.00"},
  "priceFilter":{"tickSize":"0.50"},"lotSizeFilter":{"qtyStep":"1","minOrderQty":"1","maxOrderQty":"1000000"}}
]}}`

type fakeBybit struct {
	mu     sync.Mutex
	calls  map[string]int
	params []url.Values
}

func (f *fakeBybit) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[path+"?"+params.Get("category")]++
	f.params = append(f.params, params)
	f.mu.Unlock()

	switch path {
	case instrumentsPath:
		switch params.Get("category") {
		case "spot":
			return []byte(spotInstruments), nil
		case "linear":
			return []byte(linearPages[params.Get("cursor")]), nil
		case "inverse":
			return []byte(inverseInstruments), nil
		}
	case tickersPath:
		switch params.Get("category") {
		case "spot":
			return []byte(`{"retCode":0,"result":{"list":[
			 {"symbol":"BTCUSDT","lastPrice":"105","prevPrice24h":"100","highPrice24h":"110","lowPrice24h":"90","volume24h":"10","turnover24h":"1000"},
			 {"symbol":"GONEUSDT","lastPrice":"1","prevPrice24h":"1","highPrice24h":"1","lowPrice24h":"1","volume24h":"1","turnover24h":"1"}
			]},"time":1700086400000}`), nil
		case "linear":
			return []byte(`{"retCode":0,"result":{"list":[]},"time":1700086400000}`), nil
		case "inverse":
			return []byte(`{"retCode":0,"result":{"list":[
			 {"symbol":"BTCUSD","lastPrice":"105","prevPrice24h":"100","highPrice24h":"110","lowPrice24h":"90","volume24h":"1200","turnover24h":"12"}
			]},"time":1700086400000}`), nil
		}
	case klinePath:
		if params.Get("symbol") == "LIMITED" {
			return []byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{}}`), nil
		}
		return []byte(`{"retCode":0,"result":{"symbol":"BTCUSDT","category":"spot","list":[
		 ["1700006400000","3","4","1","2","10","20"],
		 ["1699920000000","1","2","0.5","1.5","10","15"]
		]}}`), nil
	}
	return nil, &rest.HTTPError{Status: 404, Body: path}
}

func newTestReader(f *fakeBybit) *Reader {
	cfg := appconfig.Default()
	return newReader(cfg.Exchanges.Bybit, f, nil)
}

func TestGetExchangeInfoFollowsCursor(t *testing.T) {
	f := &fakeBybit{}
	r := newTestReader(f)

	cat, summary, err := r.GetExchangeInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total())
	assert.Equal(t, 4, cat.Len())
	assert.Equal(t, 2, f.calls[instrumentsPath+"?linear"])

	spot, err := cat.Get("BTC/USDT:USDT")
	require.NoError(t, err)
	assert.True(t, spot.MarginEnabled)
	assert.Equal(t, models.MarketSpot, spot.Kind)

	shib, err := cat.Get("1000SHIB/USDT:USDT-PERP")
	require.NoError(t, err)
	assert.Equal(t, 1000, shib.Multiplier)
	assert.Equal(t, "SHIB1000USDT", shib.RawSymbol)

	inv, err := cat.Get("BTC/USD:BTC-PERP")
	require.NoError(t, err)
	assert.True(t, inv.IsInverse())
	assert.Equal(t, 100.0, inv.Leverage)
}

func TestGetTickers(t *testing.T) {
	r := newTestReader(&fakeBybit{})
	_, _, err := r.GetExchangeInfo(context.Background())
	require.NoError(t, err)

	tickers, _, err := r.GetTickers(context.Background())
	require.NoError(t, err)
	require.Len(t, tickers, 2)

	spot := tickers["BTC/USDT:USDT"]
	assert.Equal(t, 100.0, spot.Open)
	assert.Equal(t, 1000.0, spot.QuoteVolume)
	assert.Equal(t, spot.Timestamp, spot.CloseTime)
	assert.Equal(t, spot.CloseTime-24*60*60*1000, spot.OpenTime)

	inv := tickers["BTC/USD:BTC-PERP"]
	assert.Equal(t, 12.0, inv.BaseVolume)
	assert.Equal(t, 1200.0, inv.QuoteVolume)
	assert.True(t, inv.Corrected)
}

func TestFetchKlinePage(t *testing.T) {
	f := &fakeBybit{}
	r := newTestReader(f)
	inst := models.Instrument{ID: "BTC/USDT:USDT", RawSymbol: "BTCUSDT", Market: "spot", ContractSize: 1}

	end := int64(1700006400000)
	page, err := r.FetchKlinePage(context.Background(), inst, "1d", &end, 5000)
	require.NoError(t, err)
	klines := page.Klines
	require.Len(t, klines, 2)
	assert.Equal(t, "BTC/USDT:USDT", klines[1].InstrumentID)
	assert.Equal(t, 15.0, klines[1].QuoteVolume)
	assert.Equal(t, "1d", klines[0].Interval)

	last := f.params[len(f.params)-1]
	assert.Equal(t, "D", last.Get("interval"))
	assert.Equal(t, "1000", last.Get("limit"))
	assert.Equal(t, "1700006400000", last.Get("end"))
	assert.Equal(t, "spot", last.Get("category"))

	_, err = r.FetchKlinePage(context.Background(), inst, "8h", nil, 10)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = r.FetchKlinePage(context.Background(), models.Instrument{RawSymbol: "X", Market: "option"}, "1h", nil, 10)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetCodeError(t *testing.T) {
	r := newTestReader(&fakeBybit{})
	_, err := r.FetchKlinePage(context.Background(), models.Instrument{RawSymbol: "LIMITED", Market: "linear"}, "1h", nil, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10006")
}

func TestSDKGetterRejectsUnknownPath(t *testing.T) {
	cfg := appconfig.Default()
	g := newSDKGetter("http://127.0.0.1:1", &cfg, cfg.Exchanges.Bybit)
	_, err := g.Get(context.Background(), "/v5/order/create", nil)
	assert.ErrorIs(t, err, errUnknownPath)
}
