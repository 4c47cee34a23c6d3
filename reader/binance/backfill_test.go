package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/backfill"
	"marketflow/models"
)

const day = int64(24 * time.Hour / time.Millisecond)

// newHistoryServer serves daily spot candles in [first, last] the way
// /api/v3/klines does: the newest limit rows at or before endTime, oldest
// first. Candles opening at a time in malformed carry an unparseable close.
func newHistoryServer(t *testing.T, first, last int64, malformed map[int64]bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := strconv.Atoi(q.Get("limit"))
		assert.NoError(t, err)
		hi := last
		if end := q.Get("endTime"); end != "" {
			v, err := strconv.ParseInt(end, 10, 64)
			assert.NoError(t, err)
			switch {
			case v < first:
				hi = first - 1
			case v < last:
				hi = v - (v-first)%day
			}
		}
		var rows []string
		for ts := hi; ts >= first && len(rows) < limit; ts -= day {
			closePrice := strconv.FormatInt(ts/day, 10)
			if malformed[ts] {
				closePrice = "n/a"
			}
			rows = append(rows, fmt.Sprintf(`[%d,"1","2","0.5","%s","10",%d,"15",5,"1","1","0"]`, ts, closePrice, ts+day-1))
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBackfillFollowsEndTimeAcrossPages(t *testing.T) {
	first := int64(1_700_006_400_000)
	last := first + 40*day
	bad := first + 38*day
	srv := newHistoryServer(t, first, last, map[int64]bool{bad: true})

	cfg := testConfig(srv.URL)
	cfg.Exchanges.Binance.PageLimit = 5
	r := NewReader(cfg, nil)
	cat := models.NewCatalog("binance", time.Now(), map[string]models.Instrument{
		"BTC/USDT:USDT": {ID: "BTC/USDT:USDT", RawSymbol: "BTCUSDT", Market: "spot", Active: true, ContractSize: 1},
	})

	res, err := backfill.NewEngine(r).Run(context.Background(), cat, backfill.Range("BTC/USDT:USDT", "1d", first, last))
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	require.Len(t, res.Klines, 40)
	assert.Equal(t, first, res.Klines[0].OpenTime)
	assert.Equal(t, last, res.Klines[39].OpenTime)
	for _, k := range res.Klines {
		assert.NotEqual(t, bad, k.OpenTime)
		assert.Equal(t, k.OpenTime+day-1, k.CloseTime)
	}
	assert.Equal(t, 9, res.Pages)
}
