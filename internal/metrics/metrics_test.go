package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/logger"
)

func TestCountersAfterInit(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(recordsStored.WithLabelValues("binance", "memory", "kline"))
	IncrementStored("binance", "memory", "kline", 3)
	after := testutil.ToFloat64(recordsStored.WithLabelValues("binance", "memory", "kline"))
	assert.Equal(t, before+3, after)

	SetUsedWeight("okx", 17)
	assert.Equal(t, float64(17), testutil.ToFloat64(usedWeight.WithLabelValues("okx")))

	IncrementRecordErrors("bybit", map[string]int{"malformed_record": 2})
	assert.GreaterOrEqual(t, testutil.ToFloat64(recordErrors.WithLabelValues("bybit", "malformed_record")), float64(2))
}

func TestPush(t *testing.T) {
	Init()
	IncrementRequest("kucoin", 200)

	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Push(ctx, srv.URL, "marketflow", "run-1"))
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.Contains(path.Load().(string), "run-1"))
}

func TestPushWithoutURL(t *testing.T) {
	assert.NoError(t, Push(context.Background(), "", "marketflow", "run-1"))
}

func TestReportSink(t *testing.T) {
	ReportSink(logger.GetLogger(), "memory", SinkStats{Klines: 10, Errors: 1})
}
