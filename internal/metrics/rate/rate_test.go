package rate

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketflow/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	log := logger.GetLogger()
	ReportRateLimitExceeded(log, "binance", "/api/v3/klines", "127.0.0.1")
}

func TestReportIPBan(t *testing.T) {
	log := logger.GetLogger()
	ReportIPBan(log, "binance", "/api/v3/klines", "127.0.0.1")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "Way too much request weight used; IP banned until 1700000000000", false, true},
		{"okx", "IP has been blocked for 60 seconds", false, true},
		{"okx", `{"code":"50011","msg":"Requests too frequent."}`, true, false},
		{"kucoin", "429 Too Many Requests", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "Too many visits!", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("exchange %s: expected rateLimit %v got %v", c.exchange, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("exchange %s: expected ipBan %v got %v", c.exchange, c.ban, ban)
		}
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	rl, ban := ReportLimitFromMessage(logger.GetLogger(), "kucoin", "/api/v1/market/candles", "", "Too Many Requests")
	assert.True(t, rl)
	assert.False(t, ban)
}

func TestUsedWeight(t *testing.T) {
	cases := []struct {
		name     string
		exchange string
		headers  map[string][]string
		want     int64
		ok       bool
	}{
		{
			name:     "binance",
			exchange: "binance",
			headers:  map[string][]string{"X-MBX-USED-WEIGHT-1m": {"42"}},
			want:     42,
			ok:       true,
		},
		{
			name:     "bybit legacy headers",
			exchange: "bybit",
			headers:  map[string][]string{"X-Bapi-Limit": {"120"}, "X-Bapi-Limit-Status": {"100"}},
			want:     20,
			ok:       true,
		},
		{
			name:     "bybit ratelimit headers",
			exchange: "bybit",
			headers:  map[string][]string{"X-RateLimit-Limit": {"50"}, "X-RateLimit-Remaining": {"45"}},
			want:     5,
			ok:       true,
		},
		{
			name:     "kucoin",
			exchange: "kucoin",
			headers: map[string][]string{
				"gw-ratelimit-limit":     {"2000"},
				"gw-ratelimit-remaining": {"1990"},
				"gw-ratelimit-reset":     {"1000"},
			},
			want: 10,
			ok:   true,
		},
		{
			name:     "okx windows",
			exchange: "okx",
			headers: map[string][]string{
				"Rate-Limit-Limit":     {"20;w=2, 100;w=60"},
				"Rate-Limit-Remaining": {"18;w=2, 70;w=60"},
			},
			want: 30,
			ok:   true,
		},
		{
			name:     "okx used header",
			exchange: "okx",
			headers:  map[string][]string{"X-RateLimit-Used": {"7"}},
			want:     7,
			ok:       true,
		},
		{
			name:     "missing headers",
			exchange: "binance",
			headers:  nil,
			ok:       false,
		},
		{
			name:     "unknown exchange",
			exchange: "kraken",
			headers:  map[string][]string{"X-MBX-USED-WEIGHT-1m": {"42"}},
			ok:       false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := http.Header{}
			for k, vs := range c.headers {
				for _, v := range vs {
					h.Add(k, v)
				}
			}
			got, ok := UsedWeight(c.exchange, h)
			assert.Equal(t, c.ok, ok)
			if c.ok {
				assert.Equal(t, c.want, got)
			}
		})
	}
}

func TestKlineWeight(t *testing.T) {
	assert.Equal(t, int64(1), KlineWeight(50))
	assert.Equal(t, int64(2), KlineWeight(100))
	assert.Equal(t, int64(5), KlineWeight(1000))
	assert.Equal(t, int64(10), KlineWeight(1500))
}

func TestExtractInts(t *testing.T) {
	assert.Equal(t, []int64{20, 2}, extractInts("20;w=2"))
	assert.Empty(t, extractInts("none"))
}
