package symbols

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"kucoin", "XBT", "BTC"},
		{"KuCoin", "xbt", "BTC"},
		{"kucoin", "ETH", "ETH"},
		{"kucoin", "BCHSV", "BSV"},
		{"binance", "XBT", "XBT"},
		{"okx", " usdt ", "USDT"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("Canonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}
