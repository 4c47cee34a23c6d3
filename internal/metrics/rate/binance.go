package rate

import (
	"context"
	"net/http"
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"
)

// FetchRequestWeightLimit queries the futures exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit. It returns 0 if the limit is not listed.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// KlineWeight returns the request weight of one klines call for limit rows.
func KlineWeight(limit int) int64 {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func binanceUsedWeight(header http.Header) (int64, bool) {
	v := header.Get("X-MBX-USED-WEIGHT-1m")
	if v == "" {
		return 0, false
	}
	used, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return used, true
}
