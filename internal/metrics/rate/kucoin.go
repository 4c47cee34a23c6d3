package rate

import (
	"net/http"
	"strconv"
)

// kucoinUsedWeight reads the gw-ratelimit-* headers KuCoin returns on every
// REST response. Reset is in milliseconds until the quota window rolls over.
func kucoinUsedWeight(header http.Header) (used int64, reset int64, ok bool) {
	limitStr := header.Get("gw-ratelimit-limit")
	remainingStr := header.Get("gw-ratelimit-remaining")
	if limitStr == "" || remainingStr == "" {
		return 0, 0, false
	}
	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	reset, _ = strconv.ParseInt(header.Get("gw-ratelimit-reset"), 10, 64)
	return clampUsed(limit - remaining), reset, true
}
