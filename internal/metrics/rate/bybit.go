package rate

import (
	"net/http"
	"strconv"
)

// bybitUsedWeight derives used weight from limit minus remaining. Bybit has
// renamed these headers over time so both generations are read.
func bybitUsedWeight(header http.Header) (int64, bool) {
	limitStr := header.Get("X-Bapi-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-RateLimit-Limit")
	}
	remainingStr := header.Get("X-Bapi-Limit-Status")
	if remainingStr == "" {
		remainingStr = header.Get("X-RateLimit-Remaining")
	}
	if limitStr == "" || remainingStr == "" {
		return 0, false
	}

	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return 0, false
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return clampUsed(limit - remaining), true
}

func clampUsed(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
