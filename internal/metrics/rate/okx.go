package rate

import (
	"net/http"
	"strings"
)

type okxRateEntry struct {
	value  int64
	window string
}

// okxUsedWeight accepts both the plain and the X- prefixed header names.
// Values may carry a window suffix ("20;w=2"); used weight is taken per
// window, either reported directly or as limit minus remaining, and the
// largest one wins.
func okxUsedWeight(header http.Header) (int64, bool) {
	limits := okxWindowValues(parseOkxRateEntries(header, "Rate-Limit-Limit", "X-RateLimit-Limit"))
	remaining := okxWindowValues(parseOkxRateEntries(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining"))
	used := okxWindowValues(parseOkxRateEntries(header, "Rate-Limit-Used", "X-RateLimit-Used"))
	if len(limits) == 0 && len(used) == 0 {
		return 0, false
	}

	best := int64(0)
	for _, v := range used {
		best = max(best, v)
	}
	for window, limit := range limits {
		if rem, ok := remaining[window]; ok && limit > 0 {
			best = max(best, clampUsed(limit-rem))
		}
	}
	return best, true
}

func okxWindowValues(entries []okxRateEntry) map[string]int64 {
	m := make(map[string]int64, len(entries))
	for _, e := range entries {
		if cur, ok := m[e.window]; !ok || e.value > cur {
			m[e.window] = e.value
		}
	}
	return m
}

func parseOkxRateEntries(header http.Header, names ...string) []okxRateEntry {
	var entries []okxRateEntry
	for _, name := range names {
		for _, raw := range header.Values(name) {
			for _, part := range strings.Split(raw, ",") {
				nums := extractInts(part)
				if len(nums) == 0 {
					continue
				}
				entries = append(entries, okxRateEntry{value: nums[0], window: okxWindow(part)})
			}
		}
	}
	return entries
}

func okxWindow(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"window=", "w="} {
		idx := strings.Index(lower, prefix)
		if idx == -1 {
			continue
		}
		rest := lower[idx+len(prefix):]
		if end := strings.IndexAny(rest, "; ,"); end != -1 {
			rest = rest[:end]
		}
		return rest
	}
	return ""
}
