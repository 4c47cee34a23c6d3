package rate

import (
	"fmt"
	"strings"

	"marketflow/internal/metrics"
	"marketflow/logger"
)

// ReportRateLimitExceeded counts a throttled request against exchange and endpoint.
func ReportRateLimitExceeded(log *logger.Log, exchange, endpoint, ip string) {
	report(log, exchange, endpoint, ip, "rate_limit_exceeded")
}

// ReportIPBan counts a response telling us the source address is banned.
func ReportIPBan(log *logger.Log, exchange, endpoint, ip string) {
	report(log, exchange, endpoint, ip, "ip_ban")
}

func report(log *logger.Log, exchange, endpoint, ip, metric string) {
	exchange = strings.ToLower(exchange)
	component := fmt.Sprintf("%s_rest", exchange)
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": exchange,
		"endpoint": endpoint,
		"ip":       ip,
	}
	l.LogMetric(component, metric, int64(1), "counter", fields)
	metrics.IncrementRateLimit(exchange, metric)
	if metric == "ip_ban" {
		l.WithFields(fields).Error("ip banned")
		return
	}
	l.WithFields(fields).Warn("rate limit exceeded")
}

// detectLimit inspects an error body and reports whether it signals a rate
// limit or an IP ban. Every exchange words these differently.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	has := func(s string) bool { return strings.Contains(lowerMsg, s) }
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = has("too many requests") || has("rate limit")
		ipBan = has("ip") && has("ban")
	case "okx":
		rateLimit = has("too many requests") || has("frequency limit") || has(`"code":"50011"`)
		ipBan = has("ip") && (has("blocked") || has("ban"))
	case "kucoin":
		rateLimit = has("too many requests") || has("rate limit") || has(`"code":"429000"`)
		ipBan = has("ip") && has("limit") && has("triggered")
	case "bybit":
		ipBan = has("ip rate limit") || (has("ip") && has("ban"))
		rateLimit = !ipBan && (has("rate limit") || has("too many requests") || has("too many visits"))
	default:
		rateLimit = has("rate limit") || has("too many requests")
		ipBan = has("ip") && has("ban")
	}
	return
}

// ReportLimitFromMessage scans msg for rate limit or IP ban wording and
// records what it finds. Unknown messages are ignored.
func ReportLimitFromMessage(log *logger.Log, exchange, endpoint, ip, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, endpoint, ip)
	}
	if ipBan {
		ReportIPBan(log, exchange, endpoint, ip)
	}
	return rateLimit, ipBan
}
