package rate

import (
	"net/http"
	"strings"

	"marketflow/internal/metrics"
	"marketflow/logger"
)

// UsedWeight extracts the request weight consumed so far from a REST
// response of the named exchange. ok is false when the headers are absent.
func UsedWeight(exchange string, header http.Header) (int64, bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		return binanceUsedWeight(header)
	case "bybit":
		return bybitUsedWeight(header)
	case "okx":
		return okxUsedWeight(header)
	case "kucoin":
		used, _, ok := kucoinUsedWeight(header)
		return used, ok
	}
	return 0, false
}

// ReportUsedWeight emits a used_weight gauge for the originating IP when the
// response carries weight headers.
func ReportUsedWeight(log *logger.Log, exchange, ip string, header http.Header) {
	used, ok := UsedWeight(exchange, header)
	if !ok {
		return
	}
	exchange = strings.ToLower(exchange)
	component := exchange + "_rest"
	fields := logger.Fields{"exchange": exchange, "ip": ip}
	log.WithComponent(component).LogMetric(component, "used_weight", used, "gauge", fields)
	metrics.SetUsedWeight(exchange, used)

	if exchange == "kucoin" {
		if _, reset, ok := kucoinUsedWeight(header); ok {
			log.WithComponent(component).LogMetric(component, "reset_ms", reset, "gauge", fields)
		}
	}
}
