package metrics

import "marketflow/logger"

// SinkStats holds per-run counters of one storage backend.
type SinkStats struct {
	Tickers     int64
	Klines      int64
	Snapshots   int64
	DailyPrices int64
	Errors      int64
}

// ReportSink emits the run totals of one sink and logs them on one line.
func ReportSink(log *logger.Log, sink string, stats SinkStats) {
	component := "sink_" + sink
	l := log.WithComponent(component)

	written := stats.Tickers + stats.Klines + stats.Snapshots + stats.DailyPrices
	errorRate := float64(0)
	if written+stats.Errors > 0 {
		errorRate = float64(stats.Errors) / float64(written+stats.Errors)
	}

	fields := logger.Fields{"sink": sink}
	l.LogMetric(component, "tickers_written", stats.Tickers, "counter", fields)
	l.LogMetric(component, "klines_written", stats.Klines, "counter", fields)
	l.LogMetric(component, "snapshots_written", stats.Snapshots, "counter", fields)
	l.LogMetric(component, "daily_prices_written", stats.DailyPrices, "counter", fields)
	l.LogMetric(component, "errors_count", stats.Errors, "counter", fields)
	l.LogMetric(component, "error_rate", errorRate, "gauge", fields)

	entry := l.WithFields(logger.Fields{
		"tickers_written":      stats.Tickers,
		"klines_written":       stats.Klines,
		"snapshots_written":    stats.Snapshots,
		"daily_prices_written": stats.DailyPrices,
		"errors_count":         stats.Errors,
		"error_rate":           errorRate,
	})
	if stats.Errors > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
