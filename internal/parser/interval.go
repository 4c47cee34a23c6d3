package parser

import (
	"fmt"
	"time"

	"marketflow/models"
)

// MonthStep is the cursor step used for 1M candles. It is shorter than any
// calendar month so stepping back from a month's open always lands inside
// the previous month.
const MonthStep = 28 * 24 * time.Hour

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  MonthStep,
}

// IntervalDuration returns the length of one candle of the canonical
// interval. For 1M it returns MonthStep.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("interval %q: %w", interval, models.ErrInvalidRequest)
	}
	return d, nil
}

// CloseTime returns the last millisecond covered by the candle opening at
// openTime. Monthly candles close at the end of their calendar month.
func CloseTime(openTime int64, interval string) (int64, error) {
	if interval == "1M" {
		open := time.UnixMilli(openTime).UTC()
		return open.AddDate(0, 1, 0).UnixMilli() - 1, nil
	}
	d, err := IntervalDuration(interval)
	if err != nil {
		return 0, err
	}
	return openTime + d.Milliseconds() - 1, nil
}
