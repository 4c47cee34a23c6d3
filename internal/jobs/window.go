package jobs

import (
	"fmt"
	"time"

	"marketflow/models"
)

const dateLayout = "20060102"

// Window is the closed range [Start, End] in unix ms a job covers.
type Window struct {
	Start int64
	End   int64
}

// ParseWindow turns the YYYYMMDD job bounds into a window. End runs through
// 23:59:59.999 UTC of its day. Missing bounds default to the last
// windowDays days up to and including today.
func ParseWindow(start, end string, windowDays int, now time.Time) (Window, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	if windowDays < 1 {
		windowDays = 1
	}

	endDay := today
	if end != "" {
		d, err := time.Parse(dateLayout, end)
		if err != nil {
			return Window{}, fmt.Errorf("end %q: %w", end, models.ErrInvalidRequest)
		}
		endDay = d
	}

	startDay := endDay.AddDate(0, 0, -windowDays)
	if start != "" {
		d, err := time.Parse(dateLayout, start)
		if err != nil {
			return Window{}, fmt.Errorf("start %q: %w", start, models.ErrInvalidRequest)
		}
		startDay = d
	}

	if startDay.After(endDay) {
		return Window{}, fmt.Errorf("start %s after end %s: %w", startDay.Format(dateLayout), endDay.Format(dateLayout), models.ErrInvalidRequest)
	}

	return Window{
		Start: startDay.UnixMilli(),
		End:   endDay.AddDate(0, 0, 1).UnixMilli() - 1,
	}, nil
}

func formatDate(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(dateLayout)
}
