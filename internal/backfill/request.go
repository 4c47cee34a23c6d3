package backfill

import (
	"fmt"

	"marketflow/models"
)

// Mode is the query shape of a Request.
type Mode int

const (
	// ModeRange has start and end.
	ModeRange Mode = iota + 1
	// ModeSince has start only and runs up to the latest candle.
	ModeSince
	// ModeLastBefore has end and num.
	ModeLastBefore
	// ModeLatest has num only.
	ModeLatest
)

func (m Mode) String() string {
	switch m {
	case ModeRange:
		return "range"
	case ModeSince:
		return "since"
	case ModeLastBefore:
		return "last_before"
	case ModeLatest:
		return "latest"
	}
	return "unknown"
}

// Request asks for the klines of one instrument. Times are unix ms and both
// bounds are inclusive.
type Request struct {
	InstrumentID string
	Interval     string
	Start        *int64
	End          *int64
	Num          *int
}

// Mode validates the combination of bounds and returns its shape.
func (r Request) Mode() (Mode, error) {
	if r.InstrumentID == "" {
		return 0, fmt.Errorf("missing instrument id: %w", models.ErrInvalidRequest)
	}
	if r.Num != nil && *r.Num <= 0 {
		return 0, fmt.Errorf("num must be positive, got %d: %w", *r.Num, models.ErrInvalidRequest)
	}

	hasStart, hasEnd, hasNum := r.Start != nil, r.End != nil, r.Num != nil
	switch {
	case hasStart && hasEnd && !hasNum:
		if *r.Start > *r.End {
			return 0, fmt.Errorf("start %d after end %d: %w", *r.Start, *r.End, models.ErrInvalidRequest)
		}
		return ModeRange, nil
	case hasStart && !hasEnd && !hasNum:
		return ModeSince, nil
	case !hasStart && hasEnd && hasNum:
		return ModeLastBefore, nil
	case !hasStart && !hasEnd && hasNum:
		return ModeLatest, nil
	}
	return 0, fmt.Errorf("unsupported combination start=%t end=%t num=%t: %w", hasStart, hasEnd, hasNum, models.ErrInvalidRequest)
}

// Range builds a ModeRange request.
func Range(id, interval string, start, end int64) Request {
	return Request{InstrumentID: id, Interval: interval, Start: &start, End: &end}
}

// LastBefore builds a ModeLastBefore request.
func LastBefore(id, interval string, end int64, num int) Request {
	return Request{InstrumentID: id, Interval: interval, End: &end, Num: &num}
}
