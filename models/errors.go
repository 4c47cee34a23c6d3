package models

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrIdentity        = errors.New("identity error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrCursorStalled   = errors.New("pagination cursor did not decrease")
)

// MalformedRecordError reports a raw record that could not be parsed.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: field %q: %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// IdentityError reports a record whose identity fields are missing.
type IdentityError struct {
	Field string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity error: %s is empty", e.Field)
}

func (e *IdentityError) Unwrap() error { return ErrIdentity }

const summarySampleSize = 5

// ErrorSummary aggregates per-record failures so a bad record never aborts
// a whole catalog fetch or batch. Safe for concurrent use.
type ErrorSummary struct {
	mu     sync.Mutex
	Count  int            `json:"count"`
	ByKind map[string]int `json:"by_kind"`
	Sample []string       `json:"sample"`
}

// Add records err. Nil errors are ignored.
func (s *ErrorSummary) Add(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ByKind == nil {
		s.ByKind = make(map[string]int)
	}
	s.Count++
	s.ByKind[errorKind(err)]++
	if len(s.Sample) < summarySampleSize {
		s.Sample = append(s.Sample, err.Error())
	}
}

// Merge folds other into s.
func (s *ErrorSummary) Merge(other *ErrorSummary) {
	if other == nil || other == s {
		return
	}
	other.mu.Lock()
	count := other.Count
	kinds := make(map[string]int, len(other.ByKind))
	for k, v := range other.ByKind {
		kinds[k] = v
	}
	sample := append([]string(nil), other.Sample...)
	other.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ByKind == nil {
		s.ByKind = make(map[string]int)
	}
	s.Count += count
	for k, v := range kinds {
		s.ByKind[k] += v
	}
	for _, m := range sample {
		if len(s.Sample) >= summarySampleSize {
			break
		}
		s.Sample = append(s.Sample, m)
	}
}

// Total returns the number of recorded errors.
func (s *ErrorSummary) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Count
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrIdentity):
		return "identity"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCursorStalled):
		return "cursor_stalled"
	default:
		return "other"
	}
}
