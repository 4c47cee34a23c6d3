package parser

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"marketflow/models"
)

var errMissing = errors.New("missing")

func get(raw gjson.Result, path string) (gjson.Result, bool) {
	v := raw.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return v, false
	}
	return v, true
}

func number(v gjson.Result) (float64, error) {
	switch v.Type {
	case gjson.Number:
		return v.Num, nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v.Str)
		}
		return f, nil
	}
	return 0, fmt.Errorf("not a number: %s", v.Raw)
}

// Str reads a required, non empty string.
func Str(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok || v.String() == "" {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		return v.String(), nil
	}
}

// OptStr reads a string, empty when absent.
func OptStr(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		return raw.Get(path).String(), nil
	}
}

// Num reads a required number encoded either as JSON number or string.
func Num(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		return number(v)
	}
}

// OptNum reads a number, nil when absent or empty.
func OptNum(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok || v.String() == "" {
			return (*float64)(nil), nil
		}
		f, err := number(v)
		if err != nil {
			return nil, err
		}
		return models.Float(f), nil
	}
}

// Abs reads a required number and returns its absolute value.
func Abs(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Num(path)(raw)
		if err != nil {
			return nil, err
		}
		f := v.(float64)
		if f < 0 {
			f = -f
		}
		return f, nil
	}
}

// Millis reads a required unix millisecond timestamp.
func Millis(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		f, err := number(v)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	}
}

// OptMillis reads a timestamp, nil when absent, empty or zero.
func OptMillis(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok || v.String() == "" {
			return (*int64)(nil), nil
		}
		f, err := number(v)
		if err != nil {
			return nil, err
		}
		if f == 0 {
			return (*int64)(nil), nil
		}
		return models.Int64(int64(f)), nil
	}
}

// Seconds reads a unix second timestamp and returns it in milliseconds.
func Seconds(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Millis(path)(raw)
		if err != nil {
			return nil, err
		}
		return v.(int64) * 1000, nil
	}
}

// ShiftMillis reads a timestamp and moves it by d.
func ShiftMillis(path string, d time.Duration) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Millis(path)(raw)
		if err != nil {
			return nil, err
		}
		return v.(int64) + d.Milliseconds(), nil
	}
}

// Equals reports whether the string at path equals want.
func Equals(path, want string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		return v.String() == want, nil
	}
}

// Flag reads a JSON boolean, false when absent.
func Flag(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		return raw.Get(path).Bool(), nil
	}
}

// OneOf reports whether the string at path is listed in values.
func OneOf(path string, values []string) Extractor {
	return func(raw gjson.Result) (any, error) {
		return slices.Contains(values, raw.Get(path).String()), nil
	}
}

// Base reads a raw base asset and strips its multiplier prefix.
func Base(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Str(path)(raw)
		if err != nil {
			return nil, err
		}
		return ParseBaseCurrency(v.(string)), nil
	}
}

// Multiplier reads the multiplier prefix of a raw base asset.
func Multiplier(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Str(path)(raw)
		if err != nil {
			return nil, err
		}
		return ParseMultiplier(v.(string)), nil
	}
}

// Kind classifies the raw type at path with vocab.
func Kind(path string, vocab Vocabulary) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		return vocab.Kind(v.String())
	}
}

// Style classifies the raw contract type at path with vocab.
func Style(path string, vocab Vocabulary) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, errMissing)
		}
		return vocab.Style(v.String())
	}
}

// When picks between two extractors based on a boolean extractor.
func When(cond, then, otherwise Extractor) Extractor {
	return func(raw gjson.Result) (any, error) {
		c, err := cond(raw)
		if err != nil {
			return nil, err
		}
		if b, _ := c.(bool); b {
			return then(raw)
		}
		return otherwise(raw)
	}
}

// Mapped applies fn to the string read by ex.
func Mapped(ex Extractor, fn func(string) string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := ex(raw)
		if err != nil {
			return nil, err
		}
		s, _ := v.(string)
		return fn(s), nil
	}
}

// Diff returns a - b for two required numbers.
func Diff(a, b string) Extractor {
	return func(raw gjson.Result) (any, error) {
		x, err := Num(a)(raw)
		if err != nil {
			return nil, err
		}
		y, err := Num(b)(raw)
		if err != nil {
			return nil, err
		}
		return x.(float64) - y.(float64), nil
	}
}

// Whole reads an integer encoded as number or string, def when absent.
func Whole(path string, def int) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, ok := get(raw, path)
		if !ok || v.String() == "" {
			return def, nil
		}
		f, err := number(v)
		if err != nil {
			return nil, err
		}
		return int(f), nil
	}
}

// Const always yields v.
func Const(v any) Extractor {
	return func(gjson.Result) (any, error) { return v, nil }
}
