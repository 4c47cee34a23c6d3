package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"marketflow/models"
)

// Canonical field names shared by every table.
const (
	FieldActive        = "active"
	FieldRawSymbol     = "raw_symbol"
	FieldBase          = "base"
	FieldQuote         = "quote"
	FieldSettle        = "settle"
	FieldKind          = "market_kind"
	FieldStyle         = "contract_style"
	FieldMarginEnabled = "margin_enabled"
	FieldMultiplier    = "multiplier"
	FieldContractSize  = "contract_size"
	FieldLeverage      = "leverage"
	FieldTickSize      = "tick_size"
	FieldMinOrderSize  = "min_order_size"
	FieldMaxOrderSize  = "max_order_size"
	FieldListingTime   = "listing_time"
	FieldExpiration    = "expiration_time"

	FieldOpen        = "open"
	FieldHigh        = "high"
	FieldLow         = "low"
	FieldClose       = "close"
	FieldLast        = "last"
	FieldBaseVolume  = "base_volume"
	FieldQuoteVolume = "quote_volume"
	FieldOpenTime    = "open_time"
	FieldCloseTime   = "close_time"
	FieldCorrected   = "corrected"
)

// Extractor pulls one canonical value out of a raw exchange record.
type Extractor func(raw gjson.Result) (any, error)

// Field maps a canonical name to an extractor, or to a literal Default when
// Extract is nil.
type Field struct {
	Name    string
	Extract Extractor
	Default any
}

// Lit declares a field with a literal value.
func Lit(name string, v any) Field { return Field{Name: name, Default: v} }

// Ext declares a field computed from the raw record.
func Ext(name string, fn Extractor) Field { return Field{Name: name, Extract: fn} }

// Table is the declarative parser for one (exchange, market) pair. Market is
// the exchange catalog segment the records come from (spot, margin, linear,
// inverse, swap, futures).
type Table struct {
	Exchange   string
	Market     string
	Instrument []Field
	Ticker     []Field
	Kline      []Field
}

// Fields is the flat result of applying a field list to one record.
type Fields map[string]any

// Apply evaluates every field against raw. A failing extractor yields a
// MalformedRecordError naming the field.
func Apply(raw gjson.Result, fields []Field) (Fields, error) {
	out := make(Fields, len(fields))
	for _, f := range fields {
		if f.Extract == nil {
			out[f.Name] = f.Default
			continue
		}
		v, err := f.Extract(raw)
		if err != nil {
			var mr *models.MalformedRecordError
			if errors.As(err, &mr) {
				return nil, err
			}
			return nil, &models.MalformedRecordError{Field: f.Name, Reason: err.Error()}
		}
		out[f.Name] = v
	}
	return out, nil
}

// BuildInstrument parses one catalog record and assigns its unified id.
func BuildInstrument(raw gjson.Result, t Table) (models.Instrument, error) {
	f, err := Apply(raw, t.Instrument)
	if err != nil {
		return models.Instrument{}, err
	}
	inst := models.Instrument{
		Exchange:      t.Exchange,
		Market:        t.Market,
		RawSymbol:     f.str(FieldRawSymbol),
		Base:          strings.ToUpper(f.str(FieldBase)),
		Quote:         strings.ToUpper(f.str(FieldQuote)),
		Settle:        strings.ToUpper(f.str(FieldSettle)),
		Kind:          f.kind(),
		Style:         f.style(),
		MarginEnabled: f.boolean(FieldMarginEnabled),
		Multiplier:    f.integer(FieldMultiplier),
		ContractSize:  f.number(FieldContractSize),
		Leverage:      f.number(FieldLeverage),
		TickSize:      f.optFloat(FieldTickSize),
		MinOrderSize:  f.optFloat(FieldMinOrderSize),
		MaxOrderSize:  f.optFloat(FieldMaxOrderSize),
		ListingTime:   f.optInt(FieldListingTime),
		Expiration:    f.optInt(FieldExpiration),
		Active:        f.boolean(FieldActive),
		Raw:           []byte(raw.Raw),
	}
	if inst.Multiplier < 1 {
		inst.Multiplier = 1
	}
	if inst.ContractSize == 0 {
		inst.ContractSize = 1
	}
	if inst.Leverage == 0 {
		inst.Leverage = 1
	}
	id, symbol, err := ParseUnifiedID(inst)
	if err != nil {
		return models.Instrument{}, err
	}
	inst.ID = id
	inst.Symbol = symbol
	return inst, nil
}

// BuildTicker parses one raw ticker and returns it with its exchange native
// symbol. InstrumentID is left for the caller to resolve against a catalog.
func BuildTicker(raw gjson.Result, t Table) (models.Ticker, string, error) {
	f, err := Apply(raw, t.Ticker)
	if err != nil {
		return models.Ticker{}, "", err
	}
	return models.Ticker{
		Exchange:    t.Exchange,
		Open:        f.number(FieldOpen),
		High:        f.number(FieldHigh),
		Low:         f.number(FieldLow),
		Last:        f.number(FieldLast),
		BaseVolume:  f.number(FieldBaseVolume),
		QuoteVolume: f.number(FieldQuoteVolume),
		OpenTime:    f.whole(FieldOpenTime),
		CloseTime:   f.whole(FieldCloseTime),
		Corrected:   f.boolean(FieldCorrected),
	}, f.str(FieldRawSymbol), nil
}

// BuildKline parses one raw candle row.
func BuildKline(raw gjson.Result, t Table) (models.Kline, error) {
	f, err := Apply(raw, t.Kline)
	if err != nil {
		return models.Kline{}, err
	}
	return models.Kline{
		Exchange:    t.Exchange,
		OpenTime:    f.whole(FieldOpenTime),
		CloseTime:   f.whole(FieldCloseTime),
		Open:        f.number(FieldOpen),
		High:        f.number(FieldHigh),
		Low:         f.number(FieldLow),
		Close:       f.number(FieldClose),
		BaseVolume:  f.number(FieldBaseVolume),
		QuoteVolume: f.number(FieldQuoteVolume),
		Corrected:   f.boolean(FieldCorrected),
	}, nil
}

func (f Fields) str(k string) string {
	switch v := f[k].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func (f Fields) boolean(k string) bool {
	v, _ := f[k].(bool)
	return v
}

func (f Fields) number(k string) float64 {
	switch v := f[k].(type) {
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (f Fields) optFloat(k string) *float64 {
	switch v := f[k].(type) {
	case *float64:
		return v
	case float64:
		return models.Float(v)
	}
	return nil
}

func (f Fields) whole(k string) int64 {
	switch v := f[k].(type) {
	case int64:
		return v
	case *int64:
		if v != nil {
			return *v
		}
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (f Fields) optInt(k string) *int64 {
	switch v := f[k].(type) {
	case *int64:
		return v
	case int64:
		return models.Int64(v)
	}
	return nil
}

func (f Fields) integer(k string) int {
	return int(f.whole(k))
}

func (f Fields) kind() models.MarketKind {
	v, _ := f[FieldKind].(models.MarketKind)
	return v
}

func (f Fields) style() models.ContractStyle {
	v, _ := f[FieldStyle].(models.ContractStyle)
	if v == "" {
		return models.StyleNone
	}
	return v
}
