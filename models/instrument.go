package models

import (
	"encoding/json"
)

// MarketKind is the canonical market classification of an instrument.
type MarketKind string

const (
	MarketSpot    MarketKind = "spot"
	MarketMargin  MarketKind = "margin"
	MarketFutures MarketKind = "futures"
	MarketPerp    MarketKind = "perp"
)

// ContractStyle describes how a derivative is margined and settled.
type ContractStyle string

const (
	StyleLinear  ContractStyle = "linear"
	StyleInverse ContractStyle = "inverse"
	StyleNone    ContractStyle = "n/a"
)

// IsDerivative reports whether the kind is futures or perp.
func (k MarketKind) IsDerivative() bool {
	return k == MarketFutures || k == MarketPerp
}

// Instrument is the exchange independent representation of a tradable contract.
type Instrument struct {
	ID            string        `json:"id"`
	Symbol        string        `json:"symbol"`
	Exchange      string        `json:"exchange"`
	RawSymbol     string        `json:"raw_symbol"`
	Market        string        `json:"market"`
	Base          string        `json:"base"`
	Quote         string        `json:"quote"`
	Settle        string        `json:"settle"`
	Kind          MarketKind    `json:"market_kind"`
	Style         ContractStyle `json:"contract_style"`
	MarginEnabled bool          `json:"margin_enabled"`
	Multiplier    int           `json:"multiplier"`
	ContractSize  float64       `json:"contract_size"`
	Leverage      float64       `json:"leverage"`
	TickSize      *float64      `json:"tick_size"`
	MinOrderSize  *float64      `json:"min_order_size"`
	MaxOrderSize  *float64      `json:"max_order_size"`
	ListingTime   *int64        `json:"listing_time"`
	Expiration    *int64        `json:"expiration_time"`
	Active        bool          `json:"active"`

	// Raw is the untouched exchange payload. It never takes part in identity.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// IsInverse reports whether quote volumes of this instrument need the
// contract size correction.
func (i Instrument) IsInverse() bool {
	return i.Style == StyleInverse
}

// Float returns a pointer to v. Used for the optional order size fields.
func Float(v float64) *float64 {
	return &v
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
