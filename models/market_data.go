package models

import (
	"github.com/shopspring/decimal"
)

// Ticker is a 24h rolling summary for one instrument.
type Ticker struct {
	InstrumentID string  `json:"instrument_id"`
	Exchange     string  `json:"exchange"`
	Timestamp    int64   `json:"timestamp"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Last         float64 `json:"last"`
	BaseVolume   float64 `json:"base_volume"`
	QuoteVolume  float64 `json:"quote_volume"`
	OpenTime     int64   `json:"open_time"`
	CloseTime    int64   `json:"close_time"`

	// Corrected is set once the inverse quote volume correction ran.
	Corrected bool `json:"corrected"`
}

// ApplyInverseCorrection converts a contract denominated quote volume into
// the settle currency. It runs at most once per record.
func (t *Ticker) ApplyInverseCorrection(contractSize float64) {
	if t.Corrected {
		return
	}
	t.QuoteVolume = scaleVolume(t.QuoteVolume, contractSize)
	t.Corrected = true
}

// Kline is one candle keyed by (instrument_id, open_time, exchange).
type Kline struct {
	InstrumentID string  `json:"instrument_id"`
	Exchange     string  `json:"exchange"`
	Interval     string  `json:"interval"`
	OpenTime     int64   `json:"open_time"`
	CloseTime    int64   `json:"close_time"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	BaseVolume   float64 `json:"base_volume"`
	QuoteVolume  float64 `json:"quote_volume"`
	Corrected    bool    `json:"corrected"`
}

// ApplyInverseCorrection mirrors Ticker.ApplyInverseCorrection.
func (k *Kline) ApplyInverseCorrection(contractSize float64) {
	if k.Corrected {
		return
	}
	k.QuoteVolume = scaleVolume(k.QuoteVolume, contractSize)
	k.Corrected = true
}

// KlinePage is one page of a backfill. Rows counts what the exchange sent,
// malformed rows included. Exhausted is set by the adapter when nothing
// older than the page exists.
type KlinePage struct {
	Klines    []Kline
	Rows      int
	Exhausted bool
}

// DailyPrice is the averaged closing price of one currency on one day.
type DailyPrice struct {
	Currency string  `json:"currency"`
	Exchange string  `json:"exchange"`
	Date     string  `json:"date"`
	Price    float64 `json:"price"`
	Sources  int     `json:"sources"`
}

func scaleVolume(v, contractSize float64) float64 {
	out, _ := decimal.NewFromFloat(v).Mul(decimal.NewFromFloat(contractSize)).Float64()
	return out
}
