package parser

import (
	"github.com/tidwall/gjson"

	"marketflow/models"
)

// BybitTables returns the v5 spot, linear and inverse tables. Tickers carry
// no per-record timestamp; the reader stamps them with the poll time.
func BybitTables() []Table {
	return []Table{
		{
			Exchange: "bybit",
			Market:   "spot",
			Instrument: []Field{
				Ext(FieldActive, Equals("status", "Trading")),
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldBase, Str("baseCoin")),
				Ext(FieldQuote, Str("quoteCoin")),
				Ext(FieldSettle, Str("quoteCoin")),
				Lit(FieldKind, models.MarketSpot),
				Lit(FieldStyle, models.StyleNone),
				Ext(FieldMarginEnabled, OneOf("marginTrading", BybitVocabulary.Margin)),
				Lit(FieldMultiplier, 1),
				Lit(FieldContractSize, 1.0),
				Lit(FieldLeverage, 1.0),
				Ext(FieldTickSize, OptNum("priceFilter.tickSize")),
				Ext(FieldMinOrderSize, OptNum("lotSizeFilter.minOrderQty")),
				Ext(FieldMaxOrderSize, OptNum("lotSizeFilter.maxOrderQty")),
				Lit(FieldListingTime, nil),
				Lit(FieldExpiration, nil),
			},
			Ticker: bybitTicker("volume24h", "turnover24h"),
			Kline:  bybitKline("5", "6"),
		},
		{
			Exchange:   "bybit",
			Market:     "linear",
			Instrument: bybitContract(),
			Ticker:     bybitTicker("volume24h", "turnover24h"),
			Kline:      bybitKline("5", "6"),
		},
		{
			Exchange:   "bybit",
			Market:     "inverse",
			Instrument: bybitContract(),
			Ticker:     bybitTicker("turnover24h", "volume24h"),
			Kline:      bybitKline("6", "5"),
		},
	}
}

func bybitContract() []Field {
	return []Field{
		Ext(FieldActive, Equals("status", "Trading")),
		Ext(FieldRawSymbol, Str("symbol")),
		Ext(FieldBase, bybitBase("baseCoin")),
		Ext(FieldQuote, Str("quoteCoin")),
		Ext(FieldSettle, Str("settleCoin")),
		Ext(FieldKind, Kind("contractType", BybitVocabulary)),
		Ext(FieldStyle, Style("contractType", BybitVocabulary)),
		Lit(FieldMarginEnabled, false),
		Ext(FieldMultiplier, bybitMultiplier("baseCoin")),
		Ext(FieldContractSize, Num("lotSizeFilter.qtyStep")),
		Ext(FieldLeverage, OptNum("leverageFilter.maxLeverage")),
		Ext(FieldTickSize, OptNum("priceFilter.tickSize")),
		Ext(FieldMinOrderSize, OptNum("lotSizeFilter.minOrderQty")),
		Ext(FieldMaxOrderSize, OptNum("lotSizeFilter.maxOrderQty")),
		Ext(FieldListingTime, OptMillis("launchTime")),
		Ext(FieldExpiration, OptMillis("deliveryTime")),
	}
}

func bybitTicker(baseVolume, quoteVolume string) []Field {
	return []Field{
		Ext(FieldRawSymbol, Str("symbol")),
		Ext(FieldOpen, Num("prevPrice24h")),
		Ext(FieldHigh, Num("highPrice24h")),
		Ext(FieldLow, Num("lowPrice24h")),
		Ext(FieldLast, Num("lastPrice")),
		Ext(FieldBaseVolume, Num(baseVolume)),
		Ext(FieldQuoteVolume, Num(quoteVolume)),
		Lit(FieldCorrected, false),
	}
}

// Kline rows: [startTime, open, high, low, close, volume, turnover].
func bybitKline(baseVolume, quoteVolume string) []Field {
	return []Field{
		Ext(FieldOpenTime, Millis("0")),
		Ext(FieldOpen, Num("1")),
		Ext(FieldHigh, Num("2")),
		Ext(FieldLow, Num("3")),
		Ext(FieldClose, Num("4")),
		Ext(FieldBaseVolume, Num(baseVolume)),
		Ext(FieldQuoteVolume, Num(quoteVolume)),
		Lit(FieldCorrected, false),
	}
}

// Bybit lists some contracts with the multiplier as a suffix (SHIB1000).
func bybitBase(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Str(path)(raw)
		if err != nil {
			return nil, err
		}
		base, _ := splitMultiplierSuffix(v.(string))
		return base, nil
	}
}

func bybitMultiplier(path string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Str(path)(raw)
		if err != nil {
			return nil, err
		}
		_, m := splitMultiplierSuffix(v.(string))
		return m, nil
	}
}
