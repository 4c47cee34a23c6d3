package parser

import (
	"fmt"

	"marketflow/internal/symbols"
	"marketflow/models"
)

var kucoinSpotIntervals = map[string]string{
	"1m":  "1min",
	"3m":  "3min",
	"5m":  "5min",
	"15m": "15min",
	"30m": "30min",
	"1h":  "1hour",
	"2h":  "2hour",
	"4h":  "4hour",
	"6h":  "6hour",
	"8h":  "8hour",
	"12h": "12hour",
	"1d":  "1day",
	"1w":  "1week",
	"1M":  "1month",
}

var kucoinGranularity = map[string]int{
	"1m":  1,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"2h":  120,
	"4h":  240,
	"8h":  480,
	"12h": 720,
	"1d":  1440,
	"1w":  10080,
}

// KucoinSpotInterval translates a canonical interval into the spot candle type.
func KucoinSpotInterval(interval string) (string, error) {
	v, ok := kucoinSpotIntervals[interval]
	if !ok {
		return "", fmt.Errorf("kucoin spot interval %q: %w", interval, models.ErrInvalidRequest)
	}
	return v, nil
}

// KucoinGranularity translates a canonical interval into futures minutes.
func KucoinGranularity(interval string) (int, error) {
	v, ok := kucoinGranularity[interval]
	if !ok {
		return 0, fmt.Errorf("kucoin futures interval %q: %w", interval, models.ErrInvalidRequest)
	}
	return v, nil
}

func kucoinCurrency(ex Extractor) Extractor {
	return Mapped(ex, func(s string) string { return symbols.Canonical("kucoin", s) })
}

// KucoinTables returns the spot and futures tables. Futures tickers come from
// the active contracts listing, which carries 24h statistics inline.
func KucoinTables() []Table {
	inverse := Flag("isInverse")
	return []Table{
		{
			Exchange: "kucoin",
			Market:   "spot",
			Instrument: []Field{
				Ext(FieldActive, Flag("enableTrading")),
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldBase, kucoinCurrency(Base("baseCurrency"))),
				Ext(FieldQuote, kucoinCurrency(Str("quoteCurrency"))),
				Ext(FieldSettle, kucoinCurrency(Str("quoteCurrency"))),
				Lit(FieldKind, models.MarketSpot),
				Lit(FieldStyle, models.StyleNone),
				Ext(FieldMarginEnabled, Flag("isMarginEnabled")),
				Lit(FieldMultiplier, 1),
				Lit(FieldContractSize, 1.0),
				Lit(FieldLeverage, 1.0),
				Ext(FieldTickSize, OptNum("priceIncrement")),
				Ext(FieldMinOrderSize, OptNum("baseMinSize")),
				Ext(FieldMaxOrderSize, OptNum("baseMaxSize")),
				Lit(FieldListingTime, nil),
				Lit(FieldExpiration, nil),
			},
			Ticker: []Field{
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldOpen, Diff("last", "changePrice")),
				Ext(FieldHigh, Num("high")),
				Ext(FieldLow, Num("low")),
				Ext(FieldLast, Num("last")),
				Ext(FieldBaseVolume, Num("vol")),
				Ext(FieldQuoteVolume, Num("volValue")),
				Lit(FieldCorrected, false),
			},
			// [time(s), open, close, high, low, volume, turnover]
			Kline: []Field{
				Ext(FieldOpenTime, Seconds("0")),
				Ext(FieldOpen, Num("1")),
				Ext(FieldClose, Num("2")),
				Ext(FieldHigh, Num("3")),
				Ext(FieldLow, Num("4")),
				Ext(FieldBaseVolume, Num("5")),
				Ext(FieldQuoteVolume, Num("6")),
				Lit(FieldCorrected, false),
			},
		},
		{
			Exchange: "kucoin",
			Market:   "futures",
			Instrument: []Field{
				Ext(FieldActive, Equals("status", "Open")),
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldBase, kucoinCurrency(Base("baseCurrency"))),
				Ext(FieldQuote, kucoinCurrency(Str("quoteCurrency"))),
				Ext(FieldSettle, kucoinCurrency(Str("settleCurrency"))),
				Ext(FieldKind, Kind("type", KucoinVocabulary)),
				Ext(FieldStyle, When(inverse, Const(models.StyleInverse), Const(models.StyleLinear))),
				Lit(FieldMarginEnabled, false),
				Ext(FieldMultiplier, Multiplier("baseCurrency")),
				Ext(FieldContractSize, Abs("multiplier")),
				Ext(FieldLeverage, OptNum("maxLeverage")),
				Ext(FieldTickSize, OptNum("tickSize")),
				Ext(FieldMinOrderSize, OptNum("lotSize")),
				Ext(FieldMaxOrderSize, OptNum("maxOrderQty")),
				Ext(FieldListingTime, OptMillis("firstOpenDate")),
				Ext(FieldExpiration, OptMillis("expireDate")),
			},
			// Contract statistics are already in coin and quote units.
			Ticker: []Field{
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldOpen, Diff("lastTradePrice", "priceChg")),
				Ext(FieldHigh, Num("highPrice")),
				Ext(FieldLow, Num("lowPrice")),
				Ext(FieldLast, Num("lastTradePrice")),
				Ext(FieldBaseVolume, When(inverse, Num("turnoverOf24h"), Num("volumeOf24h"))),
				Ext(FieldQuoteVolume, When(inverse, Num("volumeOf24h"), Num("turnoverOf24h"))),
				Lit(FieldCorrected, true),
			},
			// [time(ms), open, high, low, close, volume, turnover]
			Kline: []Field{
				Ext(FieldOpenTime, Millis("0")),
				Ext(FieldOpen, Num("1")),
				Ext(FieldHigh, Num("2")),
				Ext(FieldLow, Num("3")),
				Ext(FieldClose, Num("4")),
				Ext(FieldBaseVolume, Num("5")),
				Ext(FieldQuoteVolume, Num("6")),
				Lit(FieldCorrected, true),
			},
		},
	}
}
