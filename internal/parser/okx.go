package parser

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"marketflow/models"
)

var okxIntervals = map[string]string{
	"1m":  "1m",
	"3m":  "3m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1H",
	"2h":  "2H",
	"4h":  "4H",
	"6h":  "6H",
	"12h": "12H",
	"1d":  "1D",
	"2d":  "2D",
	"3d":  "3D",
	"1w":  "1W",
	"1M":  "1M",
	"3M":  "3M",
}

// OkxInterval translates a canonical interval into the OKX bar name.
func OkxInterval(interval string) (string, error) {
	bar, ok := okxIntervals[interval]
	if !ok {
		return "", fmt.Errorf("okx interval %q: %w", interval, models.ErrInvalidRequest)
	}
	return bar, nil
}

// OkxTables returns the SPOT, MARGIN, SWAP and FUTURES tables. OKX already
// reports derivative volume in coin units so every ticker and kline leaves
// the parser corrected.
func OkxTables() []Table {
	spotTicker := okxTicker(Num("vol24h"), Num("volCcy24h"))
	derivTicker := okxTicker(Num("volCcy24h"), okxMidNotional("volCcy24h", "last", "open24h"))

	return []Table{
		{Exchange: "okx", Market: "spot", Instrument: okxSpot(false), Ticker: spotTicker, Kline: okxKline("5")},
		{Exchange: "okx", Market: "margin", Instrument: okxSpot(true), Ticker: spotTicker, Kline: okxKline("5")},
		{Exchange: "okx", Market: "swap", Instrument: okxDerivative(), Ticker: derivTicker, Kline: okxKline("6")},
		{Exchange: "okx", Market: "futures", Instrument: okxDerivative(), Ticker: derivTicker, Kline: okxKline("6")},
	}
}

func okxSpot(margin bool) []Field {
	return []Field{
		Ext(FieldActive, Equals("state", "live")),
		Ext(FieldRawSymbol, Str("instId")),
		Ext(FieldBase, Base("baseCcy")),
		Ext(FieldQuote, Str("quoteCcy")),
		Ext(FieldSettle, Str("quoteCcy")),
		Ext(FieldKind, Kind("instType", OkxVocabulary)),
		Lit(FieldStyle, models.StyleNone),
		Lit(FieldMarginEnabled, margin),
		Lit(FieldMultiplier, 1),
		Lit(FieldContractSize, 1.0),
		Ext(FieldLeverage, OptNum("lever")),
		Ext(FieldTickSize, OptNum("tickSz")),
		Ext(FieldMinOrderSize, OptNum("minSz")),
		Ext(FieldMaxOrderSize, OptNum("maxMktSz")),
		Ext(FieldListingTime, OptMillis("listTime")),
		Lit(FieldExpiration, nil),
	}
}

// Inverse contracts are quoted in the contract value currency and settled in
// the coin, so base and quote swap sides relative to linear ones.
func okxDerivative() []Field {
	inverse := Equals("ctType", "inverse")
	return []Field{
		Ext(FieldActive, Equals("state", "live")),
		Ext(FieldRawSymbol, Str("instId")),
		Ext(FieldBase, When(inverse, Base("settleCcy"), Base("ctValCcy"))),
		Ext(FieldQuote, When(inverse, Str("ctValCcy"), Str("settleCcy"))),
		Ext(FieldSettle, Str("settleCcy")),
		Ext(FieldKind, Kind("instType", OkxVocabulary)),
		Ext(FieldStyle, Style("ctType", OkxVocabulary)),
		Lit(FieldMarginEnabled, false),
		Ext(FieldMultiplier, Whole("ctMult", 1)),
		Ext(FieldContractSize, Num("ctVal")),
		Ext(FieldLeverage, OptNum("lever")),
		Ext(FieldTickSize, OptNum("tickSz")),
		Ext(FieldMinOrderSize, OptNum("minSz")),
		Ext(FieldMaxOrderSize, OptNum("maxMktSz")),
		Ext(FieldListingTime, OptMillis("listTime")),
		Ext(FieldExpiration, OptMillis("expTime")),
	}
}

func okxTicker(baseVolume, quoteVolume Extractor) []Field {
	return []Field{
		Ext(FieldRawSymbol, Str("instId")),
		Ext(FieldOpen, Num("open24h")),
		Ext(FieldHigh, Num("high24h")),
		Ext(FieldLow, Num("low24h")),
		Ext(FieldLast, Num("last")),
		Ext(FieldBaseVolume, baseVolume),
		Ext(FieldQuoteVolume, quoteVolume),
		Ext(FieldOpenTime, ShiftMillis("ts", -24*time.Hour)),
		Ext(FieldCloseTime, Millis("ts")),
		Lit(FieldCorrected, true),
	}
}

// Candle rows: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]. The bar
// close time is not reported and is derived from the interval downstream.
func okxKline(baseVolume string) []Field {
	return []Field{
		Ext(FieldOpenTime, Millis("0")),
		Ext(FieldOpen, Num("1")),
		Ext(FieldHigh, Num("2")),
		Ext(FieldLow, Num("3")),
		Ext(FieldClose, Num("4")),
		Ext(FieldBaseVolume, Num(baseVolume)),
		Ext(FieldQuoteVolume, Num("7")),
		Lit(FieldCorrected, true),
	}
}

// okxMidNotional approximates 24h quote volume as coin volume times the mid
// of the last and opening price.
func okxMidNotional(volume, last, open string) Extractor {
	return func(raw gjson.Result) (any, error) {
		v, err := Num(volume)(raw)
		if err != nil {
			return nil, err
		}
		l, err := Num(last)(raw)
		if err != nil {
			return nil, err
		}
		o, err := Num(open)(raw)
		if err != nil {
			return nil, err
		}
		return v.(float64) * (l.(float64) + o.(float64)) / 2, nil
	}
}
