package parser

import "marketflow/models"

const (
	binancePriceFilter = `filters.#(filterType=="PRICE_FILTER")`
	binanceLotFilter   = `filters.#(filterType=="LOT_SIZE")`
)

// BinanceTables returns the spot, USDⓈ-M (linear) and COIN-M (inverse) tables.
func BinanceTables() []Table {
	return []Table{
		{
			Exchange: "binance",
			Market:   "spot",
			Instrument: []Field{
				Ext(FieldActive, Equals("status", "TRADING")),
				Ext(FieldRawSymbol, Str("symbol")),
				Ext(FieldBase, Str("baseAsset")),
				Ext(FieldQuote, Str("quoteAsset")),
				Ext(FieldSettle, Str("quoteAsset")),
				Lit(FieldKind, models.MarketSpot),
				Lit(FieldStyle, models.StyleNone),
				Ext(FieldMarginEnabled, Flag("isMarginTradingAllowed")),
				Lit(FieldMultiplier, 1),
				Lit(FieldContractSize, 1.0),
				Lit(FieldLeverage, 1.0),
				Ext(FieldTickSize, OptNum(binancePriceFilter+".tickSize")),
				Ext(FieldMinOrderSize, OptNum(binanceLotFilter+".minQty")),
				Ext(FieldMaxOrderSize, OptNum(binanceLotFilter+".maxQty")),
				Lit(FieldListingTime, nil),
				Lit(FieldExpiration, nil),
			},
			Ticker: binanceTicker("volume", "quoteVolume"),
			Kline:  binanceKline("5", "7"),
		},
		{
			Exchange:   "binance",
			Market:     "linear",
			Instrument: binanceFutures(Equals("status", "TRADING"), models.StyleLinear, Lit(FieldContractSize, 1.0)),
			Ticker:     binanceTicker("volume", "quoteVolume"),
			Kline:      binanceKline("5", "7"),
		},
		{
			// COIN-M reports volume in contracts and the coin amount as
			// baseVolume; quote volume is corrected by contract size later.
			Exchange:   "binance",
			Market:     "inverse",
			Instrument: binanceFutures(Equals("contractStatus", "TRADING"), models.StyleInverse, Ext(FieldContractSize, Num("contractSize"))),
			Ticker:     binanceTicker("baseVolume", "volume"),
			Kline:      binanceKline("7", "5"),
		},
	}
}

func binanceFutures(active Extractor, style models.ContractStyle, contractSize Field) []Field {
	return []Field{
		Ext(FieldActive, active),
		Ext(FieldRawSymbol, Str("symbol")),
		Ext(FieldBase, Base("baseAsset")),
		Ext(FieldQuote, Str("quoteAsset")),
		Ext(FieldSettle, Str("marginAsset")),
		Ext(FieldKind, Kind("contractType", BinanceVocabulary)),
		Lit(FieldStyle, style),
		Lit(FieldMarginEnabled, false),
		Ext(FieldMultiplier, Multiplier("baseAsset")),
		contractSize,
		Lit(FieldLeverage, 1.0),
		Ext(FieldTickSize, OptNum(binancePriceFilter+".tickSize")),
		Ext(FieldMinOrderSize, OptNum(binanceLotFilter+".minQty")),
		Ext(FieldMaxOrderSize, OptNum(binanceLotFilter+".maxQty")),
		Ext(FieldListingTime, OptMillis("onboardDate")),
		Ext(FieldExpiration, OptMillis("deliveryDate")),
	}
}

func binanceTicker(baseVolume, quoteVolume string) []Field {
	return []Field{
		Ext(FieldRawSymbol, Str("symbol")),
		Ext(FieldOpen, Num("openPrice")),
		Ext(FieldHigh, Num("highPrice")),
		Ext(FieldLow, Num("lowPrice")),
		Ext(FieldLast, Num("lastPrice")),
		Ext(FieldBaseVolume, Num(baseVolume)),
		Ext(FieldQuoteVolume, Num(quoteVolume)),
		Ext(FieldOpenTime, Millis("openTime")),
		Ext(FieldCloseTime, Millis("closeTime")),
		Lit(FieldCorrected, false),
	}
}

// Kline rows: [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...].
func binanceKline(baseVolume, quoteVolume string) []Field {
	return []Field{
		Ext(FieldOpenTime, Millis("0")),
		Ext(FieldOpen, Num("1")),
		Ext(FieldHigh, Num("2")),
		Ext(FieldLow, Num("3")),
		Ext(FieldClose, Num("4")),
		Ext(FieldBaseVolume, Num(baseVolume)),
		Ext(FieldCloseTime, Millis("6")),
		Ext(FieldQuoteVolume, Num(quoteVolume)),
		Lit(FieldCorrected, false),
	}
}
