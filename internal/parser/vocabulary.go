package parser

import (
	"fmt"
	"slices"

	"marketflow/models"
)

// Vocabulary lists the raw enum strings an exchange uses for each market
// classification. The predicates below are plain membership tests so that a
// new exchange only needs a new Vocabulary value.
type Vocabulary struct {
	Spot      []string
	Margin    []string
	Futures   []string
	Perpetual []string
	Linear    []string
	Inverse   []string
}

func (v Vocabulary) IsSpot(raw string) bool    { return slices.Contains(v.Spot, raw) }
func (v Vocabulary) IsMargin(raw string) bool  { return slices.Contains(v.Margin, raw) }
func (v Vocabulary) IsFutures(raw string) bool { return slices.Contains(v.Futures, raw) }
func (v Vocabulary) IsPerp(raw string) bool    { return slices.Contains(v.Perpetual, raw) }
func (v Vocabulary) IsLinear(raw string) bool  { return slices.Contains(v.Linear, raw) }
func (v Vocabulary) IsInverse(raw string) bool { return slices.Contains(v.Inverse, raw) }

// Kind maps a raw contract or instrument type to a MarketKind.
func (v Vocabulary) Kind(raw string) (models.MarketKind, error) {
	switch {
	case v.IsPerp(raw):
		return models.MarketPerp, nil
	case v.IsFutures(raw):
		return models.MarketFutures, nil
	case v.IsMargin(raw):
		return models.MarketMargin, nil
	case v.IsSpot(raw):
		return models.MarketSpot, nil
	}
	return "", fmt.Errorf("unknown market type %q", raw)
}

// Style maps a raw contract type to a ContractStyle.
func (v Vocabulary) Style(raw string) (models.ContractStyle, error) {
	switch {
	case v.IsLinear(raw):
		return models.StyleLinear, nil
	case v.IsInverse(raw):
		return models.StyleInverse, nil
	}
	return "", fmt.Errorf("unknown contract style %q", raw)
}

// CommonVocabulary is the union observed across the supported venues.
var CommonVocabulary = Vocabulary{
	Spot:      []string{"SPOT"},
	Margin:    []string{"MARGIN", "both", "utaOnly", "normalOnly"},
	Futures:   []string{"FUTURES", "LinearFutures", "InverseFutures", "NEXT_QUARTER", "CURRENT_QUARTER"},
	Perpetual: []string{"SWAP", "LinearPerpetual", "InversePerpetual", "PERPETUAL"},
	Linear:    []string{"LinearFutures", "LinearPerpetual", "linear"},
	Inverse:   []string{"InverseFutures", "InversePerpetual", "inverse"},
}

var (
	BinanceVocabulary = Vocabulary{
		Futures:   []string{"CURRENT_QUARTER", "NEXT_QUARTER", "CURRENT_MONTH", "NEXT_MONTH"},
		Perpetual: []string{"PERPETUAL", "TRADIFI_PERPETUAL"},
	}

	OkxVocabulary = Vocabulary{
		Spot:      []string{"SPOT"},
		Margin:    []string{"MARGIN"},
		Futures:   []string{"FUTURES"},
		Perpetual: []string{"SWAP"},
		Linear:    []string{"linear"},
		Inverse:   []string{"inverse"},
	}

	BybitVocabulary = Vocabulary{
		Margin:    []string{"both", "utaOnly", "normalOnly"},
		Futures:   []string{"LinearFutures", "InverseFutures"},
		Perpetual: []string{"LinearPerpetual", "InversePerpetual"},
		Linear:    []string{"LinearFutures", "LinearPerpetual"},
		Inverse:   []string{"InverseFutures", "InversePerpetual"},
	}

	// KuCoin encodes the contract kind in a product type code.
	KucoinVocabulary = Vocabulary{
		Futures:   []string{"FFICSX"},
		Perpetual: []string{"FFWCSX"},
	}
)
