package parser

import (
	"sort"

	"marketflow/models"
)

// Authority selects which side wins tick and order size fields when a spot
// and a margin record describe the same pair.
type Authority int

const (
	SpotAuthoritative Authority = iota
	MarginAuthoritative
)

// ReconcilePolicy parameterises Reconcile.
type ReconcilePolicy struct {
	Authority Authority
}

// Warning records a field on which the spot and margin twins disagree.
type Warning struct {
	InstrumentID string
	Field        string
	Spot         any
	Margin       any
}

// Reconcile merges a margin catalog into a spot catalog. Pass one copies the
// spot records; pass two overlays leverage from each active margin twin and
// compares the shared fields. Margin records without a spot twin are kept.
func Reconcile(spots, margins map[string]models.Instrument, policy ReconcilePolicy) (map[string]models.Instrument, []Warning) {
	out := make(map[string]models.Instrument, len(spots)+len(margins))
	for id, s := range spots {
		out[id] = s
	}

	ids := make([]string, 0, len(margins))
	for id := range margins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var warnings []Warning
	for _, id := range ids {
		m := margins[id]
		s, ok := out[id]
		if !ok {
			out[id] = m
			continue
		}
		if !m.Active {
			continue
		}
		s.MarginEnabled = true
		s.Leverage = m.Leverage

		warnings = append(warnings, compareOptional(id, FieldTickSize, &s.TickSize, m.TickSize, policy)...)
		warnings = append(warnings, compareOptional(id, FieldMinOrderSize, &s.MinOrderSize, m.MinOrderSize, policy)...)
		warnings = append(warnings, compareOptional(id, FieldMaxOrderSize, &s.MaxOrderSize, m.MaxOrderSize, policy)...)
		if s.ContractSize != m.ContractSize {
			warnings = append(warnings, Warning{InstrumentID: id, Field: FieldContractSize, Spot: s.ContractSize, Margin: m.ContractSize})
		}
		out[id] = s
	}
	return out, warnings
}

func compareOptional(id, field string, spot **float64, margin *float64, policy ReconcilePolicy) []Warning {
	if equalOptional(*spot, margin) {
		return nil
	}
	w := Warning{InstrumentID: id, Field: field, Spot: deref(*spot), Margin: deref(margin)}
	if policy.Authority == MarginAuthoritative {
		*spot = margin
	}
	return []Warning{w}
}

func equalOptional(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
