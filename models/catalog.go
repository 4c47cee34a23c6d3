package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Catalog is an immutable snapshot of one exchange's instruments. A refresh
// builds a new Catalog; consumers holding the old one keep a consistent view.
type Catalog struct {
	exchange    string
	takenAt     time.Time
	instruments map[string]Instrument
	rawIndex    map[string]map[string]string
}

// NewCatalog copies the provided instruments into a new snapshot.
func NewCatalog(exchange string, takenAt time.Time, instruments map[string]Instrument) *Catalog {
	c := &Catalog{
		exchange:    exchange,
		takenAt:     takenAt,
		instruments: make(map[string]Instrument, len(instruments)),
		rawIndex:    make(map[string]map[string]string),
	}
	for id, inst := range instruments {
		c.instruments[id] = inst
		idx, ok := c.rawIndex[inst.Market]
		if !ok {
			idx = make(map[string]string)
			c.rawIndex[inst.Market] = idx
		}
		if inst.RawSymbol != "" {
			idx[inst.RawSymbol] = id
		}
	}
	return c
}

func (c *Catalog) Exchange() string { return c.exchange }

func (c *Catalog) TakenAt() time.Time { return c.takenAt }

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.instruments)
}

// Get returns the instrument for id or ErrNotFound.
func (c *Catalog) Get(id string) (Instrument, error) {
	if c == nil {
		return Instrument{}, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	inst, ok := c.instruments[id]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return inst, nil
}

// Lookup resolves an exchange native symbol within one catalog market.
func (c *Catalog) Lookup(market, rawSymbol string) (string, bool) {
	if c == nil {
		return "", false
	}
	id, ok := c.rawIndex[market][rawSymbol]
	return id, ok
}

// IDs returns all instrument ids in ascending order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.instruments))
	for id := range c.instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the ids of active instruments, optionally restricted to kinds.
func (c *Catalog) Active(kinds ...MarketKind) []string {
	want := make(map[MarketKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var ids []string
	for _, id := range c.IDs() {
		inst := c.instruments[id]
		if !inst.Active {
			continue
		}
		if len(want) > 0 && !want[inst.Kind] {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Instruments returns a copy of the snapshot contents.
func (c *Catalog) Instruments() map[string]Instrument {
	out := make(map[string]Instrument, c.Len())
	if c == nil {
		return out
	}
	for id, inst := range c.instruments {
		out[id] = inst
	}
	return out
}

// MarshalJSON renders the snapshot as one document, the unit stored per
// (timestamp, exchange).
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Exchange    string                `json:"exchange"`
		Timestamp   int64                 `json:"timestamp"`
		Instruments map[string]Instrument `json:"instruments"`
	}{
		Exchange:    c.exchange,
		Timestamp:   c.takenAt.UnixMilli(),
		Instruments: c.instruments,
	})
}
