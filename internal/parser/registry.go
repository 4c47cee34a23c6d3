package parser

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"marketflow/models"
)

// Key identifies one parser table.
type Key struct {
	Exchange string
	Market   string
}

// Registry maps (exchange, market) to its parser table.
type Registry struct {
	mu     sync.RWMutex
	tables map[Key]Table
}

func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[Key]Table)}
	for _, t := range tables {
		r.Register(t)
	}
	return r
}

// Register adds or replaces the table for t.Exchange/t.Market.
func (r *Registry) Register(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[Key{Exchange: strings.ToLower(t.Exchange), Market: t.Market}] = t
}

// Lookup returns the table for exchange and market or ErrNotFound.
func (r *Registry) Lookup(exchange, market string) (Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[Key{Exchange: strings.ToLower(exchange), Market: market}]
	if !ok {
		return Table{}, fmt.Errorf("parser table %s/%s: %w", exchange, market, models.ErrNotFound)
	}
	return t, nil
}

// Markets lists the registered markets of one exchange.
func (r *Registry) Markets(exchange string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.tables {
		if k.Exchange == strings.ToLower(exchange) {
			out = append(out, k.Market)
		}
	}
	sort.Strings(out)
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry holds the tables of every supported exchange.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		var tables []Table
		tables = append(tables, BinanceTables()...)
		tables = append(tables, OkxTables()...)
		tables = append(tables, BybitTables()...)
		tables = append(tables, KucoinTables()...)
		defaultRegistry = NewRegistry(tables...)
	})
	return defaultRegistry
}
