package jobs

import (
	"fmt"
	"strings"

	"marketflow/config"
	"marketflow/internal/parser"
	"marketflow/models"
	"marketflow/reader"
	"marketflow/reader/binance"
	"marketflow/reader/bybit"
	"marketflow/reader/kucoin"
	"marketflow/reader/okx"
)

// AdapterFactory opens the adapter for one exchange.
type AdapterFactory func(exchange string) (reader.Adapter, error)

// NewAdapterFactory returns the factory used by the CLI. Every adapter
// shares registry; disabled exchanges are refused.
func NewAdapterFactory(cfg *config.Config, registry *parser.Registry) AdapterFactory {
	return func(exchange string) (reader.Adapter, error) {
		name := strings.ToLower(exchange)
		ex, ok := cfg.Exchanges.Get(name)
		if !ok {
			return nil, fmt.Errorf("exchange %q: %w", exchange, models.ErrNotFound)
		}
		if !ex.Enabled {
			return nil, fmt.Errorf("exchange %q is disabled", exchange)
		}
		switch name {
		case "binance":
			return binance.NewReader(cfg, registry), nil
		case "bybit":
			return bybit.NewReader(cfg, registry), nil
		case "kucoin":
			return kucoin.NewReader(cfg, registry), nil
		default:
			return okx.NewReader(cfg, registry), nil
		}
	}
}
