package reader

import (
	"context"

	"marketflow/models"
)

// Adapter exposes one exchange in canonical form.
type Adapter interface {
	Name() string
	// Markets lists the catalog markets the adapter is configured for.
	Markets() []string
	// GetExchangeInfo fetches the catalogs of the given markets (all when
	// empty), publishes them as the new snapshot and returns it. Records that
	// fail to parse are counted in the summary and skipped.
	GetExchangeInfo(ctx context.Context, markets ...string) (*models.Catalog, *models.ErrorSummary, error)
	// Catalog returns the last published snapshot, nil before the first fetch.
	Catalog() *models.Catalog
	GetTickers(ctx context.Context) (map[string]models.Ticker, *models.ErrorSummary, error)
	GetTicker(ctx context.Context, id string) (models.Ticker, error)
	// FetchKlinePage returns up to limit candles of inst whose open time is
	// at or before end, most recent first when end is nil. Rows come back in
	// exchange order. The page reports whether older candles may exist.
	FetchKlinePage(ctx context.Context, inst models.Instrument, interval string, end *int64, limit int) (models.KlinePage, error)
	PageLimit(inst models.Instrument) int
	Close() error
}
