// Package prices serves the read side: multi-tier price views and
// historical range queries over the granularity tables.
package prices

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"osrsprices/internal/config"
	"osrsprices/internal/database"
	"osrsprices/internal/model"
)

const defaultWindow = 3

// Reader loads price views and history for items.
type Reader struct {
	logger *slog.Logger
	store  database.PriceStore
	window int
	now    func() time.Time
}

// NewReader creates a new Reader. cfg.RecentWindow is the number of rows read
// per tier when building a view.
func NewReader(logger *slog.Logger, store database.PriceStore, cfg config.IngestConfig) *Reader {
	window := cfg.RecentWindow
	if window < 1 {
		window = defaultWindow
	}
	return &Reader{
		logger: logger,
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Load builds the price view for itemID. It never fails: any tier that cannot
// be read is left unavailable.
func (r *Reader) Load(ctx context.Context, itemID int) *model.PriceView {
	view := model.NewPriceView(itemID)

	item, err := r.store.GetItem(ctx, itemID)
	switch {
	case err == nil:
		view.Item = item
	case !errors.Is(err, database.ErrNotFound):
		r.logger.Warn("Reader: item lookup failed", "itemID", itemID, "error", err)
	}

	for _, g := range model.Granularities {
		rows, err := r.store.RecentObservations(ctx, g, itemID, r.window)
		if err != nil {
			var schemaErr *database.SchemaError
			if errors.As(err, &schemaErr) {
				r.logger.Debug("Reader: tier not collected yet", "itemID", itemID, "granularity", g)
			} else {
				r.logger.Warn("Reader: tier read failed", "itemID", itemID, "granularity", g, "error", err)
			}
			continue
		}
		view.Tiers[g] = Aggregate(g, rows)
	}
	return view
}
