package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/port"
)

// StockSyncer periodically rewrites the cache mirror from the
// authoritative catalog so that drift from missed best-effort updates
// does not accumulate.
type StockSyncer struct {
	catalog  port.CatalogRepository
	cache    port.CacheRepository
	interval time.Duration
	logger   *zap.Logger
}

func NewStockSyncer(catalog port.CatalogRepository, cache port.CacheRepository, interval time.Duration, logger *zap.Logger) *StockSyncer {
	return &StockSyncer{
		catalog:  catalog,
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// Run syncs once immediately, then on every tick until ctx is
// cancelled.
func (s *StockSyncer) Run(ctx context.Context) {
	s.syncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *StockSyncer) syncOnce(ctx context.Context) {
	items, err := s.catalog.ListItems(ctx)
	if err != nil {
		s.logger.Warn("stock sync: list items failed", zap.Error(err))
		return
	}

	synced := 0
	for _, item := range items {
		if err := s.cache.SetStock(ctx, item.ID, item.Stock); err != nil {
			s.logger.Warn("stock sync: set stock failed",
				zap.String("item_id", item.ID),
				zap.Error(err))
			continue
		}
		synced++
	}

	s.logger.Debug("stock mirror synced", zap.Int("items", synced))
}
