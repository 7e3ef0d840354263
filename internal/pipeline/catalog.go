package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// Catalog exposes the known years and section pairs.
type Catalog struct {
	store  news.CatalogStore
	clock  news.Clock
	logger *zap.Logger
}

// NewCatalog builds a Catalog.
func NewCatalog(store news.CatalogStore, clock news.Clock, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, clock: clock, logger: logger.Named("catalog")}
}

// Years returns registered years, newest first.
func (c *Catalog) Years(ctx context.Context) ([]news.Year, error) {
	years, err := c.store.ListYears(ctx)
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	return years, nil
}

// SectionPairs returns the static section catalog.
func (c *Catalog) SectionPairs(ctx context.Context) ([]news.SectionPair, error) {
	pairs, err := c.store.ListSectionPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list section pairs: %w", err)
	}
	return pairs, nil
}

// EnsureYear registers year if it is missing.
func (c *Catalog) EnsureYear(ctx context.Context, year int) (bool, error) {
	added, err := c.store.AddYear(ctx, year)
	if err != nil {
		return false, fmt.Errorf("add year %d: %w", year, err)
	}
	if added {
		c.logger.Info("year registered", zap.Int("year", year))
	}
	return added, nil
}

// EnsureCurrentYear registers the clock's current year if it is missing.
func (c *Catalog) EnsureCurrentYear(ctx context.Context) (bool, error) {
	return c.EnsureYear(ctx, c.clock.Now().Year())
}
