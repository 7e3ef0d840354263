package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// HarvestResult reports one harvested date page.
type HarvestResult struct {
	Outcome  news.Outcome
	Page     news.DatePage
	LastPage int
	Links    int
}

// Harvester collects every article link of a date page into the link queue.
type Harvester struct {
	store      news.Store
	listings   ListingReader
	discoverer *LastPageDiscoverer
	clock      news.Clock
	logger     *zap.Logger
}

// NewHarvester builds a Harvester.
func NewHarvester(
	store news.Store,
	listings ListingReader,
	discoverer *LastPageDiscoverer,
	clock news.Clock,
	logger *zap.Logger,
) (*Harvester, error) {
	if store == nil || listings == nil || discoverer == nil || clock == nil {
		return nil, fmt.Errorf("store, listings, discoverer and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		store:      store,
		listings:   listings,
		discoverer: discoverer,
		clock:      clock,
		logger:     logger.Named("harvester"),
	}, nil
}

// HarvestNext harvests one pending date page chosen at random. A page that
// another pass saved first counts as no work.
func (h *Harvester) HarvestNext(ctx context.Context) (HarvestResult, error) {
	page, ok, err := h.store.PickPendingDatePage(ctx)
	if err != nil {
		return HarvestResult{}, fmt.Errorf("pick date page: %w", err)
	}
	if !ok {
		h.logger.Info("no pending date pages")
		return HarvestResult{Outcome: news.OutcomeNoWork}, nil
	}
	result, err := h.Harvest(ctx, page)
	if errors.Is(err, news.ErrDatePageHarvested) {
		h.logger.Info("date page harvested concurrently", zap.String("date_queue_id", page.Key))
		return HarvestResult{Outcome: news.OutcomeNoWork, Page: page}, nil
	}
	return result, err
}

// Harvest fetches pages 1..last of a date page, keeps the distinct article links
// and stores them together with the page's completion mark. Any fetch failure
// aborts before anything is written. A page that is already added is left
// untouched and the error wraps news.ErrDatePageHarvested.
func (h *Harvester) Harvest(ctx context.Context, page news.DatePage) (HarvestResult, error) {
	result := HarvestResult{Page: page}
	pair := page.Pair()
	logger := h.logger.With(zap.String("date_queue_id", page.Key), zap.Int("year", page.Year))

	last, err := h.discoverer.LastPage(ctx, pair, page.Date)
	if err != nil {
		return result, fmt.Errorf("last page of %s: %w", page.Key, err)
	}
	result.LastPage = last

	seen := make(map[string]struct{})
	var urls []string
	for n := 1; n <= last; n++ {
		listing, err := h.listings.Listing(ctx, pair, page.Date, n)
		if err != nil {
			return result, fmt.Errorf("harvest %s page %d: %w", page.Key, n, err)
		}
		metrics.IncListingPagesFetched()
		for _, link := range listing.ArticleLinks {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			urls = append(urls, link)
		}
	}

	now := h.clock.Now()
	links := make([]news.LinkEntry, 0, len(urls))
	for _, u := range urls {
		links = append(links, news.LinkEntry{
			Year:  page.Year,
			SID1:  page.SID1,
			SID2:  page.SID2,
			Date:  page.Date,
			URL:   u,
			Added: now,
		})
	}
	if err := h.store.SaveHarvest(ctx, page, links, last); err != nil {
		return result, fmt.Errorf("save harvest %s: %w", page.Key, err)
	}
	metrics.AddLinksQueued(len(links))
	logger.Info("date page harvested", zap.Int("last_page", last), zap.Int("links", len(links)))

	result.Outcome = news.OutcomeSucceeded
	result.Links = len(links)
	return result, nil
}
