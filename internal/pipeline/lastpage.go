package pipeline

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/portal"
)

const (
	// DefaultJumpPage is requested to land on the last listing page.
	DefaultJumpPage = 999
	// pagingWindow is how many page links the control shows before it starts paging itself.
	pagingWindow = 10
)

// ListingReader fetches one parsed listing page.
type ListingReader interface {
	Listing(ctx context.Context, pair news.SectionPair, date string, page int) (portal.Listing, error)
}

// LastPageDiscoverer finds the last listing page for a section and day.
type LastPageDiscoverer struct {
	listings ListingReader
	jumpPage int
	logger   *zap.Logger
}

// NewLastPageDiscoverer builds a LastPageDiscoverer; jumpPage <= 0 uses DefaultJumpPage.
func NewLastPageDiscoverer(listings ListingReader, jumpPage int, logger *zap.Logger) *LastPageDiscoverer {
	if jumpPage <= 0 {
		jumpPage = DefaultJumpPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LastPageDiscoverer{listings: listings, jumpPage: jumpPage, logger: logger.Named("last_page")}
}

// LastPage returns the number of the last listing page. It only reads.
//
// Page 1 without pagination links means a single page. Fewer than ten links
// means the control shows every page, so the largest label wins. Otherwise the
// jump page is requested and its highlighted page number is used; when that is
// absent, pages are walked from 1 until one repeats its predecessor's links.
func (d *LastPageDiscoverer) LastPage(ctx context.Context, pair news.SectionPair, date string) (int, error) {
	first, err := d.listings.Listing(ctx, pair, date, 1)
	if err != nil {
		return 0, err
	}
	if len(first.PageLinks) == 0 {
		return 1, nil
	}
	if len(first.PageLinks) < pagingWindow {
		if last, ok := first.MaxPageLabel(); ok {
			return last, nil
		}
		d.logger.Warn("no numeric page labels; assuming single page",
			zap.String("section", pair.String()), zap.String("date", date))
		return 1, nil
	}

	jump, err := d.listings.Listing(ctx, pair, date, d.jumpPage)
	if err != nil {
		return 0, err
	}
	if jump.HasCurrentPage() {
		return jump.CurrentPage, nil
	}

	d.logger.Info("jump page has no current indicator; probing linearly",
		zap.String("section", pair.String()), zap.String("date", date))
	return d.probe(ctx, pair, date, first)
}

func (d *LastPageDiscoverer) probe(ctx context.Context, pair news.SectionPair, date string, first portal.Listing) (int, error) {
	prev := linkSet(first.ArticleLinks)
	for page := 2; page <= d.jumpPage; page++ {
		listing, err := d.listings.Listing(ctx, pair, date, page)
		if err != nil {
			return 0, err
		}
		current := linkSet(listing.ArticleLinks)
		if slices.Equal(prev, current) {
			return page - 1, nil
		}
		prev = current
	}
	return 0, fmt.Errorf("%s/%s after %d pages: %w", pair, date, d.jumpPage, news.ErrLastPageNotFound)
}

// linkSet returns the distinct links sorted, so equal sets compare equal.
func linkSet(links []string) []string {
	out := slices.Clone(links)
	slices.Sort(out)
	return slices.Compact(out)
}
