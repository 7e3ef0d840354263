package news

import (
	"context"
	"io"
	"net/url"
	"time"
)

// CatalogStore exposes the known years and section pairs.
type CatalogStore interface {
	ListYears(ctx context.Context) ([]Year, error)
	AddYear(ctx context.Context, year int) (bool, error)
	ListSectionPairs(ctx context.Context) ([]SectionPair, error)
}

// DatePageStore persists the date-page queue.
type DatePageStore interface {
	CountDatePages(ctx context.Context, year int, pair SectionPair) (int, error)
	InsertDatePages(ctx context.Context, pages []DatePage) error
	PickPendingDatePage(ctx context.Context) (DatePage, bool, error)
}

// LinkStore persists the link queue and the content rows keyed by it.
type LinkStore interface {
	// SaveHarvest inserts the links of a date page and marks the page added, atomically.
	SaveHarvest(ctx context.Context, page DatePage, links []LinkEntry, pageLength int) error
	ListUnassigned(ctx context.Context, year int) ([]int64, error)
	AssignNewsIDs(ctx context.Context, year int, ids map[int64]int64) error
	QueueStats(ctx context.Context, year int) (QueueStats, error)
	SampleReady(ctx context.Context, year int, size int) ([]LinkEntry, error)
	ScrapedState(ctx context.Context, year int, seqs []int64) (map[int64]bool, error)
	InsertContent(ctx context.Context, year int, records []ContentRecord) error
	MarkScraped(ctx context.Context, year int, seqs []int64, at time.Time) error
	DeleteContent(ctx context.Context, year int, seqs []int64) error
	ResetScraped(ctx context.Context, year int, seqs []int64) error
}

// Store is the relational store the pipeline runs against.
type Store interface {
	CatalogStore
	DatePageStore
	LinkStore
	Ping(ctx context.Context) error
	Close()
}

// Transactor is implemented by stores with native multi-statement transactions.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// FetchRequest describes a single GET.
type FetchRequest struct {
	URL   string
	Query url.Values
}

// FetchResponse is the result of a GET after redirects.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher issues GET requests with the configured user agent.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
