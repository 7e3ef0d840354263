package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/portal"
)

// ArticleReader fetches and parses one article page.
type ArticleReader interface {
	Article(ctx context.Context, rawURL string) (portal.Article, error)
}

// ContentFetcherConfig tunes batch fetching.
type ContentFetcherConfig struct {
	BatchSize     int
	Concurrency   int
	ArchivePrefix string
}

// FetchedArticle is one successfully fetched link awaiting commit.
type FetchedArticle struct {
	Entry     news.LinkEntry
	FinalURL  string
	Article   news.Article
	Missing   []string
	FetchedAt time.Time
}

// CommitResult reports one batch commit.
type CommitResult struct {
	Committed      int
	AlreadyScraped int
	NewsIDs        []int64
}

// CycleResult reports one fetch cycle.
type CycleResult struct {
	Outcome        news.Outcome
	Year           int
	Selected       int
	Fetched        int
	Failed         int
	Committed      int
	AlreadyScraped int
}

// BatchCommitted is published after a batch commits.
type BatchCommitted struct {
	Year        int       `json:"year"`
	NewsIDs     []int64   `json:"news_ids"`
	CommittedAt time.Time `json:"committed_at"`
}

// ContentFetcher selects ready links, fetches their articles and commits them.
type ContentFetcher struct {
	store     news.Store
	articles  ArticleReader
	clock     news.Clock
	archive   news.BlobStore
	publisher news.Publisher
	cfg       ContentFetcherConfig
	logger    *zap.Logger
}

// ContentFetcherOption customizes a ContentFetcher.
type ContentFetcherOption func(*ContentFetcher)

// WithArchive stores each fetched article's raw HTML in blobs.
func WithArchive(blobs news.BlobStore) ContentFetcherOption {
	return func(f *ContentFetcher) { f.archive = blobs }
}

// WithPublisher announces each committed batch through pub.
func WithPublisher(pub news.Publisher) ContentFetcherOption {
	return func(f *ContentFetcher) { f.publisher = pub }
}

// NewContentFetcher builds a ContentFetcher.
func NewContentFetcher(
	store news.Store,
	articles ArticleReader,
	clock news.Clock,
	cfg ContentFetcherConfig,
	logger *zap.Logger,
	opts ...ContentFetcherOption,
) (*ContentFetcher, error) {
	if store == nil || articles == nil || clock == nil {
		return nil, fmt.Errorf("store, articles and clock are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "news"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &ContentFetcher{
		store:    store,
		articles: articles,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("content_fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// SelectBatch returns up to size unscraped links of year that have a news id, in random order.
func (f *ContentFetcher) SelectBatch(ctx context.Context, year, size int) ([]news.LinkEntry, error) {
	entries, err := f.store.SampleReady(ctx, year, size)
	if err != nil {
		return nil, fmt.Errorf("select batch %d: %w", year, err)
	}
	return entries, nil
}

// FetchOne fetches and parses the article behind entry. Fields the page lacks
// are left nil and counted; only transport failures are errors.
func (f *ContentFetcher) FetchOne(ctx context.Context, entry news.LinkEntry) (FetchedArticle, error) {
	if entry.NewsID == nil {
		return FetchedArticle{}, fmt.Errorf("link %d/%d has no news id", entry.Year, entry.Seq)
	}
	newsID := *entry.NewsID
	page, err := f.articles.Article(ctx, entry.URL)
	if err != nil {
		metrics.IncArticleFetchFailures()
		return FetchedArticle{}, fmt.Errorf("news %d: %w", newsID, err)
	}
	if len(page.Parsed.Missing) > 0 {
		for _, field := range page.Parsed.Missing {
			metrics.ObserveMissingField(field)
		}
		f.logger.Warn("article fields missing",
			zap.Int64("news_id", newsID),
			zap.String("url", page.FinalURL),
			zap.Strings("fields", page.Parsed.Missing),
		)
	}
	f.archivePage(ctx, entry.Year, newsID, page.Body)
	return FetchedArticle{
		Entry:     entry,
		FinalURL:  page.FinalURL,
		Article:   page.Parsed.Article,
		Missing:   page.Parsed.Missing,
		FetchedAt: f.clock.Now(),
	}, nil
}

func (f *ContentFetcher) archivePage(ctx context.Context, year int, newsID int64, body []byte) {
	if f.archive == nil || len(body) == 0 {
		return
	}
	key := path.Join(f.cfg.ArchivePrefix, strconv.Itoa(year), strconv.FormatInt(newsID, 10)+".html")
	if _, err := f.archive.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(body)); err != nil {
		f.logger.Warn("archive raw page failed", zap.Int64("news_id", newsID), zap.Error(err))
	}
}

// CommitBatch stores the fetched articles of year as one unit: it re-reads the
// scraped flags, drops rows someone else already committed, inserts content for
// the rest and marks them scraped. Transactional stores do this in a single
// transaction. Other stores get a compensating rollback that deletes the
// inserted content and clears the scraped flag of every target row; if that
// rollback cannot finish, the returned error wraps news.ErrRollbackIncomplete.
func (f *ContentFetcher) CommitBatch(ctx context.Context, year int, fetched []FetchedArticle) (CommitResult, error) {
	if len(fetched) == 0 {
		return CommitResult{}, nil
	}
	if tx, ok := f.store.(news.Transactor); ok {
		var result CommitResult
		var targets []int64
		err := tx.WithinTx(ctx, func(ctx context.Context, store news.Store) error {
			var err error
			result, targets, err = f.commit(ctx, store, year, fetched)
			return err
		})
		if err != nil {
			// only a failed write counts as a rolled back batch
			if len(targets) > 0 {
				metrics.ObserveRollback(true)
			}
			return CommitResult{}, fmt.Errorf("commit batch %d: %w", year, err)
		}
		f.committed(year, result)
		return result, nil
	}

	result, targets, err := f.commit(ctx, f.store, year, fetched)
	if err == nil {
		f.committed(year, result)
		return result, nil
	}
	if len(targets) == 0 {
		return CommitResult{}, fmt.Errorf("commit batch %d: %w", year, err)
	}
	if cerr := f.compensate(ctx, year, targets); cerr != nil {
		metrics.ObserveRollback(false)
		f.logger.Error("batch rollback incomplete; manual recovery required",
			zap.String("stage", metrics.StageFetch),
			zap.Int("year", year),
			zap.Int64s("news_year_ids", targets),
			zap.NamedError("cause", err),
			zap.Error(cerr),
		)
		return CommitResult{}, fmt.Errorf("commit batch %d: %w", year, errors.Join(err, news.ErrRollbackIncomplete, cerr))
	}
	metrics.ObserveRollback(true)
	f.logger.Warn("batch rolled back",
		zap.Int("year", year),
		zap.Int("rows", len(targets)),
		zap.Error(err),
	)
	return CommitResult{}, fmt.Errorf("commit batch %d: %w", year, err)
}

// commit runs the three commit steps against store and returns the target
// sequences so a failure can be compensated.
func (f *ContentFetcher) commit(
	ctx context.Context,
	store news.Store,
	year int,
	fetched []FetchedArticle,
) (CommitResult, []int64, error) {
	seqs := make([]int64, 0, len(fetched))
	for _, item := range fetched {
		seqs = append(seqs, item.Entry.Seq)
	}
	state, err := store.ScrapedState(ctx, year, seqs)
	if err != nil {
		return CommitResult{}, nil, fmt.Errorf("recheck scraped state: %w", err)
	}

	var result CommitResult
	records := make([]news.ContentRecord, 0, len(fetched))
	targets := make([]int64, 0, len(fetched))
	for _, item := range fetched {
		scraped, found := state[item.Entry.Seq]
		switch {
		case !found:
			f.logger.Warn("queued link disappeared before commit",
				zap.Int("year", year), zap.Int64("news_year_id", item.Entry.Seq))
			continue
		case scraped:
			result.AlreadyScraped++
			continue
		}
		targets = append(targets, item.Entry.Seq)
		records = append(records, news.ContentRecord{
			Year:    year,
			Seq:     item.Entry.Seq,
			NewsID:  *item.Entry.NewsID,
			SID1:    item.Entry.SID1,
			SID2:    item.Entry.SID2,
			Date:    item.Entry.Date,
			PageURL: item.FinalURL,
			Scraped: item.FetchedAt,
			Article: item.Article,
		})
		result.NewsIDs = append(result.NewsIDs, *item.Entry.NewsID)
	}
	if len(targets) == 0 {
		return result, nil, nil
	}
	if err := store.InsertContent(ctx, year, records); err != nil {
		return CommitResult{}, targets, fmt.Errorf("insert content: %w", err)
	}
	if err := store.MarkScraped(ctx, year, targets, f.clock.Now()); err != nil {
		return CommitResult{}, targets, fmt.Errorf("mark scraped: %w", err)
	}
	result.Committed = len(targets)
	return result, targets, nil
}

// compensate deletes content and then clears the scraped flag. The flag is only
// cleared once the content is gone so a row never reads unscraped with content.
func (f *ContentFetcher) compensate(ctx context.Context, year int, targets []int64) error {
	ctx = context.WithoutCancel(ctx)
	if err := f.store.DeleteContent(ctx, year, targets); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if err := f.store.ResetScraped(ctx, year, targets); err != nil {
		return fmt.Errorf("reset scraped: %w", err)
	}
	return nil
}

func (f *ContentFetcher) committed(year int, result CommitResult) {
	metrics.AddArticlesCommitted(result.Committed)
	if result.AlreadyScraped > 0 {
		metrics.AddAlreadyScraped(result.AlreadyScraped)
		f.logger.Info("dropped rows already scraped", zap.Int("year", year), zap.Int("count", result.AlreadyScraped))
	}
}

// FetchCycle picks the newest year with ready links, fetches one batch and commits it.
func (f *ContentFetcher) FetchCycle(ctx context.Context) (CycleResult, error) {
	year, ok, err := f.pickYear(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if !ok {
		f.logger.Info("no ready links in any year")
		return CycleResult{Outcome: news.OutcomeNoWork}, nil
	}
	result := CycleResult{Year: year}
	batch, err := f.SelectBatch(ctx, year, f.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	result.Selected = len(batch)
	if len(batch) == 0 {
		result.Outcome = news.OutcomeNoWork
		return result, nil
	}

	fetched, fetchErrs, err := f.fetchAll(ctx, batch)
	if err != nil {
		return result, err
	}
	result.Fetched = len(fetched)
	result.Failed = len(fetchErrs)
	if len(fetched) == 0 {
		return result, fmt.Errorf("all %d fetches failed for %d: %w", len(batch), year, errors.Join(fetchErrs...))
	}

	commit, err := f.CommitBatch(ctx, year, fetched)
	if err != nil {
		return result, err
	}
	result.Committed = commit.Committed
	result.AlreadyScraped = commit.AlreadyScraped
	result.Outcome = news.OutcomeSucceeded
	f.logger.Info("batch committed",
		zap.Int("year", year),
		zap.Int("selected", result.Selected),
		zap.Int("committed", result.Committed),
		zap.Int("failed", result.Failed),
	)
	f.publish(ctx, year, commit)
	return result, nil
}

func (f *ContentFetcher) pickYear(ctx context.Context) (int, bool, error) {
	years, err := f.store.ListYears(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("list years: %w", err)
	}
	for _, y := range years {
		stats, err := f.store.QueueStats(ctx, y.Year)
		if err != nil {
			return 0, false, fmt.Errorf("queue stats %d: %w", y.Year, err)
		}
		if stats.Ready > 0 {
			return y.Year, true, nil
		}
	}
	return 0, false, nil
}

// fetchAll runs FetchOne across the batch with bounded parallelism. Per-link
// failures are collected; only cancellation aborts the batch.
func (f *ContentFetcher) fetchAll(ctx context.Context, batch []news.LinkEntry) ([]FetchedArticle, []error, error) {
	results := make([]*FetchedArticle, len(batch))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, entry := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item, err := f.FetchOne(gctx, entry)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				f.logger.Warn("article fetch failed",
					zap.String("stage", metrics.StageFetch),
					zap.Int("year", entry.Year),
					zap.Int64p("news_id", entry.NewsID),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			results[i] = &item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("fetch batch: %w", err)
	}
	fetched := make([]FetchedArticle, 0, len(batch))
	for _, r := range results {
		if r != nil {
			fetched = append(fetched, *r)
		}
	}
	return fetched, errs, nil
}

func (f *ContentFetcher) publish(ctx context.Context, year int, commit CommitResult) {
	if f.publisher == nil || commit.Committed == 0 {
		return
	}
	event := BatchCommitted{Year: year, NewsIDs: commit.NewsIDs, CommittedAt: f.clock.Now()}
	if _, err := f.publisher.Publish(ctx, event); err != nil {
		f.logger.Warn("publish batch event failed", zap.Int("year", year), zap.Error(err))
	}
}
