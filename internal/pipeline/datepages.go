package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// DatePageQueueConfig tunes date-page generation.
type DatePageQueueConfig struct {
	// BaselineDays keeps the most recent days out of the queue until they are complete.
	BaselineDays int
}

// DatePageQueue expands (year × section pair) combinations into per-day queue entries.
type DatePageQueue struct {
	store   news.DatePageStore
	catalog *Catalog
	clock   news.Clock
	cfg     DatePageQueueConfig
	logger  *zap.Logger
}

// EnqueueResult reports what Enqueue did for one (year, pair).
type EnqueueResult struct {
	Outcome  news.Outcome
	Year     int
	Pair     news.SectionPair
	Created  int
	Existing int
}

// EnqueueSummary aggregates an EnqueueAll pass.
type EnqueueSummary struct {
	Outcome news.Outcome
	Created int
	Results []EnqueueResult
}

// NewDatePageQueue builds a DatePageQueue.
func NewDatePageQueue(
	store news.DatePageStore,
	catalog *Catalog,
	clock news.Clock,
	cfg DatePageQueueConfig,
	logger *zap.Logger,
) (*DatePageQueue, error) {
	if store == nil || catalog == nil || clock == nil {
		return nil, fmt.Errorf("store, catalog and clock are required")
	}
	if cfg.BaselineDays < 0 {
		return nil, fmt.Errorf("baseline days must be >= 0, got %d", cfg.BaselineDays)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatePageQueue{
		store:   store,
		catalog: catalog,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("date_queue"),
	}, nil
}

// Enqueue creates one date page per day of year up to now minus the baseline.
// When any page already exists for the year and pair nothing is written.
func (q *DatePageQueue) Enqueue(ctx context.Context, year int, pair news.SectionPair) (EnqueueResult, error) {
	result := EnqueueResult{Year: year, Pair: pair}
	existing, err := q.store.CountDatePages(ctx, year, pair)
	if err != nil {
		return result, fmt.Errorf("count date pages %d/%s: %w", year, pair, err)
	}
	if existing > 0 {
		result.Outcome = news.OutcomeNoWork
		result.Existing = existing
		return result, nil
	}

	dates := DaysUntilCutoff(year, q.clock.Now(), q.cfg.BaselineDays)
	if len(dates) == 0 {
		result.Outcome = news.OutcomeNoWork
		return result, nil
	}
	pages := make([]news.DatePage, 0, len(dates))
	for _, date := range dates {
		pages = append(pages, news.DatePage{
			Key:  news.DatePageKey(pair, date),
			Year: year,
			Date: date,
			SID1: pair.SID1,
			SID2: pair.SID2,
		})
	}
	if err := q.store.InsertDatePages(ctx, pages); err != nil {
		return result, fmt.Errorf("insert date pages %d/%s: %w", year, pair, err)
	}
	metrics.AddDatePagesQueued(len(pages))
	q.logger.Info("date pages queued",
		zap.Int("year", year),
		zap.String("section", pair.String()),
		zap.Int("count", len(pages)),
		zap.String("first", dates[0]),
		zap.String("last", dates[len(dates)-1]),
	)
	result.Outcome = news.OutcomeSucceeded
	result.Created = len(pages)
	return result, nil
}

// EnqueueAll registers the current year, then runs Enqueue for every known
// year and section pair. Failures for one combination do not stop the others.
func (q *DatePageQueue) EnqueueAll(ctx context.Context) (EnqueueSummary, error) {
	summary := EnqueueSummary{Outcome: news.OutcomeNoWork}
	if _, err := q.catalog.EnsureCurrentYear(ctx); err != nil {
		return summary, err
	}
	years, err := q.catalog.Years(ctx)
	if err != nil {
		return summary, err
	}
	pairs, err := q.catalog.SectionPairs(ctx)
	if err != nil {
		return summary, err
	}

	var errs []error
	for _, y := range years {
		for _, pair := range pairs {
			if err := ctx.Err(); err != nil {
				return summary, fmt.Errorf("enqueue interrupted: %w", err)
			}
			res, err := q.Enqueue(ctx, y.Year, pair)
			if err != nil {
				q.logger.Error("enqueue failed",
					zap.String("stage", metrics.StageEnqueue),
					zap.Int("year", y.Year),
					zap.String("section", pair.String()),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}
			summary.Results = append(summary.Results, res)
			summary.Created += res.Created
		}
	}
	if summary.Created > 0 {
		summary.Outcome = news.OutcomeSucceeded
	}
	return summary, errors.Join(errs...)
}

// DaysUntilCutoff lists every day of year, formatted yyyymmdd, that is on or
// before now minus baselineDays. Dates are calendar days in now's location.
func DaysUntilCutoff(year int, now time.Time, baselineDays int) []string {
	loc := now.Location()
	cutoff := time.Date(now.Year(), now.Month(), now.Day()-baselineDays, 0, 0, 0, 0, loc)
	var dates []string
	for d := time.Date(year, time.January, 1, 0, 0, 0, 0, loc); d.Year() == year && !d.After(cutoff); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(news.DateLayout))
	}
	return dates
}
