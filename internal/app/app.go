// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-queue-crawler/internal/api"
	"github.com/JakeFAU/news-queue-crawler/internal/clock/system"
	"github.com/JakeFAU/news-queue-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/news-queue-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/news-queue-crawler/internal/id/uuid"
	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/pipeline"
	"github.com/JakeFAU/news-queue-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/news-queue-crawler/internal/portal"
	"github.com/JakeFAU/news-queue-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/news-queue-crawler/internal/runner"
	"github.com/JakeFAU/news-queue-crawler/internal/storage/gcs"
	"github.com/JakeFAU/news-queue-crawler/internal/storage/local"
	"github.com/JakeFAU/news-queue-crawler/internal/storage/memory"
	"github.com/JakeFAU/news-queue-crawler/internal/storage/postgres"
)

// Stage names accepted by App.Stage and the ops API.
const (
	StageEnqueue = metrics.StageEnqueue
	StageHarvest = metrics.StageHarvest
	StageQueue   = "queue"
	StageAssign  = metrics.StageAssign
	StageFetch   = metrics.StageFetch
)

const apiReadTimeout = 10 * time.Second

// App holds the shared, long-lived services of one process. It is built once
// at startup by the CLI and closed when the command returns.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  news.Clock
	store  news.Store

	catalog    *pipeline.Catalog
	dates      *pipeline.DatePageQueue
	harvester  *pipeline.Harvester
	reconciler *pipeline.Reconciler
	content    *pipeline.ContentFetcher
	runner     *runner.Runner

	queuePasses atomic.Int64
	closers     []func()
}

type options struct {
	store     news.Store
	fetcher   news.Fetcher
	clock     news.Clock
	ids       news.IDGenerator
	archive   news.BlobStore
	publisher news.Publisher
}

// Option overrides a service that New would otherwise build from config.
type Option func(*options)

// WithStore uses store instead of the configured store driver.
func WithStore(store news.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFetcher uses fetcher for every portal request.
func WithFetcher(fetcher news.Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithClock replaces the wall clock.
func WithClock(clock news.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDs replaces the run id generator.
func WithIDs(ids news.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithArchive uses blobs for raw article pages regardless of archive.provider.
func WithArchive(blobs news.BlobStore) Option {
	return func(o *options) { o.archive = blobs }
}

// WithPublisher uses pub for batch notifications regardless of the pubsub settings.
func WithPublisher(pub news.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// New validates cfg and wires every service. Anything that cannot be
// initialized fails the call; services already opened are closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("publisher", o.publisher != nil || cfg.PubSub.TopicName != ""),
		zap.String("time_zone", cfg.Portal.TimeZone),
	)
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	loc := a.cfg.Location()
	a.clock = o.clock
	if a.clock == nil {
		a.clock = system.New(loc)
	}

	store, err := a.openStore(ctx, o.store)
	if err != nil {
		return err
	}
	a.store = store

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:    a.cfg.Portal.UserAgent,
			Timeout:      a.cfg.PortalTimeout(),
			MaxRedirects: a.cfg.Portal.MaxRedirects,
		})
	}
	if a.cfg.Portal.RequestsPerSecond > 0 {
		fetcher = ratelimit.Wrap(fetcher, ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.Portal.RequestsPerSecond,
			Burst:             a.cfg.Portal.Burst,
		}))
	}
	client, err := portal.NewClient(fetcher, portal.Config{ListingURL: a.cfg.Portal.ListingURL, Location: loc})
	if err != nil {
		return fmt.Errorf("portal client: %w", err)
	}

	a.catalog = pipeline.NewCatalog(store, a.clock, a.logger)
	a.dates, err = pipeline.NewDatePageQueue(store, a.catalog, a.clock,
		pipeline.DatePageQueueConfig{BaselineDays: a.cfg.Queue.BaselineDays}, a.logger)
	if err != nil {
		return err
	}
	discoverer := pipeline.NewLastPageDiscoverer(client, a.cfg.Queue.JumpPage, a.logger)
	a.harvester, err = pipeline.NewHarvester(store, client, discoverer, a.clock, a.logger)
	if err != nil {
		return err
	}
	a.reconciler = pipeline.NewReconciler(store, a.logger)

	var fetchOpts []pipeline.ContentFetcherOption
	archive, err := a.openArchive(ctx, o.archive)
	if err != nil {
		return err
	}
	if archive != nil {
		fetchOpts = append(fetchOpts, pipeline.WithArchive(archive))
	}
	pub, err := a.openPublisher(ctx, o.publisher)
	if err != nil {
		return err
	}
	if pub != nil {
		fetchOpts = append(fetchOpts, pipeline.WithPublisher(pub))
	}
	a.content, err = pipeline.NewContentFetcher(store, client, a.clock, pipeline.ContentFetcherConfig{
		BatchSize:     a.cfg.News.BatchSize,
		Concurrency:   a.cfg.News.Concurrency,
		ArchivePrefix: a.cfg.Archive.Prefix,
	}, a.logger, fetchOpts...)
	if err != nil {
		return err
	}

	ids := o.ids
	if ids == nil {
		ids = uuid.New()
	}
	a.runner = runner.New(ids, a.logger)
	return nil
}

func (a *App) openStore(ctx context.Context, override news.Store) (news.Store, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		a.logger.Info("connecting to postgres", zap.String("schema", a.cfg.DB.Schema))
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			Schema:          a.cfg.DB.Schema,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		a.logger.Warn("using in-memory store; queue state is lost on exit")
		return memory.NewQueueStore(memory.DefaultSections), nil
	}
}

func (a *App) openArchive(ctx context.Context, override news.BlobStore) (news.BlobStore, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.Archive.Provider {
	case config.ArchiveMemory:
		return memory.NewBlobStore(), nil
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		return blobs, nil
	case config.ArchiveGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("error closing gcs client", zap.Error(err))
			}
		})
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, err
		}
		if err := blobs.CheckBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) openPublisher(ctx context.Context, override news.Publisher) (news.Publisher, error) {
	if override != nil {
		return override, nil
	}
	if a.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	a.logger.Info("connecting to pub/sub", zap.String("topic", a.cfg.PubSub.TopicName))
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("error closing pubsub client", zap.Error(err))
		}
	})
	pub, err := pubsub.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Stop)
	return pub, nil
}

// Config returns the validated configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the queue store.
func (a *App) Store() news.Store { return a.store }

// Runner returns the stage runner.
func (a *App) Runner() *runner.Runner { return a.runner }

// Stages lists every runnable stage, in pipeline order.
func (a *App) Stages() []runner.Stage {
	return []runner.Stage{
		a.enqueueStage(),
		a.harvestStage(),
		a.queueStage(),
		a.assignStage(),
		a.fetchStage(),
	}
}

// LoopStages are the stages a long-running process keeps going: the combined
// queue stage and content fetching.
func (a *App) LoopStages() []runner.Stage {
	return []runner.Stage{a.queueStage(), a.fetchStage()}
}

// Stage looks a stage up by name.
func (a *App) Stage(name string) (runner.Stage, bool) {
	for _, s := range a.Stages() {
		if s.Name == name {
			return s, true
		}
	}
	return runner.Stage{}, false
}

// queueTiming builds a queue-side stage. They all share the queue stage's slot
// so a date page is never harvested by two passes at once.
func (a *App) queueTiming(name string, pass runner.PassFunc) runner.Stage {
	return runner.Stage{
		Name:         name,
		Slot:         StageQueue,
		Pass:         pass,
		Timeout:      a.cfg.QueuePassTimeout(),
		Interval:     time.Duration(a.cfg.Queue.IntervalSeconds) * time.Second,
		ErrorBackoff: time.Duration(a.cfg.Queue.ErrorBackoffSeconds) * time.Second,
	}
}

func (a *App) enqueueStage() runner.Stage {
	return a.queueTiming(StageEnqueue, func(ctx context.Context) (news.Outcome, error) {
		summary, err := a.dates.EnqueueAll(ctx)
		return summary.Outcome, err
	})
}

func (a *App) harvestStage() runner.Stage {
	return a.queueTiming(StageHarvest, func(ctx context.Context) (news.Outcome, error) {
		result, err := a.harvester.HarvestNext(ctx)
		return result.Outcome, err
	})
}

// queueStage refreshes the date-page queue every Queue.EnqueueEvery passes,
// harvests one date page on every pass and then assigns news ids.
func (a *App) queueStage() runner.Stage {
	return a.queueTiming(StageQueue, func(ctx context.Context) (news.Outcome, error) {
		outcome := news.OutcomeNoWork
		var errs []error
		n := a.queuePasses.Add(1)
		if every := int64(a.cfg.Queue.EnqueueEvery); every > 0 && (n-1)%every == 0 {
			summary, err := a.dates.EnqueueAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return outcome, err
				}
				errs = append(errs, err)
			}
			if summary.Outcome == news.OutcomeSucceeded {
				outcome = news.OutcomeSucceeded
			}
		}
		result, err := a.harvester.HarvestNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return outcome, err
			}
			errs = append(errs, err)
		}
		if result.Outcome == news.OutcomeSucceeded {
			outcome = news.OutcomeSucceeded
		}
		assigned, err := a.assignAll(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if assigned == news.OutcomeSucceeded {
			outcome = news.OutcomeSucceeded
		}
		return outcome, errors.Join(errs...)
	})
}

func (a *App) assignStage() runner.Stage {
	return a.queueTiming(StageAssign, a.assignAll)
}

func (a *App) assignAll(ctx context.Context) (news.Outcome, error) {
	years, err := a.catalog.Years(ctx)
	if err != nil {
		return news.OutcomeNoWork, err
	}
	outcome, _, err := a.reconciler.AssignAll(ctx, years)
	return outcome, err
}

func (a *App) fetchStage() runner.Stage {
	return runner.Stage{
		Name: StageFetch,
		Pass: func(ctx context.Context) (news.Outcome, error) {
			result, err := a.content.FetchCycle(ctx)
			return result.Outcome, err
		},
		Timeout:                a.cfg.NewsPassTimeout(),
		Interval:               time.Duration(a.cfg.News.IntervalSeconds) * time.Second,
		ErrorBackoff:           time.Duration(a.cfg.News.ErrorBackoffSeconds) * time.Second,
		MaxConsecutiveTimeouts: a.cfg.News.MaxConsecutiveTimeouts,
	}
}

// Server builds the ops HTTP API over the store and stages.
func (a *App) Server() *api.Server {
	return api.NewServer(a.store, a.runner, a.Stages(), api.Config{
		APIKey:      a.cfg.Server.APIKey,
		ReadTimeout: apiReadTimeout,
	}, a.logger)
}

// Close releases every service opened by New, newest first. It is safe to
// call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
