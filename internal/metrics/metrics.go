// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names used as label values.
const (
	StageEnqueue = "enqueue"
	StageHarvest = "harvest"
	StageAssign  = "assign_ids"
	StageFetch   = "fetch"
)

var (
	stageRunsTotal             *prometheus.CounterVec
	datePagesQueuedTotal       prometheus.Counter
	listingPagesFetchedTotal   prometheus.Counter
	linksQueuedTotal           prometheus.Counter
	newsIDsAssignedTotal       prometheus.Counter
	sequenceOverflowsTotal     prometheus.Counter
	articlesCommittedTotal     prometheus.Counter
	articleFetchFailuresTotal  prometheus.Counter
	alreadyScrapedTotal        prometheus.Counter
	batchRollbacksTotal        *prometheus.CounterVec
	missingFieldsTotal         *prometheus.CounterVec
	passDurationSeconds        *prometheus.HistogramVec
	passTimeoutsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_stage_runs_total",
				Help: "Total number of stage invocations, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		datePagesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_date_pages_queued_total",
			Help: "Total number of date pages added to the queue.",
		})

		listingPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_listing_pages_fetched_total",
			Help: "Total number of section listing pages fetched.",
		})

		linksQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_links_queued_total",
			Help: "Total number of article links added to the link queue.",
		})

		newsIDsAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_news_ids_assigned_total",
			Help: "Total number of link rows given a global news id.",
		})

		sequenceOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_sequence_overflows_total",
			Help: "Total number of link rows whose per-year sequence exceeded 8 digits.",
		})

		articlesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_articles_committed_total",
			Help: "Total number of article content rows committed.",
		})

		articleFetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_article_fetch_failures_total",
			Help: "Total number of article fetches that failed in transport.",
		})

		alreadyScrapedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_already_scraped_total",
			Help: "Total number of fetched rows dropped because another run committed them first.",
		})

		batchRollbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_batch_rollbacks_total",
				Help: "Total number of batch commits rolled back, labeled by result.",
			},
			[]string{"result"},
		)

		missingFieldsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_missing_fields_total",
				Help: "Total number of article fields that could not be extracted, labeled by field.",
			},
			[]string{"field"},
		)

		passDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscrawler_pass_duration_seconds",
				Help:    "Histogram of pass durations, labeled by pass.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"pass"},
		)

		passTimeoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_pass_timeouts_total",
				Help: "Total number of passes that exhausted their time budget, labeled by pass.",
			},
			[]string{"pass"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newscrawler_http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscrawler_http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newscrawler_rate_limit_delay_seconds",
				Help:    "Histogram of time portal requests waited for the rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage increments the stage run counter.
func ObserveStage(stage, outcome string) {
	Init()
	stageRunsTotal.WithLabelValues(stage, outcome).Inc()
}

// AddDatePagesQueued counts newly queued date pages.
func AddDatePagesQueued(n int) {
	Init()
	datePagesQueuedTotal.Add(float64(n))
}

// IncListingPagesFetched counts one fetched listing page.
func IncListingPagesFetched() {
	Init()
	listingPagesFetchedTotal.Inc()
}

// AddLinksQueued counts links written to the link queue.
func AddLinksQueued(n int) {
	Init()
	linksQueuedTotal.Add(float64(n))
}

// AddNewsIDsAssigned counts reconciled rows.
func AddNewsIDsAssigned(n int) {
	Init()
	newsIDsAssignedTotal.Add(float64(n))
}

// AddSequenceOverflows counts rows rejected by the id budget.
func AddSequenceOverflows(n int) {
	Init()
	sequenceOverflowsTotal.Add(float64(n))
}

// AddArticlesCommitted counts committed content rows.
func AddArticlesCommitted(n int) {
	Init()
	articlesCommittedTotal.Add(float64(n))
}

// IncArticleFetchFailures counts one failed article fetch.
func IncArticleFetchFailures() {
	Init()
	articleFetchFailuresTotal.Inc()
}

// AddAlreadyScraped counts rows dropped by the commit re-check.
func AddAlreadyScraped(n int) {
	Init()
	alreadyScrapedTotal.Add(float64(n))
}

// ObserveRollback records a batch rollback; complete is false when compensation failed.
func ObserveRollback(complete bool) {
	Init()
	result := "complete"
	if !complete {
		result = "incomplete"
	}
	batchRollbacksTotal.WithLabelValues(result).Inc()
}

// ObserveMissingField counts one absent article field.
func ObserveMissingField(field string) {
	Init()
	missingFieldsTotal.WithLabelValues(field).Inc()
}

// ObservePass records a pass duration and whether it timed out.
func ObservePass(pass string, duration time.Duration, timedOut bool) {
	Init()
	passDurationSeconds.WithLabelValues(pass).Observe(duration.Seconds())
	if timedOut {
		passTimeoutsTotal.WithLabelValues(pass).Inc()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a request waited for a rate limiter token.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}
