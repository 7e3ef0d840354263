package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/portal"
	"github.com/JakeFAU/news-queue-crawler/internal/storage/memory"
)

var (
	kst      = time.FixedZone("KST", 9*60*60)
	testPair = news.SectionPair{SID1: 101, SID1Name: "경제", SID2: 259, SID2Name: "금융"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeListings serves canned listing pages and records which pages were requested.
type fakeListings struct {
	mu       sync.Mutex
	pages    map[int]portal.Listing
	fallback *portal.Listing
	errs     map[int]error
	calls    []int
}

func (f *fakeListings) Listing(_ context.Context, _ news.SectionPair, _ string, page int) (portal.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, page)
	if err, ok := f.errs[page]; ok {
		return portal.Listing{}, err
	}
	if l, ok := f.pages[page]; ok {
		return l, nil
	}
	if f.fallback != nil {
		return *f.fallback, nil
	}
	return portal.Listing{}, fmt.Errorf("unexpected page %d", page)
}

func (f *fakeListings) requested() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func pageLinks(labels ...string) []portal.PageLink {
	out := make([]portal.PageLink, 0, len(labels))
	for _, l := range labels {
		out = append(out, portal.PageLink{Label: l, Href: "?page=" + l})
	}
	return out
}

func numberedLinks(from, to int) []portal.PageLink {
	labels := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		labels = append(labels, fmt.Sprint(i))
	}
	return pageLinks(labels...)
}

// fakeArticles serves canned article pages keyed by URL.
type fakeArticles struct {
	mu       sync.Mutex
	articles map[string]portal.Article
	errs     map[string]error
}

func (f *fakeArticles) Article(_ context.Context, rawURL string) (portal.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[rawURL]; ok {
		return portal.Article{}, err
	}
	if a, ok := f.articles[rawURL]; ok {
		return a, nil
	}
	title := "title of " + rawURL
	return portal.Article{
		FinalURL:   rawURL + "#final",
		StatusCode: 200,
		Body:       []byte("<html>" + rawURL + "</html>"),
		Parsed:     portal.ParsedArticle{Article: news.Article{Title: &title}},
	}, nil
}

// failingStore wraps the memory store and injects failures into commit steps.
type failingStore struct {
	*memory.QueueStore
	stateErr    error
	insertKeep  int
	insertErr   error
	markErr     error
	deleteErr   error
	insertCalls int
	deleteCalls int
	resetCalls  int
}

func (s *failingStore) ScrapedState(ctx context.Context, year int, seqs []int64) (map[int64]bool, error) {
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	return s.QueueStore.ScrapedState(ctx, year, seqs)
}

func (s *failingStore) InsertContent(ctx context.Context, year int, records []news.ContentRecord) error {
	s.insertCalls++
	if s.insertErr == nil {
		return s.QueueStore.InsertContent(ctx, year, records)
	}
	keep := min(s.insertKeep, len(records))
	if err := s.QueueStore.InsertContent(ctx, year, records[:keep]); err != nil {
		return err
	}
	return s.insertErr
}

func (s *failingStore) MarkScraped(ctx context.Context, year int, seqs []int64, at time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	return s.QueueStore.MarkScraped(ctx, year, seqs, at)
}

func (s *failingStore) DeleteContent(ctx context.Context, year int, seqs []int64) error {
	s.deleteCalls++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.QueueStore.DeleteContent(ctx, year, seqs)
}

func (s *failingStore) ResetScraped(ctx context.Context, year int, seqs []int64) error {
	s.resetCalls++
	return s.QueueStore.ResetScraped(ctx, year, seqs)
}

// txStore advertises transactions and records how each one ended.
type txStore struct {
	*failingStore
	began, committed, rolledBack int
}

func (s *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx news.Store) error) error {
	s.began++
	if err := fn(ctx, s); err != nil {
		s.rolledBack++
		return err
	}
	s.committed++
	return nil
}

var errInjected = errors.New("injected failure")

// seedReadyLinks registers year and queues n links with news ids assigned.
func seedReadyLinks(ctx context.Context, store *memory.QueueStore, year, n int) ([]news.LinkEntry, error) {
	if _, err := store.AddYear(ctx, year); err != nil {
		return nil, err
	}
	date := fmt.Sprintf("%d0105", year)
	page := news.DatePage{Key: news.DatePageKey(testPair, date), Year: year, Date: date, SID1: testPair.SID1, SID2: testPair.SID2}
	if err := store.InsertDatePages(ctx, []news.DatePage{page}); err != nil {
		return nil, err
	}
	links := make([]news.LinkEntry, 0, n)
	for i := 1; i <= n; i++ {
		links = append(links, news.LinkEntry{
			SID1: testPair.SID1,
			SID2: testPair.SID2,
			Date: date,
			URL:  fmt.Sprintf("https://n.news.example/article/%d/%d?sid=101", year, i),
		})
	}
	if err := store.SaveHarvest(ctx, page, links, 1); err != nil {
		return nil, err
	}
	seqs, err := store.ListUnassigned(ctx, year)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]int64, len(seqs))
	for _, seq := range seqs {
		id, err := news.FormatNewsID(year, seq)
		if err != nil {
			return nil, err
		}
		ids[seq] = id
	}
	if err := store.AssignNewsIDs(ctx, year, ids); err != nil {
		return nil, err
	}
	return store.Links(year), nil
}
