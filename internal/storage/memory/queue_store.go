package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// DefaultSections is the section catalog used when no other is configured.
var DefaultSections = []news.SectionPair{
	{SID1: 101, SID1Name: "경제", SID2: 256, SID2Name: "금융"},
	{SID1: 101, SID1Name: "경제", SID2: 258, SID2Name: "증권"},
	{SID1: 101, SID1Name: "경제", SID2: 261, SID2Name: "산업/재계"},
	{SID1: 101, SID1Name: "경제", SID2: 771, SID2Name: "중기/벤처"},
	{SID1: 101, SID1Name: "경제", SID2: 260, SID2Name: "부동산"},
	{SID1: 101, SID1Name: "경제", SID2: 262, SID2Name: "글로벌 경제"},
	{SID1: 101, SID1Name: "경제", SID2: 310, SID2Name: "생활경제"},
	{SID1: 101, SID1Name: "경제", SID2: 263, SID2Name: "경제일반"},
}

type yearState struct {
	year    news.Year
	lastSeq int64
	links   map[int64]*news.LinkEntry
	content map[int64]news.ContentRecord
}

// QueueStore keeps the whole crawl queue in memory for development/testing.
// It has no transactions, so multi-step writes rely on caller compensation.
type QueueStore struct {
	mu        sync.RWMutex
	pairs     []news.SectionPair
	years     map[int]*yearState
	datePages map[string]news.DatePage
	shuffle   func(n int, swap func(i, j int))
}

// NewQueueStore constructs a QueueStore seeded with the given section pairs.
func NewQueueStore(pairs []news.SectionPair) *QueueStore {
	return &QueueStore{
		pairs:     append([]news.SectionPair(nil), pairs...),
		years:     make(map[int]*yearState),
		datePages: make(map[string]news.DatePage),
		shuffle:   rand.Shuffle,
	}
}

// Ping always succeeds.
func (s *QueueStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *QueueStore) Close() {}

// ListYears returns registered years, newest first.
func (s *QueueStore) ListYears(_ context.Context) ([]news.Year, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.Year, 0, len(s.years))
	for _, st := range s.years {
		out = append(out, st.year)
	}
	slices.SortFunc(out, func(a, b news.Year) int { return b.Year - a.Year })
	return out, nil
}

// AddYear registers a year. It reports false when the year already existed.
func (s *QueueStore) AddYear(_ context.Context, year int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.years[year]; ok {
		return false, nil
	}
	s.years[year] = &yearState{
		year:    news.Year{Year: year},
		links:   make(map[int64]*news.LinkEntry),
		content: make(map[int64]news.ContentRecord),
	}
	return true, nil
}

// ListSectionPairs returns the static section catalog.
func (s *QueueStore) ListSectionPairs(_ context.Context) ([]news.SectionPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]news.SectionPair(nil), s.pairs...), nil
}

// CountDatePages counts date pages already queued for a year and pair.
func (s *QueueStore) CountDatePages(_ context.Context, year int, pair news.SectionPair) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, page := range s.datePages {
		if page.Year == year && page.SID1 == pair.SID1 && page.SID2 == pair.SID2 {
			count++
		}
	}
	return count, nil
}

// InsertDatePages stores new date pages. Existing keys are rejected and nothing is written.
func (s *QueueStore) InsertDatePages(_ context.Context, pages []news.DatePage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, page := range pages {
		if _, exists := s.datePages[page.Key]; exists {
			return fmt.Errorf("date page %s already exists", page.Key)
		}
	}
	for _, page := range pages {
		s.datePages[page.Key] = page
	}
	return nil
}

// PickPendingDatePage returns a random date page that has not been harvested.
func (s *QueueStore) PickPendingDatePage(_ context.Context) (news.DatePage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]news.DatePage, 0)
	for _, page := range s.datePages {
		if !page.PageAdded {
			pending = append(pending, page)
		}
	}
	if len(pending) == 0 {
		return news.DatePage{}, false, nil
	}
	return pending[rand.IntN(len(pending))], true, nil
}

// SaveHarvest appends links with fresh per-year sequence numbers and marks the page added.
// A page that is already added is rejected with news.ErrDatePageHarvested.
func (s *QueueStore) SaveHarvest(_ context.Context, page news.DatePage, links []news.LinkEntry, pageLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[page.Year]
	if !ok {
		return fmt.Errorf("year %d: %w", page.Year, news.ErrYearNotFound)
	}
	stored, ok := s.datePages[page.Key]
	if !ok {
		return fmt.Errorf("%s: %w", page.Key, news.ErrDatePageNotFound)
	}
	if stored.PageAdded {
		return fmt.Errorf("%s: %w", page.Key, news.ErrDatePageHarvested)
	}
	for _, link := range links {
		st.lastSeq++
		entry := link
		entry.Year = page.Year
		entry.Seq = st.lastSeq
		entry.NewsID = nil
		entry.IsScraped = false
		entry.Scraped = nil
		st.links[entry.Seq] = &entry
	}
	length, count := pageLength, len(links)
	stored.PageAdded = true
	stored.PageLength = &length
	stored.LinkCount = &count
	s.datePages[page.Key] = stored
	return nil
}

// ListUnassigned returns sequence numbers of links with no news id, ascending.
func (s *QueueStore) ListUnassigned(_ context.Context, year int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return nil, fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	var seqs []int64
	for seq, link := range st.links {
		if link.NewsID == nil {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}

// AssignNewsIDs sets the news id of each listed sequence.
func (s *QueueStore) AssignNewsIDs(_ context.Context, year int, ids map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[year]
	if !ok {
		return fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	for seq, id := range ids {
		link, ok := st.links[seq]
		if !ok {
			return fmt.Errorf("link %d/%d not found", year, seq)
		}
		newsID := id
		link.NewsID = &newsID
	}
	return nil
}

// QueueStats summarizes the link queue of a year.
func (s *QueueStore) QueueStats(_ context.Context, year int) (news.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return news.QueueStats{}, fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	stats := news.QueueStats{Year: year, Total: len(st.links)}
	for _, link := range st.links {
		if link.NewsID == nil {
			stats.Unassigned++
		}
		if !link.IsScraped {
			stats.Unscraped++
			if link.NewsID != nil {
				stats.Ready++
			}
		}
	}
	return stats, nil
}

// SampleReady returns up to size unscraped links with a news id, in random order.
func (s *QueueStore) SampleReady(_ context.Context, year int, size int) ([]news.LinkEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return nil, fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	ready := make([]news.LinkEntry, 0)
	for _, link := range st.links {
		if !link.IsScraped && link.NewsID != nil {
			ready = append(ready, *link)
		}
	}
	s.shuffle(len(ready), func(i, j int) { ready[i], ready[j] = ready[j], ready[i] })
	if size >= 0 && len(ready) > size {
		ready = ready[:size]
	}
	return ready, nil
}

// ScrapedState reports the scraped flag of each sequence that exists.
func (s *QueueStore) ScrapedState(_ context.Context, year int, seqs []int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return nil, fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	out := make(map[int64]bool, len(seqs))
	for _, seq := range seqs {
		if link, ok := st.links[seq]; ok {
			out[seq] = link.IsScraped
		}
	}
	return out, nil
}

// InsertContent writes content rows one at a time and stops at the first duplicate.
// Rows written before the failure stay in place.
func (s *QueueStore) InsertContent(_ context.Context, year int, records []news.ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[year]
	if !ok {
		return fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	for _, rec := range records {
		if _, exists := st.content[rec.Seq]; exists {
			return fmt.Errorf("content for news %d already exists", rec.NewsID)
		}
		st.content[rec.Seq] = rec
	}
	return nil
}

// MarkScraped flags links as scraped at the given time.
func (s *QueueStore) MarkScraped(_ context.Context, year int, seqs []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[year]
	if !ok {
		return fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	for _, seq := range seqs {
		if link, ok := st.links[seq]; ok {
			scraped := at
			link.IsScraped = true
			link.Scraped = &scraped
		}
	}
	return nil
}

// DeleteContent removes content rows for the given sequences.
func (s *QueueStore) DeleteContent(_ context.Context, year int, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[year]
	if !ok {
		return fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	for _, seq := range seqs {
		delete(st.content, seq)
	}
	return nil
}

// ResetScraped clears the scraped flag for the given sequences.
func (s *QueueStore) ResetScraped(_ context.Context, year int, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.years[year]
	if !ok {
		return fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
	}
	for _, seq := range seqs {
		if link, ok := st.links[seq]; ok {
			link.IsScraped = false
			link.Scraped = nil
		}
	}
	return nil
}

// DatePages returns a snapshot of all date pages.
func (s *QueueStore) DatePages() []news.DatePage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.DatePage, 0, len(s.datePages))
	for _, page := range s.datePages {
		out = append(out, page)
	}
	slices.SortFunc(out, func(a, b news.DatePage) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Links returns a snapshot of a year's link queue ordered by sequence.
func (s *QueueStore) Links(year int) []news.LinkEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return nil
	}
	out := make([]news.LinkEntry, 0, len(st.links))
	for _, link := range st.links {
		out = append(out, *link)
	}
	slices.SortFunc(out, func(a, b news.LinkEntry) int { return int(a.Seq - b.Seq) })
	return out
}

// Content returns a snapshot of a year's content rows ordered by sequence.
func (s *QueueStore) Content(year int) []news.ContentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.years[year]
	if !ok {
		return nil
	}
	out := make([]news.ContentRecord, 0, len(st.content))
	for _, rec := range st.content {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b news.ContentRecord) int { return int(a.Seq - b.Seq) })
	return out
}
