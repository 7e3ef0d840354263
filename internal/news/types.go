// Package news defines the core types shared by the crawl-queue pipeline.
package news

import (
	"fmt"
	"time"
)

// DateLayout is the yyyymmdd form used for listing dates and queue keys.
const DateLayout = "20060102"

// Year is a catalog year. DatesQueued is reserved for a per-year completion marker.
type Year struct {
	Year        int
	DatesQueued bool
}

// SectionPair identifies a listing section (sid1) and its subsection (sid2).
type SectionPair struct {
	SID1     int
	SID1Name string
	SID2     int
	SID2Name string
}

// String renders the pair as "sid1-sid2".
func (p SectionPair) String() string {
	return fmt.Sprintf("%d-%d", p.SID1, p.SID2)
}

// DatePage is one (section pair, day) entry of the date-page queue.
type DatePage struct {
	Key        string
	Year       int
	Date       string
	SID1       int
	SID2       int
	PageAdded  bool
	PageLength *int
	LinkCount  *int
}

// Pair returns the section pair the page belongs to, without names.
func (d DatePage) Pair() SectionPair {
	return SectionPair{SID1: d.SID1, SID2: d.SID2}
}

// DatePageKey builds the composite queue key for a section pair and day.
func DatePageKey(pair SectionPair, date string) string {
	return fmt.Sprintf("%d-%d-%s", pair.SID1, pair.SID2, date)
}

// LinkEntry is a row of the year-partitioned link queue.
type LinkEntry struct {
	Year      int
	Seq       int64
	NewsID    *int64
	SID1      int
	SID2      int
	Date      string
	URL       string
	IsScraped bool
	Added     time.Time
	Scraped   *time.Time
}

// Article holds the parsed fields of an article page. Nil means the field was absent.
type Article struct {
	Press      *string
	Title      *string
	Input      *time.Time
	Modify     *time.Time
	Writer     *string
	Body       *string
	Categories []string
}

// ContentRecord is a parsed article ready to be committed for a queued link.
type ContentRecord struct {
	Year    int
	Seq     int64
	NewsID  int64
	SID1    int
	SID2    int
	Date    string
	PageURL string
	Scraped time.Time
	Article Article
}

// QueueStats summarizes the link queue of one year.
type QueueStats struct {
	Year       int `json:"year"`
	Total      int `json:"total"`
	Unscraped  int `json:"unscraped"`
	Ready      int `json:"ready"`
	Unassigned int `json:"unassigned"`
}

// Outcome tells the orchestrator whether a stage did work.
type Outcome string

// Stage outcomes reported by pipeline entry points.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeNoWork    Outcome = "no_work"
)
