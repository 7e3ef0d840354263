package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// DefaultListingURL is the section listing endpoint.
const DefaultListingURL = "https://news.naver.com/main/list.naver"

// Config controls how listing requests are formed.
type Config struct {
	ListingURL string
	Location   *time.Location
}

// Client fetches and parses portal pages through a news.Fetcher.
type Client struct {
	fetcher    news.Fetcher
	listingURL *url.URL
	loc        *time.Location
}

// Article is a fetched and parsed article page.
type Article struct {
	FinalURL   string
	StatusCode int
	Body       []byte
	Parsed     ParsedArticle
}

// NewClient validates the config and builds a Client.
func NewClient(fetcher news.Fetcher, cfg Config) (*Client, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	raw := cfg.ListingURL
	if raw == "" {
		raw = DefaultListingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("listing url %q must be absolute", raw)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Client{fetcher: fetcher, listingURL: u, loc: loc}, nil
}

// ListingQuery returns the query parameters of a listing page request.
func ListingQuery(pair news.SectionPair, date string, page int) url.Values {
	return url.Values{
		"mode": {"LS2D"},
		"mid":  {"shm"},
		"sid1": {strconv.Itoa(pair.SID1)},
		"sid2": {strconv.Itoa(pair.SID2)},
		"date": {date},
		"page": {strconv.Itoa(page)},
	}
}

// Listing fetches and parses one listing page.
func (c *Client) Listing(ctx context.Context, pair news.SectionPair, date string, page int) (Listing, error) {
	resp, err := c.fetcher.Fetch(ctx, news.FetchRequest{
		URL:   c.listingURL.String(),
		Query: ListingQuery(pair, date, page),
	})
	if err != nil {
		return Listing{}, fmt.Errorf("fetch listing %s/%s page %d: %w", pair, date, page, err)
	}
	base, err := url.Parse(resp.URL)
	if err != nil || resp.URL == "" {
		base = c.listingURL
	}
	listing, err := ParseListing(bytes.NewReader(resp.Body), pair.SID1, base)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s/%s page %d: %w", pair, date, page, err)
	}
	return listing, nil
}

// Article fetches an article page, following redirects, and parses it.
func (c *Client) Article(ctx context.Context, rawURL string) (Article, error) {
	resp, err := c.fetcher.Fetch(ctx, news.FetchRequest{URL: rawURL})
	if err != nil {
		return Article{}, fmt.Errorf("fetch article %s: %w", rawURL, err)
	}
	parsed, err := ParseArticle(bytes.NewReader(resp.Body), c.loc)
	if err != nil {
		return Article{}, fmt.Errorf("article %s: %w", rawURL, err)
	}
	final := resp.URL
	if final == "" {
		final = rawURL
	}
	return Article{FinalURL: final, StatusCode: resp.StatusCode, Body: resp.Body, Parsed: parsed}, nil
}
