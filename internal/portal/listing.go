// Package portal reads the news portal's section listing and article pages.
package portal

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	pagingLinkSelector  = "#main_content > div.paging > a"
	currentPageSelector = "#main_content > div.paging > strong"
	mainContentSelector = "div#main_content"
)

// ErrNoMainContent signals a listing page without the main content block.
var ErrNoMainContent = errors.New("listing page has no main content")

// PageLink is one anchor of the pagination control.
type PageLink struct {
	Label string
	Href  string
}

// Listing is the parsed view of one section listing page.
type Listing struct {
	PageLinks    []PageLink
	CurrentPage  int
	ArticleLinks []string
}

// HasCurrentPage reports whether the pagination control highlighted a page number.
func (l Listing) HasCurrentPage() bool {
	return l.CurrentPage > 0
}

// MaxPageLabel returns the largest numeric label among the pagination links.
func (l Listing) MaxPageLabel() (int, bool) {
	highest, found := 0, false
	for _, link := range l.PageLinks {
		n, err := strconv.Atoi(link.Label)
		if err != nil {
			continue
		}
		if n > highest {
			highest, found = n, true
		}
	}
	return highest, found
}

// ParseListing extracts pagination and article links from a listing page. Only
// anchors inside the main content whose href carries sid=<sid1> count as
// article links. Relative hrefs resolve against base when it is non-nil.
func ParseListing(r io.Reader, sid1 int, base *url.URL) (Listing, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Listing{}, fmt.Errorf("parse listing: %w", err)
	}
	main := doc.Find(mainContentSelector).First()
	if main.Length() == 0 {
		return Listing{}, ErrNoMainContent
	}

	var listing Listing
	doc.Find(pagingLinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		listing.PageLinks = append(listing.PageLinks, PageLink{
			Label: strings.TrimSpace(s.Text()),
			Href:  href,
		})
	})
	if current := doc.Find(currentPageSelector).First(); current.Length() > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(current.Text())); err == nil {
			listing.CurrentPage = n
		}
	}

	marker := fmt.Sprintf("sid=%d", sid1)
	main.Find("a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || !strings.Contains(href, marker) {
			return
		}
		listing.ArticleLinks = append(listing.ArticleLinks, resolve(base, href))
	})
	return listing, nil
}

func resolve(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
