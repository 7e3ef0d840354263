package portal

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// Field names reported when an article selector matches nothing.
const (
	FieldPress      = "press"
	FieldTitle      = "title"
	FieldInput      = "input"
	FieldModify     = "modify"
	FieldWriter     = "writer"
	FieldBody       = "body"
	FieldCategories = "categories"
)

const articleTimeLayout = "2006-01-02 15:04:05"

const (
	pressSelector      = "#ct > div.media_end_head.go_trans > div.media_end_head_top > a > img.media_end_head_top_logo_img.light_type"
	titleSelector      = "#ct > div.media_end_head.go_trans > div.media_end_head_title"
	datestampSelector  = "#ct > div.media_end_head.go_trans > div.media_end_head_info.nv_notrans > div.media_end_head_info_datestamp"
	inputSelector      = datestampSelector + " > div:nth-child(1) > span"
	modifySelector     = datestampSelector + " > div:nth-child(2) > span"
	writerSelector     = "#contents > div.byline > p > span"
	bodySelector       = "#dic_area"
	categoriesSelector = "em.media_end_categorize_item"
)

// ParsedArticle is an article plus the names of fields that could not be extracted.
type ParsedArticle struct {
	Article news.Article
	Missing []string
}

// ParseArticle extracts the fixed field set from an article page. Absent or
// unparseable fields stay nil and are listed in Missing; they are never an error.
// Timestamps on the page carry no zone and are read in loc.
func ParseArticle(r io.Reader, loc *time.Location) (ParsedArticle, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ParsedArticle{}, fmt.Errorf("parse article: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	var out ParsedArticle
	missing := func(field string) { out.Missing = append(out.Missing, field) }

	out.Article.Press = attr(doc, pressSelector, "title")
	if out.Article.Press == nil {
		missing(FieldPress)
	}
	out.Article.Title = text(doc, titleSelector)
	if out.Article.Title == nil {
		missing(FieldTitle)
	}
	out.Article.Input = timestamp(doc, inputSelector, "data-date-time", loc)
	if out.Article.Input == nil {
		missing(FieldInput)
	}
	out.Article.Modify = timestamp(doc, modifySelector, "data-modify-date-time", loc)
	if out.Article.Modify == nil {
		missing(FieldModify)
	}
	out.Article.Writer = text(doc, writerSelector)
	if out.Article.Writer == nil {
		missing(FieldWriter)
	}
	out.Article.Body = text(doc, bodySelector)
	if out.Article.Body == nil {
		missing(FieldBody)
	}
	doc.Find(categoriesSelector).Each(func(_ int, s *goquery.Selection) {
		out.Article.Categories = append(out.Article.Categories, strings.TrimSpace(s.Text()))
	})
	if len(out.Article.Categories) == 0 {
		missing(FieldCategories)
	}
	return out, nil
}

func text(doc *goquery.Document, selector string) *string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	v := strings.TrimSpace(sel.Text())
	return &v
}

func attr(doc *goquery.Document, selector, name string) *string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	v, ok := sel.Attr(name)
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)
	return &v
}

func timestamp(doc *goquery.Document, selector, name string, loc *time.Location) *time.Time {
	raw := attr(doc, selector, name)
	if raw == nil || *raw == "" {
		return nil
	}
	t, err := time.ParseInLocation(articleTimeLayout, *raw, loc)
	if err != nil {
		return nil
	}
	return &t
}
