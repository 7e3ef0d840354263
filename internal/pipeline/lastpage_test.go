package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
	"github.com/JakeFAU/news-queue-crawler/internal/portal"
)

func articles(page int, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("https://n.news.example/article/%d/%d?sid=101", page, i))
	}
	return out
}

func TestLastPage(t *testing.T) {
	manyLinks := append(numberedLinks(2, 10), pageLinks("다음", "맨뒤")...)
	tests := []struct {
		name     string
		jumpPage int
		pages    map[int]portal.Listing
		want     int
		wantErr  error
		calls    []int
	}{
		{
			name:  "no pagination means one page",
			pages: map[int]portal.Listing{1: {ArticleLinks: articles(1, 20)}},
			want:  1,
			calls: []int{1},
		},
		{
			name:  "short control uses largest label",
			pages: map[int]portal.Listing{1: {PageLinks: numberedLinks(2, 5), CurrentPage: 1}},
			want:  5,
			calls: []int{1},
		},
		{
			name:  "short control without numbers falls back to one",
			pages: map[int]portal.Listing{1: {PageLinks: pageLinks("이전", "다음")}},
			want:  1,
			calls: []int{1},
		},
		{
			name: "jump page indicator",
			pages: map[int]portal.Listing{
				1:   {PageLinks: manyLinks, CurrentPage: 1},
				999: {PageLinks: numberedLinks(31, 36), CurrentPage: 37},
			},
			want:  37,
			calls: []int{1, 999},
		},
		{
			name: "linear probe stops when a page repeats",
			pages: map[int]portal.Listing{
				1:   {PageLinks: manyLinks, ArticleLinks: articles(1, 20)},
				999: {PageLinks: manyLinks},
				2:   {PageLinks: manyLinks, ArticleLinks: articles(2, 20)},
				3:   {PageLinks: manyLinks, ArticleLinks: articles(3, 7)},
				4:   {PageLinks: manyLinks, ArticleLinks: articles(3, 7)},
			},
			want:  3,
			calls: []int{1, 999, 2, 3, 4},
		},
		{
			name:     "exhausted probe",
			jumpPage: 4,
			pages: map[int]portal.Listing{
				1: {PageLinks: manyLinks, ArticleLinks: articles(1, 20)},
				2: {PageLinks: manyLinks, ArticleLinks: articles(2, 20)},
				3: {PageLinks: manyLinks, ArticleLinks: articles(3, 20)},
				4: {PageLinks: manyLinks, ArticleLinks: articles(4, 20)},
			},
			wantErr: news.ErrLastPageNotFound,
			calls:   []int{1, 4, 2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listings := &fakeListings{pages: tt.pages}
			d := NewLastPageDiscoverer(listings, tt.jumpPage, nil)

			got, err := d.LastPage(context.Background(), testPair, "20240105")
			if tt.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			}
			require.Equal(t, tt.calls, listings.requested())
		})
	}
}

func TestLastPagePropagatesFetchErrors(t *testing.T) {
	listings := &fakeListings{errs: map[int]error{1: errInjected}}
	_, err := NewLastPageDiscoverer(listings, 0, nil).LastPage(context.Background(), testPair, "20240105")
	require.ErrorIs(t, err, errInjected)

	listings = &fakeListings{
		pages: map[int]portal.Listing{1: {PageLinks: numberedLinks(2, 12)}},
		errs:  map[int]error{DefaultJumpPage: errInjected},
	}
	_, err = NewLastPageDiscoverer(listings, 0, nil).LastPage(context.Background(), testPair, "20240105")
	require.ErrorIs(t, err, errInjected)
}

func TestLinkSetIgnoresOrderAndDuplicates(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, linkSet([]string{"b", "a", "b"}))
	require.Empty(t, linkSet(nil))
}
