package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "news")
	require.NoError(t, err)
	return store, mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

func TestNewWithPoolValidatesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "news;drop")
	require.Error(t, err)
	_, err = NewWithPool(nil, "news")
	require.Error(t, err)
}

func TestListYearsNewestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT year, dates_queued FROM news.years ORDER BY year DESC")).
		WillReturnRows(pgxmock.NewRows([]string{"year", "dates_queued"}).
			AddRow(2024, false).
			AddRow(2023, true))

	years, err := store.ListYears(context.Background())
	require.NoError(t, err)
	require.Equal(t, []news.Year{{Year: 2024}, {Year: 2023, DatesQueued: true}}, years)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddYearReportsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(q("INSERT INTO news.years (year) VALUES ($1) ON CONFLICT (year) DO NOTHING")).
		WithArgs(2024).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := store.AddYear(context.Background(), 2024)
	require.NoError(t, err)
	require.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountDatePages(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM news.queue_date_pages WHERE year = $1 AND sid1 = $2 AND sid2 = $3")).
		WithArgs(2024, 101, 259).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(366))

	count, err := store.CountDatePages(context.Background(), 2024, news.SectionPair{SID1: 101, SID2: 259})
	require.NoError(t, err)
	require.Equal(t, 366, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDatePagesUsesCopy(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectCopyFrom(
		pgx.Identifier{"news", "queue_date_pages"},
		[]string{"date_queue_id", "year", "date", "sid1", "sid2", "page_added"},
	).WillReturnResult(2)

	err := store.InsertDatePages(context.Background(), []news.DatePage{
		{Key: "101-259-20240101", Year: 2024, Date: "20240101", SID1: 101, SID2: 259},
		{Key: "101-259-20240102", Year: 2024, Date: "20240102", SID1: 101, SID2: 259},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickPendingDatePageNone(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("WHERE page_added = false ORDER BY RANDOM() LIMIT 1")).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.PickPendingDatePage(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHarvestCommitsInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	added := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	page := news.DatePage{Key: "101-259-20240101", Year: 2024, Date: "20240101", SID1: 101, SID2: 259}
	links := []news.LinkEntry{
		{SID1: 101, SID2: 259, Date: "20240101", URL: "https://n.example/a?sid=101", Added: added},
		{SID1: 101, SID2: 259, Date: "20240101", URL: "https://n.example/b?sid=101", Added: added},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT page_added FROM news.queue_date_pages WHERE date_queue_id = $1 FOR UPDATE")).
		WithArgs(page.Key).
		WillReturnRows(pgxmock.NewRows([]string{"page_added"}).AddRow(false))
	mock.ExpectQuery(q("UPDATE news.years SET last_seq = last_seq + $1 WHERE year = $2 RETURNING last_seq")).
		WithArgs(int64(2), 2024).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(12)))
	mock.ExpectCopyFrom(
		pgx.Identifier{"news", "queue_news"},
		[]string{"year", "news_year_id", "sid1", "sid2", "date", "url", "is_scraped", "added"},
	).WillReturnResult(2)
	mock.ExpectExec(q("UPDATE news.queue_date_pages SET page_added = $1, page_length = $2, news_count = $3 WHERE date_queue_id = $4 AND page_added = false")).
		WithArgs(true, 3, 2, page.Key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveHarvest(context.Background(), page, links, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHarvestRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := news.DatePage{Key: "101-259-20240101", Year: 2024}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT page_added FROM news.queue_date_pages WHERE date_queue_id = $1 FOR UPDATE")).
		WithArgs(page.Key).
		WillReturnRows(pgxmock.NewRows([]string{"page_added"}).AddRow(false))
	mock.ExpectQuery(q("UPDATE news.years SET last_seq")).
		WithArgs(int64(1), 2024).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.SaveHarvest(context.Background(), page, []news.LinkEntry{{URL: "a"}}, 1)
	require.ErrorContains(t, err, "allocate sequences")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHarvestUnknownDatePage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := news.DatePage{Key: "101-259-20240101", Year: 2024}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT page_added FROM news.queue_date_pages")).
		WithArgs(page.Key).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.SaveHarvest(context.Background(), page, nil, 1)
	require.ErrorIs(t, err, news.ErrDatePageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHarvestRejectsHarvestedPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := news.DatePage{Key: "101-259-20240101", Year: 2024}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT page_added FROM news.queue_date_pages")).
		WithArgs(page.Key).
		WillReturnRows(pgxmock.NewRows([]string{"page_added"}).AddRow(true))
	mock.ExpectRollback()

	err := store.SaveHarvest(context.Background(), page, []news.LinkEntry{{URL: "a"}}, 1)
	require.ErrorIs(t, err, news.ErrDatePageHarvested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHarvestRollsBackCopyWhenPageWasMarked(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := news.DatePage{Key: "101-259-20240101", Year: 2024}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT page_added FROM news.queue_date_pages")).
		WithArgs(page.Key).
		WillReturnRows(pgxmock.NewRows([]string{"page_added"}).AddRow(false))
	mock.ExpectQuery(q("UPDATE news.years SET last_seq")).
		WithArgs(int64(1), 2024).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(1)))
	mock.ExpectCopyFrom(
		pgx.Identifier{"news", "queue_news"},
		[]string{"year", "news_year_id", "sid1", "sid2", "date", "url", "is_scraped", "added"},
	).WillReturnResult(1)
	mock.ExpectExec(q("WHERE date_queue_id = $4 AND page_added = false")).
		WithArgs(true, 1, 1, page.Key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.SaveHarvest(context.Background(), page, []news.LinkEntry{{URL: "a"}}, 1)
	require.ErrorIs(t, err, news.ErrDatePageHarvested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnassigned(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT news_year_id FROM news.queue_news WHERE year = $1 AND news_id IS NULL ORDER BY news_year_id")).
		WithArgs(2021).
		WillReturnRows(pgxmock.NewRows([]string{"news_year_id"}).AddRow(int64(7)).AddRow(int64(8)))

	seqs, err := store.ListUnassigned(context.Background(), 2021)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, seqs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignNewsIDsUsesUnnest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(q("UPDATE news.queue_news AS q SET news_id = u.news_id")).
		WithArgs(2021, []int64{7, 8}, []int64{202100000007, 202100000008}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	err := store.AssignNewsIDs(context.Background(), 2021, map[int64]int64{8: 202100000008, 7: 202100000007})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStatsUnknownYear(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("LEFT JOIN news.queue_news q ON q.year = y.year WHERE y.year = $1 GROUP BY y.year")).
		WithArgs(1999).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.QueueStats(context.Background(), 1999)
	require.ErrorIs(t, err, news.ErrYearNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleReadyScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	added := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	newsID := int64(202400000012)
	mock.ExpectQuery(q("WHERE year = $1 AND is_scraped = false AND news_id IS NOT NULL ORDER BY RANDOM() LIMIT 5")).
		WithArgs(2024).
		WillReturnRows(pgxmock.NewRows([]string{
			"year", "news_year_id", "news_id", "sid1", "sid2", "date", "url", "is_scraped", "added", "scraped",
		}).AddRow(2024, int64(12), &newsID, 101, 259, "20240101", "https://n.example/a", false, added, (*time.Time)(nil)))

	entries, err := store.SampleReady(context.Background(), 2024, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(12), entries[0].Seq)
	require.Equal(t, newsID, *entries[0].NewsID)
	require.Nil(t, entries[0].Scraped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScrapedStateLocksRowsInsideTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("WHERE year = $1 AND news_year_id = ANY($2) FOR UPDATE")).
		WithArgs(2024, []int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"news_year_id", "is_scraped"}).
			AddRow(int64(1), true).
			AddRow(int64(2), false))
	mock.ExpectCommit()

	var state map[int64]bool
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx news.Store) error {
		var err error
		state, err = tx.ScrapedState(ctx, 2024, []int64{1, 2})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, map[int64]bool{1: true, 2: false}, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertContentMultiRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	scraped := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	title := "headline"
	rec := news.ContentRecord{
		Year: 2024, Seq: 1, NewsID: 202400000001, SID1: 101, SID2: 259, Date: "20240101",
		PageURL: "https://n.example/final", Scraped: scraped,
		Article: news.Article{Title: &title, Categories: []string{"경제"}},
	}
	mock.ExpectExec(q("INSERT INTO news.data_news (year,news_year_id,news_id,sid1,sid2,date,page_url,press,title,input_at,modify_at,writer,body,categories,scraped) VALUES")).
		WithArgs(
			2024, int64(1), int64(202400000001), 101, 259, "20240101", "https://n.example/final",
			(*string)(nil), &title, (*time.Time)(nil), (*time.Time)(nil), (*string)(nil), (*string)(nil),
			[]string{"경제"}, scraped,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertContent(context.Background(), 2024, []news.ContentRecord{rec}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAndResetScraped(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(q("UPDATE news.queue_news SET is_scraped = $1, scraped = $2 WHERE year = $3 AND news_year_id = ANY($4)")).
		WithArgs(true, &at, 2024, []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(q("UPDATE news.queue_news SET is_scraped = $1, scraped = $2")).
		WithArgs(false, (*time.Time)(nil), 2024, []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(q("DELETE FROM news.data_news WHERE year = $1 AND news_year_id = ANY($2)")).
		WithArgs(2024, []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	ctx := context.Background()
	require.NoError(t, store.MarkScraped(ctx, 2024, []int64{1, 2}, at))
	require.NoError(t, store.ResetScraped(ctx, 2024, []int64{1, 2}))
	require.NoError(t, store.DeleteContent(ctx, 2024, []int64{1, 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}
