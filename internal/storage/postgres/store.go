// Package postgres provides the Postgres-backed crawl queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the statement surface shared by the pool and an open transaction.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Begin(context.Context) (pgx.Tx, error)
}

type pool interface {
	querier
	Ping(context.Context) error
	Close()
}

// Store implements news.Store and news.Transactor on Postgres.
type Store struct {
	pool   pool
	db     querier
	schema string
	inTx   bool
	psql   sq.StatementBuilderType
}

var (
	_ news.Store      = (*Store)(nil)
	_ news.Transactor = (*Store)(nil)
)

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Schema)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema == "" {
		schema = "news"
	}
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	return &Store{
		pool:   p,
		db:     p,
		schema: schema,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil || s.inTx {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.inTx {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// WithinTx runs fn against a Store bound to a single transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx news.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{pool: s.pool, db: tx, schema: s.schema, inTx: true, psql: s.psql}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// ListYears returns registered years, newest first.
func (s *Store) ListYears(ctx context.Context) ([]news.Year, error) {
	query, args, err := s.psql.Select("year", "dates_queued").
		From(s.table("years")).
		OrderBy("year DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build years query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list years: %w", err)
	}
	defer rows.Close()

	var years []news.Year
	for rows.Next() {
		var y news.Year
		if err := rows.Scan(&y.Year, &y.DatesQueued); err != nil {
			return nil, fmt.Errorf("failed to scan year row: %w", err)
		}
		years = append(years, y)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate years: %w", err)
	}
	return years, nil
}

// AddYear registers a year. It reports false when the year already existed.
func (s *Store) AddYear(ctx context.Context, year int) (bool, error) {
	query, args, err := s.psql.Insert(s.table("years")).
		Columns("year").
		Values(year).
		Suffix("ON CONFLICT (year) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build year insert: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to add year %d: %w", year, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSectionPairs returns the section catalog.
func (s *Store) ListSectionPairs(ctx context.Context) ([]news.SectionPair, error) {
	query, args, err := s.psql.Select("sid1", "sid1_name", "sid2", "sid2_name").
		From(s.table("section_pairs")).
		OrderBy("sid1", "sid2").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build section query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list section pairs: %w", err)
	}
	defer rows.Close()

	var pairs []news.SectionPair
	for rows.Next() {
		var p news.SectionPair
		if err := rows.Scan(&p.SID1, &p.SID1Name, &p.SID2, &p.SID2Name); err != nil {
			return nil, fmt.Errorf("failed to scan section row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate section pairs: %w", err)
	}
	return pairs, nil
}

// CountDatePages counts date pages already queued for a year and pair.
func (s *Store) CountDatePages(ctx context.Context, year int, pair news.SectionPair) (int, error) {
	query, args, err := s.psql.Select("COUNT(*)").
		From(s.table("queue_date_pages")).
		Where("year = ? AND sid1 = ? AND sid2 = ?", year, pair.SID1, pair.SID2).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build date page count: %w", err)
	}
	var count int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count date pages: %w", err)
	}
	return count, nil
}

// InsertDatePages bulk-loads new date pages with COPY.
func (s *Store) InsertDatePages(ctx context.Context, pages []news.DatePage) error {
	if len(pages) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, []any{p.Key, p.Year, p.Date, p.SID1, p.SID2, false})
	}
	_, err := s.db.CopyFrom(
		ctx,
		pgx.Identifier{s.schema, "queue_date_pages"},
		[]string{"date_queue_id", "year", "date", "sid1", "sid2", "page_added"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy date pages: %w", err)
	}
	return nil
}

// PickPendingDatePage returns a random date page that has not been harvested.
func (s *Store) PickPendingDatePage(ctx context.Context) (news.DatePage, bool, error) {
	query, args, err := s.psql.Select(
		"date_queue_id", "year", "date", "sid1", "sid2", "page_added", "page_length", "news_count",
	).
		From(s.table("queue_date_pages")).
		Where("page_added = false").
		OrderBy("RANDOM()").
		Limit(1).
		ToSql()
	if err != nil {
		return news.DatePage{}, false, fmt.Errorf("build pending page query: %w", err)
	}
	var p news.DatePage
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&p.Key, &p.Year, &p.Date, &p.SID1, &p.SID2, &p.PageAdded, &p.PageLength, &p.LinkCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.DatePage{}, false, nil
		}
		return news.DatePage{}, false, fmt.Errorf("failed to pick date page: %w", err)
	}
	return p, true, nil
}

// SaveHarvest allocates per-year sequence numbers, copies the links in and marks the
// date page added, all in one transaction. The date page row is locked first; a
// page that is already added fails with news.ErrDatePageHarvested.
func (s *Store) SaveHarvest(ctx context.Context, page news.DatePage, links []news.LinkEntry, pageLength int) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx news.Store) error {
		return tx.(*Store).saveHarvest(ctx, page, links, pageLength)
	})
}

func (s *Store) saveHarvest(ctx context.Context, page news.DatePage, links []news.LinkEntry, pageLength int) error {
	if err := s.lockPendingDatePage(ctx, page.Key); err != nil {
		return err
	}
	if len(links) > 0 {
		var last int64
		err := s.db.QueryRow(
			ctx,
			fmt.Sprintf(`UPDATE %s SET last_seq = last_seq + $1 WHERE year = $2 RETURNING last_seq`, s.table("years")),
			int64(len(links)),
			page.Year,
		).Scan(&last)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("year %d: %w", page.Year, news.ErrYearNotFound)
			}
			return fmt.Errorf("allocate sequences: %w", err)
		}
		first := last - int64(len(links)) + 1
		rows := make([][]any, 0, len(links))
		for i, link := range links {
			rows = append(rows, []any{
				page.Year, first + int64(i), link.SID1, link.SID2, link.Date, link.URL, false, link.Added,
			})
		}
		_, err = s.db.CopyFrom(
			ctx,
			pgx.Identifier{s.schema, "queue_news"},
			[]string{"year", "news_year_id", "sid1", "sid2", "date", "url", "is_scraped", "added"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy links: %w", err)
		}
	}
	query, args, err := s.psql.Update(s.table("queue_date_pages")).
		Set("page_added", true).
		Set("page_length", pageLength).
		Set("news_count", len(links)).
		Where("date_queue_id = ? AND page_added = false", page.Key).
		ToSql()
	if err != nil {
		return fmt.Errorf("build date page update: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark date page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", page.Key, news.ErrDatePageHarvested)
	}
	return nil
}

// lockPendingDatePage locks the date page row for the rest of the transaction
// and checks that it has not been harvested yet.
func (s *Store) lockPendingDatePage(ctx context.Context, key string) error {
	query, args, err := s.psql.Select("page_added").
		From(s.table("queue_date_pages")).
		Where("date_queue_id = ?", key).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build date page lock: %w", err)
	}
	var added bool
	if err := s.db.QueryRow(ctx, query, args...).Scan(&added); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", key, news.ErrDatePageNotFound)
		}
		return fmt.Errorf("failed to lock date page: %w", err)
	}
	if added {
		return fmt.Errorf("%s: %w", key, news.ErrDatePageHarvested)
	}
	return nil
}

// ListUnassigned returns sequence numbers of links with no news id, ascending.
func (s *Store) ListUnassigned(ctx context.Context, year int) ([]int64, error) {
	query, args, err := s.psql.Select("news_year_id").
		From(s.table("queue_news")).
		Where("year = ? AND news_id IS NULL", year).
		OrderBy("news_year_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unassigned query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned links: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to scan unassigned link: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unassigned links: %w", err)
	}
	return seqs, nil
}

// AssignNewsIDs bulk-updates news ids through unnest.
func (s *Store) AssignNewsIDs(ctx context.Context, year int, ids map[int64]int64) error {
	if len(ids) == 0 {
		return nil
	}
	seqs := make([]int64, 0, len(ids))
	for seq := range ids {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	newsIDs := make([]int64, 0, len(seqs))
	for _, seq := range seqs {
		newsIDs = append(newsIDs, ids[seq])
	}
	query := fmt.Sprintf(`UPDATE %s AS q SET news_id = u.news_id
FROM unnest($2::bigint[], $3::bigint[]) AS u(news_year_id, news_id)
WHERE q.year = $1 AND q.news_year_id = u.news_year_id`, s.table("queue_news"))
	if _, err := s.db.Exec(ctx, query, year, seqs, newsIDs); err != nil {
		return fmt.Errorf("failed to assign news ids: %w", err)
	}
	return nil
}

// QueueStats summarizes the link queue of a year.
func (s *Store) QueueStats(ctx context.Context, year int) (news.QueueStats, error) {
	query, args, err := s.psql.Select(
		"y.year",
		"COUNT(q.news_year_id)",
		"COUNT(q.news_year_id) FILTER (WHERE NOT q.is_scraped)",
		"COUNT(q.news_year_id) FILTER (WHERE NOT q.is_scraped AND q.news_id IS NOT NULL)",
		"COUNT(q.news_year_id) FILTER (WHERE q.news_id IS NULL)",
	).
		From(s.table("years") + " y").
		LeftJoin(s.table("queue_news") + " q ON q.year = y.year").
		Where("y.year = ?", year).
		GroupBy("y.year").
		ToSql()
	if err != nil {
		return news.QueueStats{}, fmt.Errorf("build stats query: %w", err)
	}
	var stats news.QueueStats
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&stats.Year, &stats.Total, &stats.Unscraped, &stats.Ready, &stats.Unassigned,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.QueueStats{}, fmt.Errorf("year %d: %w", year, news.ErrYearNotFound)
		}
		return news.QueueStats{}, fmt.Errorf("failed to load queue stats: %w", err)
	}
	return stats, nil
}

// SampleReady returns up to size unscraped links with a news id, in random order.
func (s *Store) SampleReady(ctx context.Context, year int, size int) ([]news.LinkEntry, error) {
	if size <= 0 {
		return nil, nil
	}
	query, args, err := s.psql.Select(
		"year", "news_year_id", "news_id", "sid1", "sid2", "date", "url", "is_scraped", "added", "scraped",
	).
		From(s.table("queue_news")).
		Where("year = ? AND is_scraped = false AND news_id IS NOT NULL", year).
		OrderBy("RANDOM()").
		Limit(uint64(size)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sample query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample links: %w", err)
	}
	defer rows.Close()

	var entries []news.LinkEntry
	for rows.Next() {
		var e news.LinkEntry
		if err := rows.Scan(
			&e.Year, &e.Seq, &e.NewsID, &e.SID1, &e.SID2, &e.Date, &e.URL, &e.IsScraped, &e.Added, &e.Scraped,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return entries, nil
}

// ScrapedState reports the scraped flag of each existing sequence. Inside a
// transaction the rows stay locked until commit.
func (s *Store) ScrapedState(ctx context.Context, year int, seqs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(seqs))
	if len(seqs) == 0 {
		return out, nil
	}
	builder := s.psql.Select("news_year_id", "is_scraped").
		From(s.table("queue_news")).
		Where("year = ? AND news_year_id = ANY(?)", year, seqs)
	if s.inTx {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scraped state query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load scraped state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     int64
			scraped bool
		)
		if err := rows.Scan(&seq, &scraped); err != nil {
			return nil, fmt.Errorf("failed to scan scraped state: %w", err)
		}
		out[seq] = scraped
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scraped state: %w", err)
	}
	return out, nil
}

// InsertContent writes content rows with a single multi-row INSERT.
func (s *Store) InsertContent(ctx context.Context, year int, records []news.ContentRecord) error {
	if len(records) == 0 {
		return nil
	}
	builder := s.psql.Insert(s.table("data_news")).Columns(
		"year", "news_year_id", "news_id", "sid1", "sid2", "date", "page_url",
		"press", "title", "input_at", "modify_at", "writer", "body", "categories", "scraped",
	)
	for _, r := range records {
		a := r.Article
		builder = builder.Values(
			year, r.Seq, r.NewsID, r.SID1, r.SID2, r.Date, r.PageURL,
			a.Press, a.Title, a.Input, a.Modify, a.Writer, a.Body, a.Categories, r.Scraped,
		)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build content insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert content: %w", err)
	}
	return nil
}

// MarkScraped flags links as scraped at the given time.
func (s *Store) MarkScraped(ctx context.Context, year int, seqs []int64, at time.Time) error {
	return s.updateScraped(ctx, year, seqs, true, &at)
}

// ResetScraped clears the scraped flag for the given sequences.
func (s *Store) ResetScraped(ctx context.Context, year int, seqs []int64) error {
	return s.updateScraped(ctx, year, seqs, false, nil)
}

func (s *Store) updateScraped(ctx context.Context, year int, seqs []int64, scraped bool, at *time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args, err := s.psql.Update(s.table("queue_news")).
		Set("is_scraped", scraped).
		Set("scraped", at).
		Where("year = ? AND news_year_id = ANY(?)", year, seqs).
		ToSql()
	if err != nil {
		return fmt.Errorf("build scraped update: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update scraped flag: %w", err)
	}
	return nil
}

// DeleteContent removes content rows for the given sequences.
func (s *Store) DeleteContent(ctx context.Context, year int, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args, err := s.psql.Delete(s.table("data_news")).
		Where("year = ? AND news_year_id = ANY(?)", year, seqs).
		ToSql()
	if err != nil {
		return fmt.Errorf("build content delete: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}
