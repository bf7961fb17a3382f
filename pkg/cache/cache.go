// Package cache persists per-query page state so interrupted searches
// resume without re-fetching. It is the single durable store of the
// pipeline: queries, their fetched pages (raw response plus parsed
// records), and completion markers, all in one SQLite file running in WAL
// mode. Every page is written in its own transaction, so a crash mid-write
// leaves the previous page boundary intact.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver
	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/resilience"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// busyTimeout is how long SQLite waits on a locked database before
// reporting SQLITE_BUSY. Concurrent workers write distinct queries, so
// contention windows are short.
const busyTimeout = 5 * time.Second

// Registration carries everything that identifies a query in the cache.
type Registration struct {
	Source     string
	Query      string
	StartDate  time.Time
	EndDate    time.Time
	Limit      int
	ConfigJSON string
}

// QueryID returns the deterministic identity this registration hashes to.
func (r Registration) QueryID() string {
	return QueryID(r.Source, r.Query, r.StartDate, r.EndDate, r.Limit, r.ConfigJSON)
}

// QueryInfo is a snapshot of one cached query's progress.
type QueryInfo struct {
	QueryID    string    `json:"query_id"`
	Source     string    `json:"source"`
	Query      string    `json:"query"`
	Completed  bool      `json:"completed"`
	PageCount  int       `json:"page_count"`
	PaperCount int       `json:"paper_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cache is the durable page store. One instance is shared by all workers;
// writes for distinct queries may interleave freely.
type Cache struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (creating if necessary) the cache database at path, applies
// pending schema migrations, and returns the ready store.
func Open(path string, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=on",
		url.PathEscape(path), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("page cache opened")
	return &Cache{db: db, log: logger}, nil
}

func migrateSchema(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close flushes and closes the database. Safe to call once outstanding
// writes have finished.
func (c *Cache) Close() error {
	return c.db.Close()
}

// RegisterQuery stores the query row if it does not exist and returns its
// deterministic id. Registration is idempotent: re-registering the same
// parameters is a no-op that returns the same id.
func (c *Cache) RegisterQuery(ctx context.Context, reg Registration) (string, error) {
	queryID := reg.QueryID()
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queries
			(query_id, source, normalized_query, start_date, end_date, result_limit, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		queryID,
		reg.Source,
		NormalizeQuery(reg.Query),
		FormatDate(reg.StartDate),
		FormatDate(reg.EndDate),
		reg.Limit,
		reg.ConfigJSON,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", resilience.NewError(resilience.KindCache, reg.Source,
			fmt.Errorf("registering query: %w", err))
	}
	return queryID, nil
}

// NextPageToFetch returns the smallest page index not yet stored for the
// query, the pagination cursor the previous page handed back, or done=true
// when the query is marked completed. Pages are contiguous, so the next
// page is always max+1.
func (c *Cache) NextPageToFetch(ctx context.Context, queryID string) (next int, cursor string, done bool, err error) {
	var completed int
	err = c.db.QueryRowContext(ctx,
		`SELECT completed FROM queries WHERE query_id = ?`, queryID).Scan(&completed)
	if err == sql.ErrNoRows {
		return 0, "", false, resilience.Errorf(resilience.KindInternal, "",
			"query %s not registered", queryID)
	}
	if err != nil {
		return 0, "", false, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("reading query %s: %w", queryID, err))
	}
	if completed != 0 {
		return 0, "", true, nil
	}

	var (
		maxPage    sql.NullInt64
		nextCursor sql.NullString
	)
	err = c.db.QueryRowContext(ctx, `
		SELECT page_index, next_cursor FROM pages
		WHERE query_id = ?
		ORDER BY page_index DESC LIMIT 1`, queryID).Scan(&maxPage, &nextCursor)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("reading page state for %s: %w", queryID, err))
	}
	return int(maxPage.Int64) + 1, nextCursor.String, false, nil
}

// StorePage atomically stores one fetched page: the raw response blob,
// the cursor that continues pagination after it, and every parsed record,
// in a single transaction. Page indices must arrive in order; a gap is an
// invariant violation, not a cache failure.
func (c *Cache) StorePage(ctx context.Context, queryID string, pageIndex int, raw []byte, nextCursor string, papers []paper.Paper) error {
	for i := range papers {
		if err := papers[i].Validate(); err != nil {
			return resilience.NewError(resilience.KindParse, "",
				fmt.Errorf("record %d on page %d: %w", i, pageIndex, err))
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("beginning page transaction: %w", err))
	}
	defer tx.Rollback()

	var maxPage sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(page_index) FROM pages WHERE query_id = ?`, queryID).Scan(&maxPage); err != nil {
		return resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("checking page contiguity: %w", err))
	}
	expected := 0
	if maxPage.Valid {
		expected = int(maxPage.Int64) + 1
	}
	if pageIndex != expected {
		return resilience.Errorf(resilience.KindInternal, "",
			"page %d for query %s breaks contiguity (expected %d)", pageIndex, queryID, expected)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (query_id, page_index, raw_blob, next_cursor, paper_count, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		queryID, pageIndex, raw, nextCursor, len(papers), now); err != nil {
		return resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("inserting page %d: %w", pageIndex, err))
	}

	for i := range papers {
		blob, err := json.Marshal(&papers[i])
		if err != nil {
			return resilience.NewError(resilience.KindCache, "",
				fmt.Errorf("encoding record %s: %w", papers[i].PaperID, err))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO papers (query_id, page_index, paper_id, record_json)
			VALUES (?, ?, ?, ?)`,
			queryID, pageIndex, papers[i].PaperID, string(blob)); err != nil {
			return resilience.NewError(resilience.KindCache, "",
				fmt.Errorf("inserting record %s: %w", papers[i].PaperID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("committing page %d: %w", pageIndex, err))
	}

	c.log.WithFields(logrus.Fields{
		"query_id": queryID,
		"page":     pageIndex,
		"papers":   len(papers),
	}).Debug("page cached")
	return nil
}

// MarkCompleted sets the query's completion flag. Once set, no further
// pages may be fetched for this identity.
func (c *Cache) MarkCompleted(ctx context.Context, queryID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE queries SET completed = 1 WHERE query_id = ?`, queryID)
	if err != nil {
		return resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("marking %s completed: %w", queryID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resilience.Errorf(resilience.KindInternal, "",
			"marking unregistered query %s completed", queryID)
	}
	return nil
}

// PapersFor returns every cached record for the query in page order.
// Records are validated on the way out; a row that no longer decodes is a
// cache corruption, reported loudly.
func (c *Cache) PapersFor(ctx context.Context, queryID string) ([]paper.Paper, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT record_json FROM papers
		WHERE query_id = ?
		ORDER BY page_index, id`, queryID)
	if err != nil {
		return nil, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("reading records for %s: %w", queryID, err))
	}
	defer rows.Close()

	var papers []paper.Paper
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, resilience.NewError(resilience.KindCache, "",
				fmt.Errorf("scanning record: %w", err))
		}
		var p paper.Paper
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, resilience.NewError(resilience.KindCache, "",
				fmt.Errorf("decoding cached record for %s: %w", queryID, err))
		}
		if err := p.Validate(); err != nil {
			return nil, resilience.NewError(resilience.KindCache, "",
				fmt.Errorf("corrupt cached record %s: %w", p.PaperID, err))
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("iterating records for %s: %w", queryID, err))
	}
	return papers, nil
}

// RawPage returns the raw response blob stored for one page.
func (c *Cache) RawPage(ctx context.Context, queryID string, pageIndex int) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT raw_blob FROM pages WHERE query_id = ? AND page_index = ?`,
		queryID, pageIndex).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, resilience.Errorf(resilience.KindCache, "",
			"page %d of %s not cached", pageIndex, queryID)
	}
	if err != nil {
		return nil, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("reading page %d of %s: %w", pageIndex, queryID, err))
	}
	return blob, nil
}

// Info returns a progress snapshot for one registered query.
func (c *Cache) Info(ctx context.Context, queryID string) (QueryInfo, error) {
	var (
		info      QueryInfo
		completed int
		createdAt string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT query_id, source, normalized_query, completed, created_at
		FROM queries WHERE query_id = ?`, queryID).
		Scan(&info.QueryID, &info.Source, &info.Query, &completed, &createdAt)
	if err == sql.ErrNoRows {
		return QueryInfo{}, resilience.Errorf(resilience.KindInternal, "",
			"query %s not registered", queryID)
	}
	if err != nil {
		return QueryInfo{}, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("reading query %s: %w", queryID, err))
	}
	info.Completed = completed != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		info.CreatedAt = t
	}

	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE query_id = ?`, queryID).Scan(&info.PageCount); err != nil {
		return QueryInfo{}, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("counting pages for %s: %w", queryID, err))
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM papers WHERE query_id = ?`, queryID).Scan(&info.PaperCount); err != nil {
		return QueryInfo{}, resilience.NewError(resilience.KindCache, "",
			fmt.Errorf("counting records for %s: %w", queryID, err))
	}
	return info, nil
}
