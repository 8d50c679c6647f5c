// Package urlstore is the URL State Store: a persistent keyed mapping from
// URL to processing status, used to deduplicate and track retries across
// runs. Adapted from the teacher's internal/db package — its Config/New/
// pool-sizing/Close() shape is kept, but the backing engine is swapped from
// the teacher's multi-tenant Postgres schema to a single-file SQLite
// database (modernc.org/sqlite, a pure-Go driver the teacher's own
// src/db-archive and src/db test suites already depend on for fixtures).
// WAL mode gives the single-writer-per-run durability the spec calls for
// without an external database process.
package urlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/observability"
	"github.com/prebidwatch/crawler/internal/pipeline"
)

// Status is the persisted processing status of a URL.
type Status string

const (
	StatusSuccess Status = "success"
	StatusNoData  Status = "no_data"
	StatusError   Status = "error"
	StatusRetry   Status = "retry"
)

// UrlRecord is the persisted row for one URL.
type UrlRecord struct {
	URL        string
	Status     Status
	Timestamp  time.Time
	ErrorCode  string
	RetryCount int
	HasPrebid  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Config controls how the store opens its backing file, grounded on the
// teacher's internal/db.Config shape (URL + pool sizing knobs).
type Config struct {
	// Path is the SQLite file path, e.g. "<data_root>/url-tracker.db". Use
	// "file::memory:" for an ephemeral in-process store in tests.
	Path string

	// MaxRetries bounds UrlRecord.RetryCount; outcomes that would exceed it
	// are recorded as permanent errors instead of further retries.
	MaxRetries int
}

// Store is the URL State Store. It owns a single *sql.DB with a small
// connection pool (SQLite tolerates one writer; readers can be concurrent
// under WAL), and a fixed set of prepared statements for the hot paths.
type Store struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger

	stmtIsProcessed *sql.Stmt
	stmtUpsert      *sql.Stmt
	stmtSelectByURL *sql.Stmt
}

// New opens (creating if necessary) the SQLite-backed store at cfg.Path,
// enables WAL mode, creates the schema if absent, and prepares the hot-path
// statements. Mirrors the teacher's internal/db.New: one function that
// returns a ready-to-use handle or a wrapped error.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("urlstore: open %s: %w", cfg.Path, err)
	}

	// SQLite tolerates exactly one writer; cap the pool so database/sql
	// doesn't hand out connections that would just serialize on the file
	// lock anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, cfg: cfg, log: log.With().Str("component", "urlstore").Logger()}

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("urlstore: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS processed_urls (
	url         TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	error_code  TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	has_prebid  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_urls_status ON processed_urls(status);
CREATE INDEX IF NOT EXISTS idx_processed_urls_timestamp ON processed_urls(timestamp);
CREATE INDEX IF NOT EXISTS idx_processed_urls_has_prebid ON processed_urls(has_prebid);
CREATE INDEX IF NOT EXISTS idx_processed_urls_status_timestamp ON processed_urls(status, timestamp);
CREATE INDEX IF NOT EXISTS idx_processed_urls_status_has_prebid ON processed_urls(status, has_prebid);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("urlstore: create schema: %w", err)
	}
	return nil
}

func (s *Store) prepare() error {
	var err error
	s.stmtIsProcessed, err = s.db.Prepare(
		`SELECT 1 FROM processed_urls WHERE url = ? AND status IN ('success', 'no_data') LIMIT 1`)
	if err != nil {
		return fmt.Errorf("urlstore: prepare is_processed: %w", err)
	}

	s.stmtSelectByURL, err = s.db.Prepare(
		`SELECT url, status, timestamp, error_code, retry_count, has_prebid, created_at, updated_at
		 FROM processed_urls WHERE url = ?`)
	if err != nil {
		return fmt.Errorf("urlstore: prepare select: %w", err)
	}

	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO processed_urls (url, status, timestamp, error_code, retry_count, has_prebid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			timestamp = excluded.timestamp,
			error_code = excluded.error_code,
			retry_count = excluded.retry_count,
			has_prebid = MAX(processed_urls.has_prebid, excluded.has_prebid),
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("urlstore: prepare upsert: %w", err)
	}

	return nil
}

// Close releases the store's prepared statements and backing connection.
func (s *Store) Close() error {
	if s.stmtIsProcessed != nil {
		s.stmtIsProcessed.Close()
	}
	if s.stmtUpsert != nil {
		s.stmtUpsert.Close()
	}
	if s.stmtSelectByURL != nil {
		s.stmtSelectByURL.Close()
	}
	return s.db.Close()
}

// IsProcessed reports whether url has a record with status success or
// no_data.
func (s *Store) IsProcessed(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.stmtIsProcessed.QueryRowContext(ctx, url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("urlstore: is_processed %s: %w", url, err)
	}
	return true, nil
}

// FilterUnprocessed returns the subsequence of urls that are not already
// processed, preserving input order. It runs the prepared is_processed
// lookup once per URL, all inside a single read-only transaction.
func (s *Store) FilterUnprocessed(ctx context.Context, urls []string) ([]string, error) {
	start := time.Now()
	if len(urls) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("urlstore: begin filter_unprocessed: %w", err)
	}
	defer tx.Rollback()

	processed := make(map[string]bool, len(urls))
	stmt := tx.StmtContext(ctx, s.stmtIsProcessed)
	defer stmt.Close()

	for _, u := range urls {
		var one int
		err := stmt.QueryRowContext(ctx, u).Scan(&one)
		switch {
		case err == nil:
			processed[u] = true
		case err == sql.ErrNoRows:
		default:
			return nil, fmt.Errorf("urlstore: filter_unprocessed scan %s: %w", u, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("urlstore: commit filter_unprocessed: %w", err)
	}

	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !processed[u] {
			out = append(out, u)
		}
	}

	observability.RecordStoreFilter(ctx, time.Since(start))
	return out, nil
}

// UpdateFromOutcomes applies a batch of outcomes atomically (all-or-nothing)
// per the §4.3 status-mapping rules, including the monotone has_prebid
// invariant and the transient-retry/permanent-error split driven by
// pipeline.Classify.
func (s *Store) UpdateFromOutcomes(ctx context.Context, outcomes []pipeline.Outcome) error {
	start := time.Now()
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("urlstore: begin update_from_outcomes: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.stmtUpsert)
	defer stmt.Close()
	selectStmt := tx.StmtContext(ctx, s.stmtSelectByURL)
	defer selectStmt.Close()

	now := pipeline.Now()
	nowStr := now.Format(time.RFC3339)

	for _, o := range outcomes {
		existing, err := s.lookupTx(ctx, selectStmt, o.URL)
		if err != nil {
			return err
		}

		rec := s.applyOutcome(existing, o, now)

		if _, err := stmt.ExecContext(ctx,
			rec.URL, string(rec.Status), rec.Timestamp.Format(time.RFC3339), rec.ErrorCode,
			rec.RetryCount, boolToInt(rec.HasPrebid), rec.CreatedAt.Format(time.RFC3339), nowStr,
		); err != nil {
			return fmt.Errorf("urlstore: upsert %s: %w", o.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("urlstore: commit update_from_outcomes: %w", err)
	}

	observability.RecordStoreBatch(ctx, time.Since(start), len(outcomes))
	return nil
}

func (s *Store) lookupTx(ctx context.Context, stmt *sql.Stmt, url string) (*UrlRecord, error) {
	var rec UrlRecord
	var ts, createdAt, updatedAt string
	var hasPrebid int
	err := stmt.QueryRowContext(ctx, url).Scan(
		&rec.URL, &rec.Status, &ts, &rec.ErrorCode, &rec.RetryCount, &hasPrebid, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("urlstore: lookup %s: %w", url, err)
	}
	rec.HasPrebid = hasPrebid != 0
	rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// applyOutcome computes the new record state for a single outcome against
// any existing record, per §4.3's status-mapping rules.
func (s *Store) applyOutcome(existing *UrlRecord, o pipeline.Outcome, now time.Time) UrlRecord {
	rec := UrlRecord{URL: o.URL, Timestamp: now, CreatedAt: now}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.HasPrebid = existing.HasPrebid
		rec.RetryCount = existing.RetryCount
	}

	switch o.Kind {
	case pipeline.OutcomeSuccess:
		rec.Status = StatusSuccess
		if o.PageData != nil && o.PageData.HasPrebid() {
			rec.HasPrebid = true
		}
	case pipeline.OutcomeNoData:
		rec.Status = StatusNoData
	case pipeline.OutcomeError:
		rec.ErrorCode = string(o.Code)
		if pipeline.IsPermanent(o.Code) {
			rec.Status = StatusError
		} else if rec.RetryCount < s.cfg.MaxRetries {
			rec.Status = StatusRetry
			rec.RetryCount++
		} else {
			rec.Status = StatusError
		}
	}

	return rec
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Stats returns the count of records per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processed_urls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("urlstore: stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("urlstore: scan stats row: %w", err)
		}
		out[Status(status)] = count
	}
	return out, rows.Err()
}

// Total returns the total number of records in the store.
func (s *Store) Total(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_urls`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("urlstore: total: %w", err)
	}
	return total, nil
}

// Reset clears all records from the store.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_urls`)
	if err != nil {
		return fmt.Errorf("urlstore: reset: %w", err)
	}
	return nil
}
