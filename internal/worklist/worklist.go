// Copyright Peton Labs, 2026. All rights reserved.

// Package worklist manages the review worklist and the tabular results
// store. The worklist is the operator-supplied list of studies to process;
// results are the extracted field values, one row per item and category,
// written idempotently so a re-extraction replaces rather than duplicates.
package worklist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

const defaultPath = "state/worklist.db"

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store manages the worklist SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the worklist database and its schema.
func Open(cfg types.WorklistConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating worklist directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening worklist database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating worklist schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS worklist (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			doi TEXT NOT NULL DEFAULT '',
			pmid TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			added_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			item_id TEXT NOT NULL,
			category TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			extracted_at TEXT NOT NULL,
			PRIMARY KEY (item_id, category, field)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_category ON results(category)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Add inserts items the worklist does not already hold. Returns how many
// rows were inserted.
func (s *Store) Add(ctx context.Context, items []types.WorkItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	added := 0
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		query, args, err := qb.Insert("worklist").
			Options("OR IGNORE").
			Columns("id", "title", "doi", "pmid", "url", "added_at").
			Values(item.ID, item.Title, item.DOI, item.PMID, item.URL, now).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("building insert for item %s: %w", item.ID, err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("adding item %s: %w", item.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("adding item %s: %w", item.ID, err)
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing worklist add: %w", err)
	}
	return added, nil
}

// Items returns the worklist in insertion order.
func (s *Store) Items(ctx context.Context) ([]types.WorkItem, error) {
	query, args, err := qb.Select("id", "title", "doi", "pmid", "url").
		From("worklist").
		OrderBy("rowid").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building worklist query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing worklist: %w", err)
	}
	defer rows.Close()

	var items []types.WorkItem
	for rows.Next() {
		var item types.WorkItem
		if err := rows.Scan(&item.ID, &item.Title, &item.DOI, &item.PMID, &item.URL); err != nil {
			return nil, fmt.Errorf("scanning worklist row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveResult upserts one extracted category for one item. Re-extraction
// replaces the stored values, so the store never holds duplicates.
func (s *Store) SaveResult(ctx context.Context, row types.ResultRow) error {
	if len(row.Fields) == 0 {
		return nil
	}
	extractedAt := row.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	fields := make([]string, 0, len(row.Fields))
	for field := range row.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	at := extractedAt.UTC().Format(time.RFC3339Nano)
	for _, field := range fields {
		query, args, err := qb.Insert("results").
			Columns("item_id", "category", "field", "value", "strategy", "extracted_at").
			Values(row.ItemID, row.Category, field, row.Fields[field], row.Strategy, at).
			Suffix(`ON CONFLICT(item_id, category, field) DO UPDATE SET
				value = excluded.value,
				strategy = excluded.strategy,
				extracted_at = excluded.extracted_at`).
			ToSql()
		if err != nil {
			return fmt.Errorf("building result upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("saving result %s/%s/%s: %w", row.ItemID, row.Category, field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}
	return nil
}

// Results returns stored result rows grouped per item and category,
// ordered by category then item. A non-empty category filters to that
// category.
func (s *Store) Results(ctx context.Context, category string) ([]types.ResultRow, error) {
	builder := qb.Select("item_id", "category", "field", "value", "strategy", "extracted_at").
		From("results").
		OrderBy("category", "item_id", "field")
	if category != "" {
		builder = builder.Where(sq.Eq{"category": category})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building results query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var out []types.ResultRow
	var current *types.ResultRow
	for rows.Next() {
		var itemID, cat, field, value, strat, at string
		if err := rows.Scan(&itemID, &cat, &field, &value, &strat, &at); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		if current == nil || current.ItemID != itemID || current.Category != cat {
			out = append(out, types.ResultRow{
				ItemID:   itemID,
				Category: cat,
				Fields:   make(map[string]string),
				Strategy: strat,
			})
			current = &out[len(out)-1]
			current.ExtractedAt, _ = time.Parse(time.RFC3339Nano, at)
		}
		current.Fields[field] = value
	}
	return out, rows.Err()
}

// Categories returns the distinct categories present in the results store.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	query, args, err := qb.Select("category").
		Distinct().
		From("results").
		OrderBy("category").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building categories query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var cats []string
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}
