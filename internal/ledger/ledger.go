// Copyright Peton Labs, 2026. All rights reserved.

// Package ledger is the durable per-item progress record backing resumable
// runs. Each work item moves pending -> fetching -> extracting -> done or
// failed; every transition is committed before the pipeline acts on it, so
// a crash at any point leaves a state a restart can interpret. Claims are
// guarded updates, which also keeps two processes sharing a ledger from
// double-processing an item.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

const defaultPath = "state/ledger.db"

// ErrNotFound reports a lookup for an item the ledger has never seen.
var ErrNotFound = errors.New("item not in ledger")

// Store manages the progress ledger SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger database and its schema. The busy
// timeout covers concurrent writers inside one process and an operator
// running status queries against a live ledger.
func Open(cfg types.LedgerConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			doi TEXT NOT NULL DEFAULT '',
			pmid TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			strategy TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_state ON items(state)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id TEXT NOT NULL REFERENCES items(id),
			source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_item ON attempts(item_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Record is one ledger row.
type Record struct {
	Item      types.WorkItem
	State     types.ItemState
	Strategy  types.Strategy
	ErrorKind types.ErrorKind
	Error     string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptRecord is one archived source attempt.
type AttemptRecord struct {
	Source    string
	Outcome   types.AttemptOutcome
	Detail    string
	CreatedAt time.Time
}

// Summary aggregates ledger state for status reporting.
type Summary struct {
	Total        int
	States       map[types.ItemState]int
	FailureKinds map[types.ErrorKind]int
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Seed inserts worklist items that the ledger has not seen before as
// pending. Existing rows, including terminal ones, are left untouched.
// Returns how many rows were inserted.
func (s *Store) Seed(ctx context.Context, items []types.WorkItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO items (id, title, doi, pmid, url, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing seed insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	now := timestamp()
	for _, item := range items {
		res, err := stmt.ExecContext(ctx,
			item.ID, item.Title, item.DOI, item.PMID, item.URL,
			string(types.StatePending), now, now)
		if err != nil {
			return 0, fmt.Errorf("seeding item %s: %w", item.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("seeding item %s: %w", item.ID, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing seed: %w", err)
	}
	return inserted, nil
}

// Claim moves a pending item to fetching and consumes one attempt. The
// guarded update makes the claim exclusive: false means another worker got
// there first or the item is no longer pending.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(types.StateFetching), timestamp(), id, string(types.StatePending))
	if err != nil {
		return false, fmt.Errorf("claiming item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming item %s: %w", id, err)
	}
	return n == 1, nil
}

// SetStrategy records the acquisition strategy chosen for a claimed item.
func (s *Store) SetStrategy(ctx context.Context, id string, strat types.Strategy) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET strategy = ?, updated_at = ? WHERE id = ?`,
		string(strat), timestamp(), id)
	if err != nil {
		return fmt.Errorf("recording strategy for item %s: %w", id, err)
	}
	return nil
}

// MarkExtracting moves a fetching item to extracting: its document is in
// hand and committed to the cache. Re-marking an extracting item is a no-op
// so an in-run retry can pass through the fetch phase again.
func (s *Store) MarkExtracting(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StateExtracting,
		`UPDATE items SET state = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)`,
		string(types.StateExtracting), timestamp(), id,
		string(types.StateFetching), string(types.StateExtracting))
}

// MarkDone moves an in-progress item to done and clears any recorded error.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StateDone,
		`UPDATE items SET state = ?, error_kind = '', error = '', updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(types.StateDone), timestamp(), id,
		string(types.StateFetching), string(types.StateExtracting))
}

// MarkFailed moves an in-progress item to failed with its error taxonomy
// kind and message, for later inspection and retry-failed sweeps.
func (s *Store) MarkFailed(ctx context.Context, id string, kind types.ErrorKind, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id, types.StateFailed,
		`UPDATE items SET state = ?, error_kind = ?, error = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(types.StateFailed), string(kind), msg, timestamp(), id,
		string(types.StateFetching), string(types.StateExtracting))
}

// Release returns an in-progress item to pending without consuming the
// attempt the claim charged. Used when an item is requeued rather than
// failed, e.g. on a rate-limit wait that timed out.
func (s *Store) Release(ctx context.Context, id string) error {
	return s.transition(ctx, id, types.StatePending,
		`UPDATE items SET state = ?, attempts = MAX(attempts - 1, 0), updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(types.StatePending), timestamp(), id,
		string(types.StateFetching), string(types.StateExtracting))
}

func (s *Store) transition(ctx context.Context, id string, to types.ItemState, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("moving item %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("moving item %s to %s: %w", id, to, err)
	}
	if n == 0 {
		return fmt.Errorf("moving item %s to %s: item not in an eligible state", id, to)
	}
	return nil
}

// RecoverAbandoned returns items stuck in an in-progress state to pending.
// Run this at process start: in-progress rows can only be leftovers of a
// run that died mid-item. Consumed attempts are kept.
func (s *Store) RecoverAbandoned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ? WHERE state IN (?, ?)`,
		string(types.StatePending), timestamp(),
		string(types.StateFetching), string(types.StateExtracting))
	if err != nil {
		return 0, fmt.Errorf("recovering abandoned items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovering abandoned items: %w", err)
	}
	return int(n), nil
}

// ResetFailed returns failed items to pending, clearing their recorded
// errors but keeping their attempt counts.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, error_kind = '', error = '', updated_at = ?
		 WHERE state = ?`,
		string(types.StatePending), timestamp(), string(types.StateFailed))
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	return int(n), nil
}

// RecordAttempt appends one source attempt to the item's audit trail.
func (s *Store) RecordAttempt(ctx context.Context, id string, att types.FetchAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (item_id, source, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, att.Source, string(att.Outcome), att.Detail, timestamp())
	if err != nil {
		return fmt.Errorf("recording attempt for item %s: %w", id, err)
	}
	return nil
}

// Attempts returns the item's source attempts in the order they happened.
func (s *Store) Attempts(ctx context.Context, id string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, outcome, detail, created_at FROM attempts
		 WHERE item_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for item %s: %w", id, err)
	}
	defer rows.Close()

	var atts []AttemptRecord
	for rows.Next() {
		var att AttemptRecord
		var outcome, created string
		if err := rows.Scan(&att.Source, &outcome, &att.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		att.Outcome = types.AttemptOutcome(outcome)
		att.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

const recordColumns = `id, title, doi, pmid, url, state, strategy, error_kind, error, attempts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var state, strat, kind, created, updated string
	err := row.Scan(&rec.Item.ID, &rec.Item.Title, &rec.Item.DOI, &rec.Item.PMID, &rec.Item.URL,
		&state, &strat, &kind, &rec.Error, &rec.Attempts, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	rec.State = types.ItemState(state)
	rec.Strategy = types.Strategy(strat)
	rec.ErrorKind = types.ErrorKind(kind)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

// Get returns one item's ledger row, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM items WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading item %s: %w", id, err)
	}
	return rec, nil
}

// List returns ledger rows in worklist order, filtered to one state when
// state is non-empty.
func (s *Store) List(ctx context.Context, state types.ItemState) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM items ORDER BY rowid`
	args := []any{}
	if state != "" {
		query = `SELECT ` + recordColumns + ` FROM items WHERE state = ? ORDER BY rowid`
		args = append(args, string(state))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Summary aggregates item counts by state and, for failed items, by error
// kind.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{
		States:       make(map[types.ItemState]int),
		FailureKinds: make(map[types.ErrorKind]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM items GROUP BY state`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Summary{}, fmt.Errorf("scanning state count: %w", err)
		}
		sum.States[types.ItemState(state)] = n
		sum.Total += n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	kindRows, err := s.db.QueryContext(ctx,
		`SELECT error_kind, COUNT(*) FROM items WHERE state = ? GROUP BY error_kind`,
		string(types.StateFailed))
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing failure kinds: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return Summary{}, fmt.Errorf("scanning failure kind count: %w", err)
		}
		sum.FailureKinds[types.ErrorKind(kind)] = n
	}
	return sum, kindRows.Err()
}
