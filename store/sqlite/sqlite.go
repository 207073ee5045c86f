/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the count engine needs
  (count.Store, count.BatchStore, count.Catalog, count.SnapshotStore)
  using SQLite.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on count_entries
  - No DELETE statements on count_entries (Reset aside, dev only)
  - Corrections are new entries with the next sequence number

KEY TABLES:
  batches:         One row per count job, the only table with UPDATEs (state)
  batch_lines:     Expected line set from the catalog import
  count_entries:   Immutable log of count submissions
  batch_results:   Final authoritative totals, written once on confirm
  batch_snapshots: Cached views, replaced by the scheduler

INDEXES:
  - idx_count_entries_natural_key: UNIQUE (batch, article, lot, user, sequence),
    a violation means the entry is a duplicate and is reported as such
  - idx_count_entries_batch_user: per-user audit reads

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, like the rest of the store. The
  open-batch check and the insert of an entry run in one SQL transaction,
  and a transition updates the state with a WHERE on the expected state.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't block
  the single writer.

USAGE:
  store, err := sqlite.New("./data/count.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := count.NewEngine(store, count.EngineOptions{})

SEE ALSO:
  - count/store.go: Interface definitions
  - count/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/count-engine/count"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Count jobs
	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY,
		mode TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		warehouse TEXT NOT NULL DEFAULT '',
		area TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		section TEXT NOT NULL DEFAULT '',
		family TEXT NOT NULL DEFAULT '',
		grp TEXT NOT NULL DEFAULT '',
		assigned_user TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batches_state
		ON batches(state);

	-- Expected line set
	CREATE TABLE IF NOT EXISTS batch_lines (
		batch_id INTEGER NOT NULL REFERENCES batches(id),
		article_code TEXT NOT NULL,
		lot_code TEXT NOT NULL,
		conversion_factor TEXT NOT NULL,
		PRIMARY KEY (batch_id, article_code, lot_code)
	);

	-- Count entries (append-only log)
	CREATE TABLE IF NOT EXISTS count_entries (
		id TEXT PRIMARY KEY,
		batch_id INTEGER NOT NULL REFERENCES batches(id),
		article_code TEXT NOT NULL,
		lot_code TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		unit_kind TEXT NOT NULL,
		entered_quantity TEXT NOT NULL,
		conversion_factor TEXT NOT NULL,
		converted_quantity TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	-- CRITICAL: natural key of an entry. A violation is a duplicate.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_count_entries_natural_key
		ON count_entries(batch_id, article_code, lot_code, user_id, sequence_number);

	CREATE INDEX IF NOT EXISTS idx_count_entries_batch_user
		ON count_entries(batch_id, user_id);

	-- Final totals of confirmed batches
	CREATE TABLE IF NOT EXISTS batch_results (
		batch_id INTEGER NOT NULL REFERENCES batches(id),
		article_code TEXT NOT NULL,
		lot_code TEXT NOT NULL,
		total TEXT NOT NULL,
		counted BOOLEAN NOT NULL,
		implicit_zero BOOLEAN NOT NULL DEFAULT FALSE,
		entries INTEGER NOT NULL,
		users_json TEXT NOT NULL,
		PRIMARY KEY (batch_id, article_code, lot_code)
	);

	-- Cached views
	CREATE TABLE IF NOT EXISTS batch_snapshots (
		batch_id INTEGER PRIMARY KEY REFERENCES batches(id),
		id TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		taken_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRY LOG (count.Store interface)
// =============================================================================

// Append adds an entry to the log. The batch state check and the insert
// run in one transaction.
func (s *Store) Append(ctx context.Context, e count.Entry) (count.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	state, err := batchState(ctx, sqlTx, e.Key.Line.BatchID)
	if err != nil {
		return "", err
	}
	if !state.Open() {
		return "", &count.BatchLockedError{BatchID: e.Key.Line.BatchID, State: state}
	}

	if err := insertEntry(ctx, sqlTx, e); err != nil {
		if isUniqueConstraintError(err) {
			return count.AppendDuplicate, nil
		}
		return "", err
	}
	if err := sqlTx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit entry: %w", err)
	}
	return count.AppendAccepted, nil
}

func insertEntry(ctx context.Context, db execer, e count.Entry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO count_entries
		(id, batch_id, article_code, lot_code, user_id, sequence_number, unit_kind,
		 entered_quantity, conversion_factor, converted_quantity, submitted_at,
		 device_id, origin, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		id,
		e.Key.Line.BatchID,
		e.Key.Line.ArticleCode,
		e.Key.Line.LotCode,
		e.Key.UserID,
		e.Key.Sequence,
		e.UnitKind,
		e.EnteredQuantity.String(),
		e.ConversionFactor.String(),
		e.ConvertedQuantity.String(),
		formatTime(e.SubmittedAt),
		e.DeviceID,
		e.Origin,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return err
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

const entryColumns = `
	id, batch_id, article_code, lot_code, user_id, sequence_number, unit_kind,
	entered_quantity, conversion_factor, converted_quantity, submitted_at,
	device_id, origin`

// LineEntries returns all entries of one line.
func (s *Store) LineEntries(ctx context.Context, line count.LineKey) ([]count.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT` + entryColumns + `
		FROM count_entries
		WHERE batch_id = ? AND article_code = ? AND lot_code = ?
		ORDER BY sequence_number ASC, submitted_at ASC, user_id ASC
	`
	return queryEntries(ctx, s.db, query, line.BatchID, line.ArticleCode, line.LotCode)
}

// BatchEntries returns all entries of a batch.
func (s *Store) BatchEntries(ctx context.Context, id count.BatchID) ([]count.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return batchEntries(ctx, s.db, id)
}

func batchEntries(ctx context.Context, db querier, id count.BatchID) ([]count.Entry, error) {
	query := `SELECT` + entryColumns + `
		FROM count_entries
		WHERE batch_id = ?
		ORDER BY article_code ASC, lot_code ASC, sequence_number ASC, submitted_at ASC, user_id ASC
	`
	return queryEntries(ctx, db, query, id)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]count.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []count.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (count.Entry, error) {
	var (
		e           count.Entry
		entered     string
		factor      string
		converted   string
		submittedAt string
	)

	err := rows.Scan(
		&e.ID, &e.Key.Line.BatchID, &e.Key.Line.ArticleCode, &e.Key.Line.LotCode,
		&e.Key.UserID, &e.Key.Sequence, &e.UnitKind,
		&entered, &factor, &converted, &submittedAt,
		&e.DeviceID, &e.Origin,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.EnteredQuantity, err = count.ParseQuantity(entered); err != nil {
		return e, err
	}
	if e.ConversionFactor, err = count.ParseQuantity(factor); err != nil {
		return e, err
	}
	if e.ConvertedQuantity, err = count.ParseQuantity(converted); err != nil {
		return e, err
	}
	e.SubmittedAt = parseTime(submittedAt)
	return e, nil
}

// =============================================================================
// BATCHES (count.BatchStore interface)
// =============================================================================

// CreateBatch stores a batch and its expected lines atomically.
func (s *Store) CreateBatch(ctx context.Context, b count.Batch, lines []count.ExpectedLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO batches
		(id, mode, branch, warehouse, area, department, section, family, grp,
		 assigned_user, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = sqlTx.ExecContext(ctx, query,
		b.ID, b.Mode,
		b.Scope.Branch, b.Scope.Warehouse, b.Scope.Area, b.Scope.Department,
		b.Scope.Section, b.Scope.Family, b.Scope.Group,
		b.AssignedUser, b.State,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %d", count.ErrBatchExists, b.ID)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}

	for _, l := range lines {
		_, err := sqlTx.ExecContext(ctx,
			`INSERT INTO batch_lines (batch_id, article_code, lot_code, conversion_factor) VALUES (?, ?, ?, ?)`,
			b.ID, l.Key.ArticleCode, l.Key.LotCode, l.ConversionFactor.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save batch line %s: %w", l.Key, err)
		}
	}

	return sqlTx.Commit()
}

const batchColumns = `
	id, mode, branch, warehouse, area, department, section, family, grp,
	assigned_user, state, created_at, updated_at, closed_at`

// GetBatch returns a batch or ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, id count.BatchID) (*count.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT`+batchColumns+` FROM batches WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d", count.ErrBatchNotFound, id)
	}
	b, err := scanBatch(rows)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatches returns batches ordered by id, optionally filtered by state.
func (s *Store) ListBatches(ctx context.Context, states ...count.State) ([]count.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT` + batchColumns + ` FROM batches`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []count.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(rows *sql.Rows) (count.Batch, error) {
	var (
		b         count.Batch
		createdAt string
		updatedAt string
		closedAt  sql.NullString
	)
	err := rows.Scan(
		&b.ID, &b.Mode,
		&b.Scope.Branch, &b.Scope.Warehouse, &b.Scope.Area, &b.Scope.Department,
		&b.Scope.Section, &b.Scope.Family, &b.Scope.Group,
		&b.AssignedUser, &b.State, &createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		b.ClosedAt = &t
	}
	return b, nil
}

func batchState(ctx context.Context, db querier, id count.BatchID) (count.State, error) {
	var state count.State
	err := db.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", count.ErrBatchNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read batch state: %w", err)
	}
	return state, nil
}

// Transition applies a lifecycle step in one SQL transaction.
func (s *Store) Transition(ctx context.Context, t count.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	state, err := batchState(ctx, sqlTx, t.BatchID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return &count.BatchLockedError{BatchID: t.BatchID, State: state}
	}
	if state != t.From {
		return fmt.Errorf("%w: batch %d is %s, expected %s", count.ErrConcurrentModification, t.BatchID, state, t.From)
	}

	var writes count.TransitionWrites
	if t.Prepare != nil {
		entries, err := batchEntries(ctx, sqlTx, t.BatchID)
		if err != nil {
			return err
		}
		if writes, err = t.Prepare(entries); err != nil {
			return err
		}
	}

	for _, e := range writes.Entries {
		if err := insertEntry(ctx, sqlTx, e); err != nil {
			return fmt.Errorf("failed to write implicit entry %s: %w", e.Key, err)
		}
	}
	for _, r := range writes.Results {
		if err := insertResult(ctx, sqlTx, t.BatchID, r); err != nil {
			return err
		}
	}

	var closedAt sql.NullString
	if t.To.Terminal() {
		closedAt = sql.NullString{String: formatTime(t.At), Valid: true}
	}
	res, err := sqlTx.ExecContext(ctx,
		`UPDATE batches SET state = ?, updated_at = ?, closed_at = ? WHERE id = ? AND state = ?`,
		t.To, formatTime(t.At), closedAt, t.BatchID, t.From,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: batch %d left %s", count.ErrConcurrentModification, t.BatchID, t.From)
	}

	return sqlTx.Commit()
}

func insertResult(ctx context.Context, db execer, id count.BatchID, r count.LineTotal) error {
	users := r.Users
	if users == nil {
		users = []count.UserID{}
	}
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO batch_results
		(batch_id, article_code, lot_code, total, counted, implicit_zero, entries, users_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, r.Key.ArticleCode, r.Key.LotCode, r.Total.String(), r.Counted, r.ImplicitZero, r.Entries, string(usersJSON))
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", r.Key, err)
	}
	return nil
}

// Results returns the final totals of a confirmed batch.
func (s *Store) Results(ctx context.Context, id count.BatchID) ([]count.LineTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT article_code, lot_code, total, counted, implicit_zero, entries, users_json
		FROM batch_results
		WHERE batch_id = ?
		ORDER BY article_code ASC, lot_code ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []count.LineTotal
	for rows.Next() {
		var (
			r         count.LineTotal
			total     string
			usersJSON string
		)
		r.Key.BatchID = id
		if err := rows.Scan(&r.Key.ArticleCode, &r.Key.LotCode, &total, &r.Counted, &r.ImplicitZero, &r.Entries, &usersJSON); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if r.Total, err = count.ParseQuantity(total); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(usersJSON), &r.Users); err != nil {
			return nil, fmt.Errorf("failed to decode result users: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// =============================================================================
// CATALOG (count.Catalog interface)
// =============================================================================

// ExpectedLines returns the imported line set of a batch.
func (s *Store) ExpectedLines(ctx context.Context, id count.BatchID) ([]count.ExpectedLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT article_code, lot_code, conversion_factor
		FROM batch_lines
		WHERE batch_id = ?
		ORDER BY article_code ASC, lot_code ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch lines: %w", err)
	}
	defer rows.Close()

	var lines []count.ExpectedLine
	for rows.Next() {
		var (
			l      count.ExpectedLine
			factor string
		)
		l.Key.BatchID = id
		if err := rows.Scan(&l.Key.ArticleCode, &l.Key.LotCode, &factor); err != nil {
			return nil, fmt.Errorf("failed to scan batch line: %w", err)
		}
		if l.ConversionFactor, err = count.ParseQuantity(factor); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// SNAPSHOTS (count.SnapshotStore interface)
// =============================================================================

// SaveSnapshot replaces the cached view of a batch.
func (s *Store) SaveSnapshot(ctx context.Context, snap count.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_snapshots (batch_id, id, snapshot_json, taken_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			id = excluded.id,
			snapshot_json = excluded.snapshot_json,
			taken_at = excluded.taken_at
	`, snap.BatchID, snap.ID, string(data), formatTime(snap.TakenAt))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns nil, nil when the batch has no snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, id count.BatchID) (*count.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM batch_snapshots WHERE batch_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap count.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Only for demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"batch_snapshots", "batch_results", "count_entries", "batch_lines", "batches"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
