/*
Package sqlite provides a SQLite-backed implementation of the allocation
storage interfaces.

PURPOSE:
  Persists allocation sources, user links, local users and sync run
  records. In production the same SQL applies to PostgreSQL with minor
  dialect differences.

INTERFACES IMPLEMENTED:
  allocation.Store:     Sources and user links
  allocation.UserStore: Local identities
  allocation.RunStore:  Sync run audit records

KEY TABLES:
  allocation_sources:      One row per external source_id (UNIQUE)
  user_allocation_sources: One row per (username, source_id) (UNIQUE)
  users:                   Local identities, listed by username
  sync_runs:               Batch job executions

ATOMIC GET-OR-CREATE:
  GetOrCreateSource and GetOrCreateUserSource use INSERT ... ON CONFLICT
  DO NOTHING followed by a SELECT, so concurrent syncs of the same key
  resolve in the database. RowsAffected tells whether this call created
  the row.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/allocations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/allocation-engine/allocation"
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
	// Each connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

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
	-- Allocation sources (one per external allocation id)
	CREATE TABLE IF NOT EXISTS allocation_sources (
		source_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		compute_allowed INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocation_sources_name
		ON allocation_sources(name);

	-- Users
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		email TEXT,
		date_joined TEXT NOT NULL
	);

	-- User links (get-or-create, never duplicated)
	CREATE TABLE IF NOT EXISTS user_allocation_sources (
		username TEXT NOT NULL,
		source_id TEXT NOT NULL REFERENCES allocation_sources(source_id),
		created_at TEXT NOT NULL,
		UNIQUE(username, source_id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_allocation_sources_source
		ON user_allocation_sources(source_id);

	-- Sync runs (batch job audit)
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		force_update BOOLEAN DEFAULT FALSE,
		processed INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_status
		ON sync_runs(status);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		ON sync_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ALLOCATION SOURCES (allocation.Store interface)
// =============================================================================

const sourceColumns = "source_id, name, compute_allowed, created_at, updated_at"

// GetSource retrieves a source by its external id. Returns nil if absent.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*allocation.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSource(ctx, sourceID)
}

func (s *Store) getSource(ctx context.Context, sourceID string) (*allocation.Source, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM allocation_sources WHERE source_id = ?",
		sourceID,
	)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// GetOrCreateSource inserts src unless its source_id already exists.
func (s *Store) GetOrCreateSource(ctx context.Context, src allocation.Source) (allocation.Source, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO allocation_sources (source_id, name, compute_allowed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING
	`, src.SourceID, src.Name, src.ComputeAllowed, now, now)
	if err != nil {
		return allocation.Source{}, false, fmt.Errorf("failed to insert source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return allocation.Source{}, false, err
	}

	stored, err := s.getSource(ctx, src.SourceID)
	if err != nil {
		return allocation.Source{}, false, err
	}
	if stored == nil {
		return allocation.Source{}, false, fmt.Errorf("source %s vanished after insert", src.SourceID)
	}
	return *stored, affected == 1, nil
}

// UpdateSource overwrites name and compute_allowed of an existing source.
func (s *Store) UpdateSource(ctx context.Context, src allocation.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE allocation_sources
		SET name = ?, compute_allowed = ?, updated_at = ?
		WHERE source_id = ?
	`, src.Name, src.ComputeAllowed, time.Now().UTC().Format(time.RFC3339), src.SourceID)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return allocation.ErrSourceNotFound
	}
	return nil
}

// ListSources returns all sources ordered by source_id.
func (s *Store) ListSources(ctx context.Context) ([]allocation.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+sourceColumns+" FROM allocation_sources ORDER BY source_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []allocation.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (allocation.Source, error) {
	var (
		src                  allocation.Source
		createdAt, updatedAt string
	)
	if err := row.Scan(&src.SourceID, &src.Name, &src.ComputeAllowed, &createdAt, &updatedAt); err != nil {
		return src, err
	}
	src.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	src.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return src, nil
}

// =============================================================================
// USER ALLOCATION SOURCES
// =============================================================================

// GetOrCreateUserSource links username to sourceID exactly once.
func (s *Store) GetOrCreateUserSource(ctx context.Context, username, sourceID string) (allocation.UserSource, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO user_allocation_sources (username, source_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username, source_id) DO NOTHING
	`, username, sourceID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isForeignKeyError(err) {
			return allocation.UserSource{}, false, allocation.ErrSourceNotFound
		}
		return allocation.UserSource{}, false, fmt.Errorf("failed to insert user source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return allocation.UserSource{}, false, err
	}

	var (
		link      allocation.UserSource
		createdAt string
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT username, source_id, created_at FROM user_allocation_sources WHERE username = ? AND source_id = ?",
		username, sourceID,
	).Scan(&link.Username, &link.SourceID, &createdAt)
	if err != nil {
		return allocation.UserSource{}, false, err
	}
	link.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return link, affected == 1, nil
}

// ListUserSources returns the links of one user ordered by source_id.
func (s *Store) ListUserSources(ctx context.Context, username string) ([]allocation.UserSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT username, source_id, created_at
		FROM user_allocation_sources
		WHERE username = ?
		ORDER BY source_id
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []allocation.UserSource
	for rows.Next() {
		var (
			link      allocation.UserSource
			createdAt string
		)
		if err := rows.Scan(&link.Username, &link.SourceID, &createdAt); err != nil {
			return nil, err
		}
		link.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

// =============================================================================
// USER STORE (allocation.UserStore interface)
// =============================================================================

// SaveUser saves a user.
func (s *Store) SaveUser(ctx context.Context, u allocation.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now().UTC()
	}

	query := `
		INSERT INTO users (username, email, date_joined)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			email = excluded.email
	`
	_, err := s.db.ExecContext(ctx, query, u.Username, nullString(u.Email), u.DateJoined.Format(time.RFC3339))
	return err
}

// GetUser retrieves a user by username. Returns nil if absent.
func (s *Store) GetUser(ctx context.Context, username string) (*allocation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u          allocation.User
		email      sql.NullString
		dateJoined string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT username, email, date_joined FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &email, &dateJoined)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.DateJoined, _ = time.Parse(time.RFC3339, dateJoined)
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]allocation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT username, email, date_joined FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []allocation.User
	for rows.Next() {
		var (
			u          allocation.User
			email      sql.NullString
			dateJoined string
		)
		if err := rows.Scan(&u.Username, &email, &dateJoined); err != nil {
			return nil, err
		}
		u.Email = email.String
		u.DateJoined, _ = time.Parse(time.RFC3339, dateJoined)
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// SYNC RUNS (allocation.RunStore interface)
// =============================================================================

// SaveSyncRun inserts or updates a sync run record.
func (s *Store) SaveSyncRun(ctx context.Context, r allocation.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if r.CompletedAt != nil {
		t := r.CompletedAt.Format(time.RFC3339)
		completedAt = &t
	}

	query := `
		INSERT INTO sync_runs
		(id, kind, status, force_update, processed, created, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			created = excluded.created,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.Kind), string(r.Status), r.ForceUpdate,
		r.Processed, r.Created, nullString(r.Error),
		r.StartedAt.Format(time.RFC3339), completedAt,
	)
	return err
}

// ListSyncRuns returns runs, newest first. An empty status returns all.
func (s *Store) ListSyncRuns(ctx context.Context, status string, limit int) ([]allocation.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, status, force_update, processed, created, error, started_at, completed_at
		FROM sync_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []allocation.SyncRun
	for rows.Next() {
		var (
			r           allocation.SyncRun
			kind        string
			runStatus   string
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &kind, &runStatus, &r.ForceUpdate, &r.Processed, &r.Created,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Kind = allocation.JobKind(kind)
		r.Status = allocation.RunStatus(runStatus)
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"user_allocation_sources", "allocation_sources", "users", "sync_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
