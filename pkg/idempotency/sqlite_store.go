package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists records in the embedded store database. The
// check-and-create in Begin runs inside an immediate transaction, which
// takes sqlite's write lock up front: concurrent Begin calls for the same
// key serialize on the file lock and exactly one wins.
type SQLiteStore struct {
	db *sql.DB

	// stalePendingAfter is the crash-recovery override: a pending record
	// older than this is treated as an abandoned holder and re-claimed.
	stalePendingAfter time.Duration

	clock func() time.Time
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB, stalePendingAfter time.Duration) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, stalePendingAfter: stalePendingAfter, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		result TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// Begin claims the key or returns the existing record.
func (s *SQLiteStore) Begin(ctx context.Context, key string) (bool, *Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UTC()

	existing, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT key, status, result, created_at, completed_at FROM idempotency_records WHERE key = ?`, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_records (key, status, created_at) VALUES (?, ?, ?)`,
			key, StatusPending, now.Format(time.RFC3339Nano)); err != nil {
			return false, nil, fmt.Errorf("idempotency: insert pending: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, nil, fmt.Errorf("idempotency: commit: %w", err)
		}
		return true, nil, nil
	case err != nil:
		return false, nil, fmt.Errorf("idempotency: read record: %w", err)
	}

	if existing.Status == StatusPending && s.stalePendingAfter > 0 &&
		now.Sub(existing.CreatedAt) > s.stalePendingAfter {
		// The previous holder crashed mid-flight; re-claim in place.
		if _, err := tx.ExecContext(ctx,
			`UPDATE idempotency_records SET created_at = ? WHERE key = ? AND status = ?`,
			now.Format(time.RFC3339Nano), key, StatusPending); err != nil {
			return false, nil, fmt.Errorf("idempotency: reclaim stale pending: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, nil, fmt.Errorf("idempotency: commit: %w", err)
		}
		return true, nil, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("idempotency: commit: %w", err)
	}
	return false, existing, nil
}

// Complete records the terminal success outcome.
func (s *SQLiteStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result)
}

// Fail records the terminal failure outcome.
func (s *SQLiteStore) Fail(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusFailed, result)
}

func (s *SQLiteStore) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, result = ?, completed_at = ?
		 WHERE key = ? AND status = ?`,
		status, string(result), now, key, StatusPending)
	if err != nil {
		return fmt.Errorf("idempotency: finish %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency: finish %s: %w", status, err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency: record %s is not pending", key)
	}
	return nil
}

// Release deletes a pending claim. Missing or finished records are a no-op.
func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND status = ?`,
		key, StatusPending); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r           Record
		result      sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&r.Key, &r.Status, &result, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = ts
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		r.CompletedAt = &ts
	}
	return &r, nil
}
