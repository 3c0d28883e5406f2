package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the server-database variant for deployments where
// multiple hosts share one gate. The claim in Begin relies on the unique
// key constraint: INSERT .. ON CONFLICT DO NOTHING admits exactly one
// winner, and the loser reads the existing row under a row lock.
type PostgresStore struct {
	db                *sql.DB
	stalePendingAfter time.Duration
	clock             func() time.Time
}

// OpenPostgres connects with the lib/pq driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(db *sql.DB, stalePendingAfter time.Duration) (*PostgresStore, error) {
	s := &PostgresStore{db: db, stalePendingAfter: stalePendingAfter, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		result JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// Begin claims the key or returns the existing record.
func (s *PostgresStore) Begin(ctx context.Context, key string) (bool, *Record, error) {
	now := s.clock().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, status, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, StatusPending, now)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: claim key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.scanRow(tx.QueryRowContext(ctx,
		`SELECT key, status, result, created_at, completed_at
		 FROM idempotency_records WHERE key = $1 FOR UPDATE`, key))
	if errors.Is(err, sql.ErrNoRows) {
		// Raced with a rollback; retry the claim once.
		return s.Begin(ctx, key)
	}
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: read record: %w", err)
	}

	if existing.Status == StatusPending && s.stalePendingAfter > 0 &&
		now.Sub(existing.CreatedAt) > s.stalePendingAfter {
		if _, err := tx.ExecContext(ctx,
			`UPDATE idempotency_records SET created_at = $1 WHERE key = $2 AND status = $3`,
			now, key, StatusPending); err != nil {
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
func (s *PostgresStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result)
}

// Fail records the terminal failure outcome.
func (s *PostgresStore) Fail(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusFailed, result)
}

func (s *PostgresStore) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = $1, result = $2, completed_at = $3
		 WHERE key = $4 AND status = $5`,
		status, string(result), s.clock().UTC(), key, StatusPending)
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
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND status = $2`,
		key, StatusPending); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) scanRow(row rowScanner) (*Record, error) {
	var (
		r           Record
		result      sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&r.Key, &r.Status, &result, &r.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		ts := completedAt.Time
		r.CompletedAt = &ts
	}
	return &r, nil
}
