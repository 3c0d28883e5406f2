package a2a

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NonceStore records consumed (keyId, nonce) pairs. PutIfAbsent must be
// atomic across processes: exactly one caller gets true for a pair inside
// the TTL window; a repeat within the TTL is a replay.
type NonceStore interface {
	PutIfAbsent(ctx context.Context, keyID, nonce string, ttl time.Duration) (bool, error)
}

// SQLiteNonceStore is the embedded fallback for hosts without redis. The
// check-and-insert runs in an immediate transaction; expired rows are
// collected opportunistically on each call.
type SQLiteNonceStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteNonceStore creates the store and runs its migration.
func NewSQLiteNonceStore(db *sql.DB) (*SQLiteNonceStore, error) {
	s := &SQLiteNonceStore{db: db, clock: time.Now}
	query := `
	CREATE TABLE IF NOT EXISTS consumed_nonces (
		key_id TEXT NOT NULL,
		nonce TEXT NOT NULL,
		seen_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (key_id, nonce)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("a2a: migrate nonce store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteNonceStore) WithClock(clock func() time.Time) *SQLiteNonceStore {
	s.clock = clock
	return s
}

// PutIfAbsent records the pair unless a live record already exists.
func (s *SQLiteNonceStore) PutIfAbsent(ctx context.Context, keyID, nonce string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("a2a: begin nonce tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UTC()

	// Inline garbage collection keeps the table bounded by the TTL window.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM consumed_nonces WHERE expires_at <= ?`,
		now.Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("a2a: gc nonces: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM consumed_nonces WHERE key_id = ? AND nonce = ?`,
		keyID, nonce).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("a2a: read nonce: %w", err)
	}
	if exists > 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consumed_nonces (key_id, nonce, seen_at, expires_at) VALUES (?, ?, ?, ?)`,
		keyID, nonce, now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("a2a: record nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("a2a: commit nonce: %w", err)
	}
	return true, nil
}
