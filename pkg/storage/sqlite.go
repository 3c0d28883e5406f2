// Package storage opens the embedded database shared by the idempotency,
// breaker and nonce stores. Exclusivity across concurrent processes comes
// from sqlite's file locking: immediate transactions take the write lock at
// BEGIN, and busy_timeout bounds how long a contender waits for it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// BusyTimeoutMillis bounds lock waits so a crashed or slow holder cannot
// stall contenders forever.
const BusyTimeoutMillis = 5000

// OpenSQLite opens (or creates) the store database at path, creating the
// parent directory if needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create directory: %w", err)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, BusyTimeoutMillis,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between pooled
	// connections of the same process; cross-process contention is handled
	// by busy_timeout.
	db.SetMaxOpenConns(1)
	return db, nil
}
