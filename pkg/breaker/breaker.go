// Package breaker implements the per-scope failure-rate circuit breaker.
// Scopes are connector keys, so an outage on one connector never blocks
// unrelated connectors. State lives in the shared store database: every
// transition happens inside an immediate transaction, which is also how the
// half-open race is resolved — the first process to commit the claim owns
// the single trial, everyone else still sees the scope as unavailable.
package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is the breaker state for one scope.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the rolling window.
type Config struct {
	// FailureThreshold opens the scope once this many failures accumulate
	// within Window.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	// StaleTrialAfter bounds how long a half-open trial may stay
	// unresolved. A claim older than this is treated as a crashed holder
	// and reclaimed. Zero falls back to Cooldown.
	StaleTrialAfter time.Duration
}

// DefaultConfig matches the documented reference behavior: three failures
// in a minute, one minute of cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute}
}

// Snapshot is the stored state of one scope. ClaimedAt is set while a
// half-open trial is outstanding.
type Snapshot struct {
	Scope         string    `json:"scope"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	WindowStart   time.Time `json:"window_start"`
	CooldownUntil time.Time `json:"cooldown_until"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// Breaker gates attempts per scope.
type Breaker struct {
	db    *sql.DB
	cfg   Config
	clock func() time.Time
}

// New creates a breaker over the shared store database and runs its
// migration.
func New(db *sql.DB, cfg Config) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 || cfg.Window <= 0 || cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("breaker: threshold, window and cooldown must be positive")
	}
	if cfg.StaleTrialAfter <= 0 {
		cfg.StaleTrialAfter = cfg.Cooldown
	}
	b := &Breaker{db: db, cfg: cfg, clock: time.Now}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

func (b *Breaker) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS breaker_state (
		scope TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL,
		window_start TEXT NOT NULL,
		cooldown_until TEXT NOT NULL,
		claimed_at TEXT NOT NULL
	);`
	_, err := b.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("breaker: migrate: %w", err)
	}
	return nil
}

// CanAttempt reports whether the scope admits a new attempt. After cooldown
// it transitions open → half_open and admits exactly one trial: the claim
// is committed before returning, so concurrent callers observe half_open
// and are refused until the trial resolves.
func (b *Breaker) CanAttempt(ctx context.Context, scope string) (bool, error) {
	now := b.clock().UTC()
	allowed := false
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		snap, err := b.read(ctx, tx, scope)
		if err != nil {
			return err
		}
		switch snap.State {
		case StateClosed:
			allowed = true
			return nil
		case StateOpen:
			if now.Before(snap.CooldownUntil) {
				return nil
			}
			// Cooldown elapsed: claim the single half-open trial.
			allowed = true
			return b.write(ctx, tx, Snapshot{
				Scope:         scope,
				State:         StateHalfOpen,
				FailureCount:  snap.FailureCount,
				WindowStart:   snap.WindowStart,
				CooldownUntil: snap.CooldownUntil,
				ClaimedAt:     now,
			})
		case StateHalfOpen:
			// Another process owns the trial. A claim older than the stale
			// threshold means the holder crashed before resolving it; the
			// trial is reclaimed so the scope cannot wedge.
			if now.Sub(snap.ClaimedAt) < b.cfg.StaleTrialAfter {
				return nil
			}
			allowed = true
			snap.ClaimedAt = now
			return b.write(ctx, tx, *snap)
		}
		return fmt.Errorf("breaker: unknown state %q for scope %s", snap.State, scope)
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// RecordSuccess resets the scope to closed.
func (b *Breaker) RecordSuccess(ctx context.Context, scope string) error {
	now := b.clock().UTC()
	return b.inTx(ctx, func(tx *sql.Tx) error {
		return b.write(ctx, tx, Snapshot{
			Scope:       scope,
			State:       StateClosed,
			WindowStart: now,
		})
	})
}

// RecordFailure counts a failure in the rolling window. A failure during
// the half-open trial restarts the cooldown; reaching the threshold inside
// the window opens the scope.
func (b *Breaker) RecordFailure(ctx context.Context, scope string) error {
	now := b.clock().UTC()
	return b.inTx(ctx, func(tx *sql.Tx) error {
		snap, err := b.read(ctx, tx, scope)
		if err != nil {
			return err
		}

		if snap.State == StateHalfOpen {
			snap.State = StateOpen
			snap.CooldownUntil = now.Add(b.cfg.Cooldown)
			return b.write(ctx, tx, *snap)
		}

		if now.Sub(snap.WindowStart) >= b.cfg.Window {
			snap.FailureCount = 0
			snap.WindowStart = now
		}
		snap.FailureCount++
		if snap.FailureCount >= b.cfg.FailureThreshold {
			snap.State = StateOpen
			snap.CooldownUntil = now.Add(b.cfg.Cooldown)
		}
		return b.write(ctx, tx, *snap)
	})
}

// Inspect returns the current snapshot for a scope without mutating it.
func (b *Breaker) Inspect(ctx context.Context, scope string) (*Snapshot, error) {
	var snap *Snapshot
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		s, err := b.read(ctx, tx, scope)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Breaker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("breaker: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("breaker: commit: %w", err)
	}
	return nil
}

func (b *Breaker) read(ctx context.Context, tx *sql.Tx, scope string) (*Snapshot, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT scope, state, failure_count, window_start, cooldown_until, claimed_at
		 FROM breaker_state WHERE scope = ?`, scope)
	var (
		snap          Snapshot
		windowStart   string
		cooldownUntil string
		claimedAt     string
	)
	err := row.Scan(&snap.Scope, &snap.State, &snap.FailureCount, &windowStart, &cooldownUntil, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Snapshot{Scope: scope, State: StateClosed, WindowStart: b.clock().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker: read scope %s: %w", scope, err)
	}
	if snap.WindowStart, err = time.Parse(time.RFC3339Nano, windowStart); err != nil {
		return nil, fmt.Errorf("breaker: parse window_start: %w", err)
	}
	if snap.CooldownUntil, err = time.Parse(time.RFC3339Nano, cooldownUntil); err != nil {
		return nil, fmt.Errorf("breaker: parse cooldown_until: %w", err)
	}
	if snap.ClaimedAt, err = time.Parse(time.RFC3339Nano, claimedAt); err != nil {
		return nil, fmt.Errorf("breaker: parse claimed_at: %w", err)
	}
	return &snap, nil
}

func (b *Breaker) write(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO breaker_state (scope, state, failure_count, window_start, cooldown_until, claimed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			window_start = excluded.window_start,
			cooldown_until = excluded.cooldown_until,
			claimed_at = excluded.claimed_at`,
		snap.Scope, snap.State, snap.FailureCount,
		snap.WindowStart.UTC().Format(time.RFC3339Nano),
		snap.CooldownUntil.UTC().Format(time.RFC3339Nano),
		snap.ClaimedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("breaker: write scope %s: %w", snap.Scope, err)
	}
	return nil
}
