package idempotency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db, 5*time.Minute)
	require.NoError(t, err)
	return s
}

func TestBeginClaimsNewKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Nil(t, existing)
}

func TestSecondBeginReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)

	isNew, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, existing)
	assert.Equal(t, StatusPending, existing.Status)
}

func TestCompleteStoresResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "key-1", json.RawMessage(`{"tx":"0xabc"}`)))

	isNew, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, existing)
	assert.Equal(t, StatusCompleted, existing.Status)
	assert.JSONEq(t, `{"tx":"0xabc"}`, string(existing.Result))
	require.NotNil(t, existing.CompletedAt)
}

func TestFailStoresError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, "key-1", json.RawMessage(`{"code":"CONNECTOR_FAILURE"}`)))

	_, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, StatusFailed, existing.Status)
}

func TestFinishRequiresPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Complete(ctx, "never-begun", json.RawMessage(`{}`)))

	_, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "key-1", json.RawMessage(`{}`)))
	// A second terminal write is refused.
	assert.Error(t, s.Fail(ctx, "key-1", json.RawMessage(`{}`)))
}

func TestStalePendingIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	now := start
	s.WithClock(func() time.Time { return now })

	isNew, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, isNew)

	// Within the stale threshold the holder keeps the claim.
	now = start.Add(time.Minute)
	isNew, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, existing)

	// Past the threshold the crashed holder is overridden.
	now = start.Add(6 * time.Minute)
	isNew, _, err = s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestReleaseDropsPendingOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "key-1"))

	// The key is claimable again.
	isNew, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, isNew)

	// Release never touches a finished record.
	require.NoError(t, s.Complete(ctx, "key-1", json.RawMessage(`{}`)))
	require.NoError(t, s.Release(ctx, "key-1"))
	_, existing, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, StatusCompleted, existing.Status)
}

func TestKeysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, _, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, _, err = s.Begin(ctx, "key-2")
	require.NoError(t, err)
	assert.True(t, isNew)
}
