package a2a

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/storage"
)

func newSQLiteNonces(t *testing.T) *SQLiteNonceStore {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteNonceStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteNonceReplayWithinTTL(t *testing.T) {
	s := newSQLiteNonces(t)
	ctx := context.Background()

	fresh, err := s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestSQLiteNonceScopedByKeyID(t *testing.T) {
	s := newSQLiteNonces(t)
	ctx := context.Background()

	fresh, err := s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	// The same nonce under a different key id is a distinct pair.
	fresh, err = s.PutIfAbsent(ctx, "agent-2", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSQLiteNonceExpiresAfterTTL(t *testing.T) {
	s := newSQLiteNonces(t)
	ctx := context.Background()

	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	now := start
	s.WithClock(func() time.Time { return now })

	fresh, err := s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	now = start.Add(10 * time.Minute)
	fresh, err = s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Past the TTL the record is collected and the nonce may be reused.
	now = start.Add(16 * time.Minute)
	fresh, err = s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func newRedisNonces(t *testing.T) (*RedisNonceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNonceStore(client), mr
}

func TestRedisNonceReplay(t *testing.T) {
	s, _ := newRedisNonces(t)
	ctx := context.Background()

	fresh, err := s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestRedisNonceExpiry(t *testing.T) {
	s, mr := newRedisNonces(t)
	ctx := context.Background()

	fresh, err := s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	mr.FastForward(16 * time.Minute)

	fresh, err = s.PutIfAbsent(ctx, "agent-1", "nonce-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}
