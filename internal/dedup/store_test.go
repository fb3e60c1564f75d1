package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tesgw/internal/log"
	"github.com/mattjoyce/tesgw/internal/storage"
)

func newSQLiteStore(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	s := NewSQLiteStore(db, 0, log.Discard())
	s.Now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestSQLiteStoreClaimOnce(t *testing.T) {
	s, clock := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "msg-1", DefaultWindow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "msg-1", DefaultWindow)
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := s.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	clock.Advance(DefaultWindow)
	seen, err = s.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err = s.Claim(ctx, "msg-1", DefaultWindow)
	require.NoError(t, err)
	assert.True(t, ok, "expired id can be claimed again")
}

func TestSQLiteStorePrune(t *testing.T) {
	s, clock := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Claim(ctx, id, time.Minute)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, "d", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	seen, err := s.Seen(ctx, "d")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	s := NewSQLiteStore(db, 0, log.Discard())
	_, err = s.Claim(ctx, "msg-1", DefaultWindow)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err = storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	s = NewSQLiteStore(db, 0, log.Discard())
	defer s.Close()

	seen, err := s.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TESGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TESGW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer s.Close()

	id := uuid.NewString()
	ok, err := s.Claim(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := s.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisOptions{})
	assert.Error(t, err)
}
