package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store, sweeps bool) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		require.NoError(t, store.Record(ctx, Entry{Key: "user:a", Category: CategoryChat, Timestamp: ts, ExpiresAt: ts.Add(time.Minute)}))
	}
	require.NoError(t, store.Record(ctx, Entry{Key: "user:a", Category: CategoryExport, Timestamp: base, ExpiresAt: base.Add(time.Hour)}))

	n, err := store.Count(ctx, "user:a", CategoryChat, base)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = store.Count(ctx, "user:a", CategoryChat, base.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	oldest, ok, err := store.Oldest(ctx, "user:a", CategoryChat, base.Add(5*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, oldest.Equal(base.Add(10*time.Second)), "oldest=%s", oldest)

	_, ok, err = store.Oldest(ctx, "user:b", CategoryChat, base)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Prune(ctx, "user:a", CategoryChat, base.Add(15*time.Second)))
	n, err = store.Count(ctx, "user:a", CategoryChat, base)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.Count(ctx, "user:a", CategoryExport, base)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	if sweeps {
		deleted, err := store.Sweep(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)

		n, err = store.Count(ctx, "user:a", CategoryExport, base)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), true)
}

func TestSQLiteStoreContract(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "rate.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreContract(t, s, true)
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	s := NewRedisStore(client, "test")
	runStoreContract(t, s, false)

	ttl := mr.TTL("test:chat:user:a")
	require.Greater(t, ttl, time.Duration(0))
}

func TestRedisStoreAdmission(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s, err := DialRedisStore(ctx, &redis.Options{Addr: mr.Addr()}, "")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	a := NewAdmitter(s)
	for i := 0; i < 3; i++ {
		d, err := a.Admit(ctx, "user:u1", CategoryChat, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := a.Admit(ctx, "user:u1", CategoryChat, 3, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestSweeper(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Record(ctx, Entry{Key: "k", Category: CategoryGeneral, Timestamp: past, ExpiresAt: past.Add(time.Minute)}))
	require.NoError(t, store.Record(ctx, Entry{Key: "k", Category: CategoryGeneral, Timestamp: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}))

	sw := NewSweeper(store, time.Millisecond)
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, 1, store.Len())

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, sw.Run(runCtx))
}
