package repository

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthdata-platform/backend/internal/db"
	"healthdata-platform/backend/internal/db/migrate"
	"healthdata-platform/backend/internal/telemetry/domain"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func stepEntry(session string, ts time.Time, suffix string, expires time.Time) *domain.Entry {
	return &domain.Entry{
		PartitionKey: domain.PartitionKey(domain.EntryStep, "tenant-a", session),
		SortKey:      domain.SortKey(domain.EntryStep, ts, suffix),
		TenantID:     "tenant-a",
		SessionID:    session,
		EntryType:    domain.EntryStep,
		Timestamp:    ts,
		ExpiresAt:    expires,
		UserID:       "u1",
		Data:         json.RawMessage(`{"name":"validate"}`),
		PayloadSize:  19,
	}
}

// runContract exercises behavior every Repository must share. Entries expire relative to
// the wall clock because Redis expiry cannot be faked.
func runContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	session := uuid.NewString()
	live := time.Now().Add(time.Hour)

	t.Run("get missing", func(t *testing.T) {
		e, err := repo.Get(ctx, "STEP#tenant-a#nope", "STEP#x")
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("put get round trip", func(t *testing.T) {
		in := stepEntry(session, base, "aaaaaaaa", live)
		require.NoError(t, repo.Put(ctx, in))
		got, err := repo.Get(ctx, in.PartitionKey, in.SortKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, in.SessionID, got.SessionID)
		assert.Equal(t, domain.EntryStep, got.EntryType)
		assert.True(t, in.Timestamp.Equal(got.Timestamp))
		assert.JSONEq(t, string(in.Data), string(got.Data))
		assert.Equal(t, "u1", got.UserID)
		assert.Empty(t, got.OverflowKey)
	})

	t.Run("payload kept byte for byte", func(t *testing.T) {
		in := stepEntry(session, base, "cccccccc", live)
		in.Data = []byte(`{"z":1,"a":"nul\u0000here","n":1.50}`)
		require.NoError(t, repo.Put(ctx, in))
		got, err := repo.Get(ctx, in.PartitionKey, in.SortKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, string(in.Data), string(got.Data))
	})

	t.Run("put replaces", func(t *testing.T) {
		in := stepEntry(session, base, "bbbbbbbb", live)
		require.NoError(t, repo.Put(ctx, in))
		in.Data = nil
		in.OverflowKey = "telemetry/tenant-a/step/2026/05/01/" + session + "/bbbbbbbb.json"
		in.PayloadSize = 200000
		require.NoError(t, repo.Put(ctx, in))
		got, err := repo.Get(ctx, in.PartitionKey, in.SortKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, in.OverflowKey, got.OverflowKey)
		assert.Equal(t, 200000, got.PayloadSize)
		assert.Empty(t, got.Data)
	})

	t.Run("query is ascending and prefix scoped", func(t *testing.T) {
		s := uuid.NewString()
		pk := domain.PartitionKey(domain.EntryStep, "tenant-a", s)
		for i, off := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
			e := stepEntry(s, base.Add(off), "0000000"+string(rune('a'+i)), live)
			require.NoError(t, repo.Put(ctx, e))
		}
		other := stepEntry(s, base, "ffffffff", live)
		other.PartitionKey = domain.PartitionKey(domain.EntryStep, "tenant-b", s)
		require.NoError(t, repo.Put(ctx, other))

		got, err := repo.Query(ctx, pk, domain.SortKeyPrefix(domain.EntryStep))
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].SortKey, got[i].SortKey)
		}
		assert.True(t, got[0].Timestamp.Equal(base.Add(time.Second)))

		none, err := repo.Query(ctx, pk, domain.SortKeyPrefix(domain.EntryResult))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryRepository_Contract(t *testing.T) {
	runContract(t, NewMemoryRepository())
}

func TestMemoryRepository_Expiry(t *testing.T) {
	ctx := context.Background()
	now := base
	repo := NewMemoryRepository().WithClock(func() time.Time { return now })

	short := stepEntry("s1", base, "aaaaaaaa", base.Add(time.Hour))
	long := stepEntry("s1", base.Add(time.Second), "bbbbbbbb", base.Add(48*time.Hour))
	require.NoError(t, repo.Put(ctx, short))
	require.NoError(t, repo.Put(ctx, long))

	now = base.Add(2 * time.Hour)
	got, err := repo.Get(ctx, short.PartitionKey, short.SortKey)
	require.NoError(t, err)
	assert.Nil(t, got, "expired entries are hidden")

	list, err := repo.Query(ctx, short.PartitionKey, "STEP#")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, long.SortKey, list[0].SortKey)

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteExpired(ctx, base.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	in := stepEntry("s1", base, "aaaaaaaa", time.Now().Add(time.Hour))
	require.NoError(t, repo.Put(ctx, in))
	in.Data[2] = 'X'

	got, err := repo.Get(ctx, in.PartitionKey, in.SortKey)
	require.NoError(t, err)
	got.Data[2] = 'Y'
	again, err := repo.Get(ctx, in.PartitionKey, in.SortKey)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"validate"}`, string(again.Data))
}

func TestMemoryRepository_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := NewMemoryRepository()
	assert.ErrorIs(t, repo.Put(ctx, stepEntry("s1", base, "aaaaaaaa", base)), context.Canceled)
	_, err := repo.Query(ctx, "p", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostgresRepository_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, migrate.Run(dsn, migrate.Up, nil))
	conn, err := db.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo := NewPostgresRepository(conn)
	runContract(t, repo)

	ctx := context.Background()
	old := stepEntry(uuid.NewString(), base, "aaaaaaaa", time.Now().Add(-time.Minute))
	require.NoError(t, repo.Put(ctx, old))
	got, err := repo.Get(ctx, old.PartitionKey, old.SortKey)
	require.NoError(t, err)
	assert.Nil(t, got)
	n, err := repo.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestRedisRepository_Contract(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	repo := NewRedisRepository(client, "hdp:test:"+uuid.NewString()+":")
	runContract(t, repo)

	ctx := context.Background()
	gone := stepEntry(uuid.NewString(), base, "aaaaaaaa", time.Now().Add(-time.Minute))
	require.NoError(t, repo.Put(ctx, gone))
	got, err := repo.Get(ctx, gone.PartitionKey, gone.SortKey)
	require.NoError(t, err)
	assert.Nil(t, got)
}
