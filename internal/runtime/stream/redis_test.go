package stream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/ids"
)

// redisClient connects to CONDUIT_REDIS_ADDR or skips the test.
func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("CONDUIT_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONDUIT_REDIS_ADDR not set, skipping redis integration test")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreRoundTrip(t *testing.T) {
	client := redisClient(t)
	s := NewRedisStore(client)
	ctx := context.Background()
	stream := "conduit_test:" + ids.CreateULID()
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	require.NoError(t, s.EnsureGroup(ctx, stream, "g"))
	assert.ErrorIs(t, s.EnsureGroup(ctx, stream, "g"), errspkg.ErrGroupExists)

	id, err := s.Append(ctx, stream, fields("payload"), 100)
	require.NoError(t, err)

	got, err := s.ReadGroup(ctx, stream, "g", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "payload", string(got[0].Fields[FieldData]))
	require.NoError(t, s.Ack(ctx, stream, "g", id))

	empty, err := s.ReadGroup(ctx, stream, "g", "c", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)

	ranged, err := s.Range(ctx, stream, "-", 0)
	require.NoError(t, err)
	assert.Len(t, ranged, 1)

	require.NoError(t, s.TrimBefore(ctx, stream, time.Now().Add(-time.Hour)))
}

func TestRedisStorePendingAndClaim(t *testing.T) {
	client := redisClient(t)
	s := NewRedisStore(client)
	ctx := context.Background()
	stream := "conduit_test:" + ids.CreateULID()
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	require.NoError(t, s.EnsureGroup(ctx, stream, "g"))
	id, err := s.Append(ctx, stream, fields("payload"), 0)
	require.NoError(t, err)
	_, err = s.ReadGroup(ctx, stream, "g", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)

	own, err := s.ReadPending(ctx, stream, "g", "c1", 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, id, own[0].ID)

	time.Sleep(20 * time.Millisecond)
	claimed, err := s.Claim(ctx, stream, "g", "c2", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "payload", string(claimed[0].Fields[FieldData]))

	empty, err := s.ReadPending(ctx, stream, "g", "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestToEntriesConvertsValues(t *testing.T) {
	entries := toEntries([]redis.XMessage{{
		ID:     "1-0",
		Values: map[string]any{"a": "text", "b": []byte("raw"), "c": 7},
	}})
	require.Len(t, entries, 1)
	assert.Equal(t, "text", string(entries[0].Fields["a"]))
	assert.Equal(t, "raw", string(entries[0].Fields["b"]))
	assert.Equal(t, "7", string(entries[0].Fields["c"]))
}
