package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

func fields(v string) map[string][]byte {
	return map[string][]byte{FieldData: []byte(v)}
}

func TestMemoryStoreIDsAreMonotonic(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := s.Append(ctx, "s", fields("a"), 0)
	require.NoError(t, err)
	b, err := s.Append(ctx, "s", fields("b"), 0)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", a)
	assert.Equal(t, "1700000000000-1", b)

	// A clock step backwards still yields increasing ids.
	s.now = func() time.Time { return fixed.Add(-time.Second) }
	c, err := s.Append(ctx, "s", fields("c"), 0)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-2", c)
}

func TestMemoryStoreGroupSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "s", fields("before"), 0)
	require.NoError(t, err)

	require.NoError(t, s.EnsureGroup(ctx, "s", "g"))
	assert.ErrorIs(t, s.EnsureGroup(ctx, "s", "g"), errspkg.ErrGroupExists)

	_, err = s.Append(ctx, "s", fields("after1"), 0)
	require.NoError(t, err)
	_, err = s.Append(ctx, "s", fields("after2"), 0)
	require.NoError(t, err)

	got, err := s.ReadGroup(ctx, "s", "g", "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "after1", string(got[0].Fields[FieldData]))

	got, err = s.ReadGroup(ctx, "s", "g", "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "after2", string(got[0].Fields[FieldData]))
	assert.Equal(t, 2, s.Pending("s", "g"))

	require.NoError(t, s.Ack(ctx, "s", "g", got[0].ID))
	assert.Equal(t, 1, s.Pending("s", "g"))

	got, err = s.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStorePendingAndClaim(t *testing.T) {
	s := NewMemoryStore()
	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "s", "g"))
	for _, v := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, "s", fields(v), 0)
		require.NoError(t, err)
	}
	_, err := s.ReadGroup(ctx, "s", "g", "c1", 2, 0)
	require.NoError(t, err)
	third, err := s.ReadGroup(ctx, "s", "g", "c2", 1, 0)
	require.NoError(t, err)
	require.Len(t, third, 1)

	own, err := s.ReadPending(ctx, "s", "g", "c1", 0)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, "a", string(own[0].Fields[FieldData]))
	assert.Equal(t, "b", string(own[1].Fields[FieldData]))

	// Re-reading refreshes c1's delivery time, so only c2's entry goes idle.
	clock = clock.Add(time.Minute)
	require.NoError(t, s.Ack(ctx, "s", "g", own[0].ID))
	_, err = s.ReadPending(ctx, "s", "g", "c1", 0)
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	claimed, err := s.Claim(ctx, "s", "g", "c3", 45*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, third[0].ID, claimed[0].ID)

	mine, err := s.ReadPending(ctx, "s", "g", "c3", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	gone, err := s.ReadPending(ctx, "s", "g", "c2", 0)
	require.NoError(t, err)
	assert.Empty(t, gone)

	// Trimmed entries drop out of the pending list on the next claim.
	require.NoError(t, s.TrimBefore(ctx, "s", clock.Add(time.Hour)))
	claimed, err = s.Claim(ctx, "s", "g", "c3", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Zero(t, s.Pending("s", "g"))

	_, err = s.ReadPending(ctx, "s", "missing", "c1", 0)
	assert.Error(t, err)
}

func TestMemoryStoreReadGroupBlocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "s", "g"))

	t.Run("times out empty", func(t *testing.T) {
		start := time.Now()
		got, err := s.ReadGroup(ctx, "s", "g", "c", 10, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})

	t.Run("wakes on append", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = s.Append(ctx, "s", fields("x"), 0)
		}()
		got, err := s.ReadGroup(ctx, "s", "g", "c", 10, time.Second)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("returns on cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.ReadGroup(cctx, "s", "g", "c", 10, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStoreUnknownGroup(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ReadGroup(context.Background(), "missing", "g", "c", 1, 0)
	assert.ErrorContains(t, err, "NOGROUP")

	_, err = s.Append(context.Background(), "s", fields("x"), 0)
	require.NoError(t, err)
	_, err = s.ReadGroup(context.Background(), "s", "g", "c", 1, 0)
	assert.ErrorContains(t, err, "NOGROUP")
}

func TestMemoryStoreRangeAndTrim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.UnixMilli(1_000_000)

	var ids []string
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return at }
		id, err := s.Append(ctx, "s", fields(string(rune('a'+i))), 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := s.Range(ctx, "s", "-", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	tail, err := s.Range(ctx, "s", ids[3], 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "d", string(tail[0].Fields[FieldData]))

	limited, err := s.Range(ctx, "s", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.Range(ctx, "s", "bogus", 0)
	assert.Error(t, err)

	require.NoError(t, s.TrimBefore(ctx, "s", base.Add(2*time.Second)))
	assert.Equal(t, 3, s.Len("s"))

	missing, err := s.Range(ctx, "nothing", "-", 0)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemoryStoreMaxLen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "s", fields("x"), 3)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Len("s"))
}

func TestMemoryStoreCopiesFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := fields("original")
	_, err := s.Append(ctx, "s", f, 0)
	require.NoError(t, err)
	f[FieldData][0] = 'X'

	got, err := s.Range(ctx, "s", "-", 0)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got[0].Fields[FieldData]))
}

func TestParseEntryID(t *testing.T) {
	id, err := parseEntryID("12-3")
	require.NoError(t, err)
	assert.Equal(t, entryID{ms: 12, seq: 3}, id)

	id, err = parseEntryID("12")
	require.NoError(t, err)
	assert.Equal(t, entryID{ms: 12}, id)

	_, err = parseEntryID("a-b")
	assert.Error(t, err)
	_, err = parseEntryID("1-b")
	assert.Error(t, err)
}
