package eventsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conduit/internal/runtime/cache"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/model"
	"github.com/drblury/conduit/internal/runtime/stream"
)

type counter struct {
	Total int `json:"total"`
	Count int `json:"count"`
}

type amount struct {
	Amount int `json:"amount"`
}

func counterReducer(state any, ev model.EventRecord) (any, error) {
	var c counter
	if err := DecodeState(state, &c); err != nil {
		return nil, err
	}
	var a amount
	if err := DecodeState(ev.Data, &a); err != nil {
		return nil, err
	}
	switch ev.Type {
	case "added":
		c.Total += a.Amount
	case "reset":
		c.Total = 0
	default:
		return nil, fmt.Errorf("unknown event %s", ev.Type)
	}
	c.Count++
	return c, nil
}

func rebuildCounter(t *testing.T, s *Store, id string) (counter, int) {
	t.Helper()
	state, version, err := s.Rebuild(context.Background(), id)
	require.NoError(t, err)
	var c counter
	require.NoError(t, DecodeState(state, &c))
	return c, version
}

func newStore(t *testing.T, streams stream.Store, opts ...Option) *Store {
	t.Helper()
	if streams == nil {
		streams = stream.NewMemoryStore()
	}
	s, err := New(streams, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRequiresStreams(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestAppendAssignsVersions(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	var recs []model.EventRecord
	for i := 1; i <= 3; i++ {
		rec, err := s.Append(ctx, "acct-1", "added", amount{Amount: i})
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	assert.Equal(t, 1, recs[0].Version)
	assert.Equal(t, 3, recs[2].Version)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	assert.Equal(t, "acct-1", recs[1].AggregateID)

	events, err := s.Events(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Version)
		assert.Equal(t, recs[i].ID, ev.ID)
	}

	tail, err := s.Events(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 2, tail[0].Version)

	other, err := s.Events(ctx, "acct-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = s.Append(ctx, "", "added", nil)
	assert.Error(t, err)
}

func TestVersionSurvivesNewStore(t *testing.T) {
	streams := stream.NewMemoryStore()
	ctx := context.Background()

	first := newStore(t, streams)
	_, err := first.Append(ctx, "acct", "added", amount{1})
	require.NoError(t, err)
	_, err = first.Append(ctx, "acct", "added", amount{2})
	require.NoError(t, err)

	second := newStore(t, streams)
	rec, err := second.Append(ctx, "acct", "added", amount{3})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
}

func TestConcurrentAppendsGetDistinctVersions(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Append(ctx, "acct", "added", amount{1})
		}()
	}
	wg.Wait()

	events, err := s.Events(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Version)
	}
}

func TestRebuildWithoutSnapshot(t *testing.T) {
	s := newStore(t, nil, WithReducer(counterReducer), WithSnapshotEvery(0))
	ctx := context.Background()

	for _, n := range []int{5, 7} {
		_, err := s.Append(ctx, "acct", "added", amount{n})
		require.NoError(t, err)
	}
	c, version := rebuildCounter(t, s, "acct")
	assert.Equal(t, counter{Total: 12, Count: 2}, c)
	assert.Equal(t, 2, version)

	_, ok, err := s.LatestSnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutomaticSnapshots(t *testing.T) {
	s := newStore(t, nil, WithReducer(counterReducer), WithSnapshotEvery(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, "acct", "added", amount{i})
		require.NoError(t, err)
	}

	snap, ok, err := s.LatestSnapshot(ctx, "acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, snap.Version)
	var atSnap counter
	require.NoError(t, DecodeState(snap.State, &atSnap))
	assert.Equal(t, counter{Total: 6, Count: 3}, atSnap)

	c, version := rebuildCounter(t, s, "acct")
	assert.Equal(t, counter{Total: 15, Count: 5}, c)
	assert.Equal(t, 5, version)
}

func TestRebuildStartsFromSnapshot(t *testing.T) {
	s := newStore(t, nil, WithReducer(counterReducer), WithSnapshotEvery(0))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "acct", "added", amount{1})
		require.NoError(t, err)
	}

	// A snapshot at version 2 with a distinct state proves events 1-2 are
	// not replayed.
	require.NoError(t, s.SaveSnapshot(ctx, model.Snapshot{
		AggregateID: "acct",
		State:       counter{Total: 100, Count: 2},
		Version:     2,
	}))
	c, version := rebuildCounter(t, s, "acct")
	assert.Equal(t, counter{Total: 101, Count: 3}, c)
	assert.Equal(t, 3, version)
}

func TestSaveSnapshotKeepsNewest(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, model.Snapshot{AggregateID: "a", State: "v5", Version: 5}))
	require.NoError(t, s.SaveSnapshot(ctx, model.Snapshot{AggregateID: "a", State: "v3", Version: 3}))

	snap, ok, err := s.LatestSnapshot(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, snap.Version)
	assert.Equal(t, "v5", snap.State)
	assert.False(t, snap.Timestamp.IsZero())

	assert.Error(t, s.SaveSnapshot(ctx, model.Snapshot{}))
}

func TestSnapshotsInSharedCache(t *testing.T) {
	shared := cache.NewMemoryCache(0)
	defer shared.Close()
	ctx := context.Background()

	s, err := New(stream.NewMemoryStore(), shared)
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, model.Snapshot{AggregateID: "a", Version: 1}))
	require.NoError(t, s.Close())

	found, err := shared.Get(ctx, "snapshot:a", nil)
	require.NoError(t, err)
	assert.True(t, found, "Close leaves a caller-owned cache alone")
}

func TestRebuildErrors(t *testing.T) {
	ctx := context.Background()

	plain := newStore(t, nil)
	_, _, err := plain.Rebuild(ctx, "acct")
	assert.ErrorIs(t, err, errspkg.ErrReducerRequired)

	s := newStore(t, nil, WithReducer(counterReducer), WithSnapshotEvery(0))
	_, err = s.Append(ctx, "acct", "mystery", nil)
	require.NoError(t, err)
	_, _, err = s.Rebuild(ctx, "acct")
	assert.ErrorContains(t, err, "unknown event mystery")
}

func TestReplay(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "acct", "added", amount{i})
		require.NoError(t, err)
	}

	var versions []int
	require.NoError(t, s.Replay(ctx, "acct", func(ev model.EventRecord) error {
		versions = append(versions, ev.Version)
		return nil
	}))
	assert.Equal(t, []int{1, 2, 3}, versions)

	stop := errors.New("stop")
	visited := 0
	err := s.Replay(ctx, "acct", func(model.EventRecord) error {
		visited++
		if visited == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, visited)
}

type recordingPublisher struct {
	mu    sync.Mutex
	msgs  []*model.Message
	fails bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg *model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails {
		return errors.New("bus down")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestAppendPublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	s := newStore(t, nil, WithPublisher(pub))

	rec, err := s.Append(context.Background(), "acct", "added", amount{4})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "events.added", msg.Topic)
	assert.Equal(t, rec.ID, msg.CorrelationID)
	assert.Equal(t, "acct", msg.Headers.String("aggregate_id"))
	assert.Equal(t, rec, msg.Payload)
}

func TestPublishFailureDoesNotFailAppend(t *testing.T) {
	s := newStore(t, nil, WithPublisher(&recordingPublisher{fails: true}))
	rec, err := s.Append(context.Background(), "acct", "added", amount{1})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}
