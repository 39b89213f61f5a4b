// Package eventsource keeps append-only per-aggregate event logs on a stream
// store, with periodic snapshots held in a cache.
//
// Events and snapshots round-trip through JSON, so reducers see JSON-shaped
// state (maps, float64, strings) after a snapshot restore. DecodeState
// converts such values into a typed struct.
package eventsource

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/drblury/conduit/internal/runtime/cache"
	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/ids"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/model"
	"github.com/drblury/conduit/internal/runtime/stream"
)

const (
	streamPrefix   = "events:"
	snapshotPrefix = "snapshot:"
	topicPrefix    = "events."

	fieldEventID   = "event_id"
	fieldEventType = "type"
	fieldVersion   = "version"
)

// Reducer folds one event into the aggregate state. state is nil before the
// first event.
type Reducer func(state any, event model.EventRecord) (any, error)

// EventPublisher announces appended events. The ServiceBus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, msg *model.Message) error
}

// Option customises a Store.
type Option func(*Store)

func WithReducer(r Reducer) Option {
	return func(s *Store) { s.reducer = r }
}

// WithSnapshotEvery snapshots an aggregate every n events. n <= 0 disables
// automatic snapshots.
func WithSnapshotEvery(n int) Option {
	return func(s *Store) { s.snapshotEvery = n }
}

// WithPublisher publishes every appended event to "events.{type}".
func WithPublisher(p EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(s *Store) { s.logger = logging.OrNop(log) }
}

// Store is safe for concurrent use within one process. Versions are assigned
// under a per-aggregate lock; concurrent writers in other processes are not
// coordinated.
type Store struct {
	streams       stream.Store
	snapshots     cache.Cache
	ownsSnapshots bool
	reducer       Reducer
	snapshotEvery int
	publisher     EventPublisher
	logger        logging.ServiceLogger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	versions map[string]int
}

// New builds a Store. A nil snapshots cache selects an in-memory cache owned
// by the store and released by Close.
func New(streams stream.Store, snapshots cache.Cache, opts ...Option) (*Store, error) {
	if streams == nil {
		return nil, errspkg.ErrStoreRequired
	}
	s := &Store{
		streams:       streams,
		snapshots:     snapshots,
		snapshotEvery: config.DefaultSnapshotEvery,
		logger:        logging.NopLogger(),
		locks:         make(map[string]*sync.Mutex),
		versions:      make(map[string]int),
	}
	if s.snapshots == nil {
		s.snapshots = cache.NewMemoryCache(0)
		s.ownsSnapshots = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the snapshot cache when the store created it.
func (s *Store) Close() error {
	if mc, ok := s.snapshots.(*cache.MemoryCache); ok && s.ownsSnapshots {
		return mc.Close()
	}
	return nil
}

func (s *Store) aggregateLock(aggregateID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[aggregateID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[aggregateID] = l
	}
	return l
}

// Append records an event as the next version of aggregateID.
func (s *Store) Append(ctx context.Context, aggregateID, eventType string, data any) (model.EventRecord, error) {
	if aggregateID == "" || eventType == "" {
		return model.EventRecord{}, fmt.Errorf("conduit: event append: aggregate id and type are required")
	}

	lock := s.aggregateLock(aggregateID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Version(ctx, aggregateID)
	if err != nil {
		return model.EventRecord{}, err
	}
	rec := model.EventRecord{
		ID:          ids.CreateULID(),
		AggregateID: aggregateID,
		Type:        eventType,
		Data:        data,
		Timestamp:   time.Now().UTC(),
		Version:     current + 1,
	}
	encoded, err := codec.MarshalJSON(rec)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("conduit: encode event %s: %w", rec.ID, err)
	}
	if _, err := s.streams.Append(ctx, streamPrefix+aggregateID, map[string][]byte{
		stream.FieldData: encoded,
		fieldEventID:     []byte(rec.ID),
		fieldEventType:   []byte(rec.Type),
		fieldVersion:     []byte(strconv.Itoa(rec.Version)),
	}, 0); err != nil {
		return model.EventRecord{}, errspkg.New(errspkg.KindTransport, "event_append", err)
	}

	s.mu.Lock()
	s.versions[aggregateID] = rec.Version
	s.mu.Unlock()

	log := s.logger.With(logging.LogFields{"aggregate_id": aggregateID, "version": rec.Version})
	log.Debug("event appended", logging.LogFields{"event_type": eventType, "event_id": rec.ID})

	if s.reducer != nil && s.snapshotEvery > 0 && rec.Version%s.snapshotEvery == 0 {
		if err := s.snapshot(ctx, aggregateID); err != nil {
			log.Error("automatic snapshot failed", err, nil)
		}
	}
	if s.publisher != nil {
		msg := model.NewMessage(topicPrefix+eventType, rec,
			model.WithCorrelationID(rec.ID),
			model.WithHeader("aggregate_id", aggregateID),
		)
		if err := s.publisher.Publish(ctx, msg.Topic, msg); err != nil {
			log.Error("event publish failed", err, logging.LogFields{"topic": msg.Topic})
		}
	}
	return rec, nil
}

// Version returns the latest version of aggregateID, 0 when it has no events.
func (s *Store) Version(ctx context.Context, aggregateID string) (int, error) {
	s.mu.Lock()
	v, ok := s.versions[aggregateID]
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	events, err := s.Events(ctx, aggregateID, 0)
	if err != nil {
		return 0, err
	}
	if n := len(events); n > 0 {
		v = events[n-1].Version
	}
	s.mu.Lock()
	s.versions[aggregateID] = v
	s.mu.Unlock()
	return v, nil
}

// Events returns the events of aggregateID with Version >= fromVersion, in
// order.
func (s *Store) Events(ctx context.Context, aggregateID string, fromVersion int) ([]model.EventRecord, error) {
	entries, err := s.streams.Range(ctx, streamPrefix+aggregateID, "-", 0)
	if err != nil {
		return nil, errspkg.New(errspkg.KindTransport, "event_range", err)
	}
	out := make([]model.EventRecord, 0, len(entries))
	for _, entry := range entries {
		if v, err := strconv.Atoi(string(entry.Fields[fieldVersion])); err == nil && v < fromVersion {
			continue
		}
		var rec model.EventRecord
		if err := codec.UnmarshalJSON(entry.Fields[stream.FieldData], &rec); err != nil {
			return nil, fmt.Errorf("conduit: decode event entry %s: %w", entry.ID, err)
		}
		if rec.Version < fromVersion {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Replay calls fn for every event of aggregateID in order, stopping at the
// first error.
func (s *Store) Replay(ctx context.Context, aggregateID string, fn func(model.EventRecord) error) error {
	events, err := s.Events(ctx, aggregateID, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return fmt.Errorf("conduit: replay %s at version %d: %w", aggregateID, ev.Version, err)
		}
	}
	return nil
}

// SaveSnapshot stores snap unless a newer snapshot already exists.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	if snap.AggregateID == "" {
		return fmt.Errorf("conduit: snapshot: aggregate id is required")
	}
	existing, ok, err := s.LatestSnapshot(ctx, snap.AggregateID)
	if err != nil {
		return err
	}
	if ok && existing.Version > snap.Version {
		return nil
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return s.snapshots.Set(ctx, snapshotPrefix+snap.AggregateID, snap, 0)
}

// LatestSnapshot returns the newest snapshot of aggregateID.
func (s *Store) LatestSnapshot(ctx context.Context, aggregateID string) (model.Snapshot, bool, error) {
	var snap model.Snapshot
	ok, err := s.snapshots.Get(ctx, snapshotPrefix+aggregateID, &snap)
	if err != nil || !ok {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Rebuild folds the events after the latest snapshot into its state and
// returns the state with the version it reflects.
func (s *Store) Rebuild(ctx context.Context, aggregateID string) (any, int, error) {
	if s.reducer == nil {
		return nil, 0, errspkg.ErrReducerRequired
	}
	snap, _, err := s.LatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, 0, err
	}
	state, version := snap.State, snap.Version

	events, err := s.Events(ctx, aggregateID, version+1)
	if err != nil {
		return nil, 0, err
	}
	for _, ev := range events {
		state, err = s.reducer(state, ev)
		if err != nil {
			return nil, 0, fmt.Errorf("conduit: rebuild %s at version %d: %w", aggregateID, ev.Version, err)
		}
		version = ev.Version
	}
	return state, version, nil
}

func (s *Store) snapshot(ctx context.Context, aggregateID string) error {
	state, version, err := s.Rebuild(ctx, aggregateID)
	if err != nil {
		return err
	}
	return s.SaveSnapshot(ctx, model.Snapshot{
		AggregateID: aggregateID,
		State:       state,
		Version:     version,
	})
}

// DecodeState converts JSON-shaped state into dest.
func DecodeState(state any, dest any) error {
	if state == nil {
		return nil
	}
	data, err := codec.MarshalJSON(state)
	if err != nil {
		return err
	}
	return codec.UnmarshalJSON(data, dest)
}
