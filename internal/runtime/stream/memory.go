package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

// MemoryStore is an in-process Store. It keeps consumer-group cursors and
// pending entries like Redis so the backend behaves the same on both.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
}

type memEntry struct {
	id     entryID
	fields map[string][]byte
}

type memStream struct {
	entries []memEntry
	last    entryID
	groups  map[string]*memGroup
	// ready is closed and replaced on every append.
	ready chan struct{}
}

type memGroup struct {
	delivered entryID
	pending   map[string]memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
}

func (s *MemoryStore) streamLocked(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup), ready: make(chan struct{})}
		s.streams[name] = st
	}
	return st
}

func (s *MemoryStore) Append(ctx context.Context, stream string, fields map[string][]byte, maxLen int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(stream)
	id := entryID{ms: s.now().UnixMilli()}
	if !st.last.less(id) {
		id = entryID{ms: st.last.ms, seq: st.last.seq + 1}
	}
	st.last = id

	copied := make(map[string][]byte, len(fields))
	for k, v := range fields {
		copied[k] = append([]byte(nil), v...)
	}
	st.entries = append(st.entries, memEntry{id: id, fields: copied})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = append([]memEntry(nil), st.entries[int64(len(st.entries))-maxLen:]...)
	}

	close(st.ready)
	st.ready = make(chan struct{})
	return id.String(), nil
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(stream)
	if _, ok := st.groups[group]; ok {
		return errspkg.ErrGroupExists
	}
	st.groups[group] = &memGroup{delivered: st.last, pending: make(map[string]memPending)}
	return nil
}

func (s *MemoryStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		st, g, err := s.groupLocked(stream, group)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		out := deliverLocked(st, g, consumer, count, s.now())
		ready := st.ready
		s.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-ready:
		}
	}
}

func deliverLocked(st *memStream, g *memGroup, consumer string, count int64, now time.Time) []Entry {
	var out []Entry
	for _, e := range st.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		if !g.delivered.less(e.id) {
			continue
		}
		id := e.id.String()
		g.delivered = e.id
		g.pending[id] = memPending{consumer: consumer, deliveredAt: now}
		out = append(out, Entry{ID: id, Fields: e.fields})
	}
	return out
}

func (s *MemoryStore) groupLocked(stream, group string) (*memStream, *memGroup, error) {
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("conduit: NOGROUP no such stream %s", stream)
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("conduit: NOGROUP no such group %s on %s", group, stream)
	}
	return st, g, nil
}

func (s *MemoryStore) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, g, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []Entry
	for _, e := range st.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		id := e.id.String()
		p, ok := g.pending[id]
		if !ok || p.consumer != consumer {
			continue
		}
		g.pending[id] = memPending{consumer: consumer, deliveredAt: now}
		out = append(out, Entry{ID: id, Fields: e.fields})
	}
	return out, nil
}

// Claim drops pending ids whose entries were already trimmed, as XAUTOCLAIM
// does.
func (s *MemoryStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, g, err := s.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	now := s.now()
	present := make(map[string]struct{}, len(st.entries))
	var out []Entry
	for _, e := range st.entries {
		id := e.id.String()
		present[id] = struct{}{}
		if count > 0 && int64(len(out)) >= count {
			continue
		}
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		g.pending[id] = memPending{consumer: consumer, deliveredAt: now}
		out = append(out, Entry{ID: id, Fields: e.fields})
	}
	for id := range g.pending {
		if _, ok := present[id]; !ok {
			delete(g.pending, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ack(ctx context.Context, stream, group, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[stream]; ok {
		if g, ok := st.groups[group]; ok {
			delete(g.pending, id)
		}
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *MemoryStore) Pending(stream, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[stream]; ok {
		if g, ok := st.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Len returns the number of entries held in stream.
func (s *MemoryStore) Len(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[stream]; ok {
		return len(st.entries)
	}
	return 0
}

func (s *MemoryStore) Range(ctx context.Context, stream, start string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var from entryID
	if start != "" && start != "-" {
		parsed, err := parseEntryID(start)
		if err != nil {
			return nil, err
		}
		from = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, e := range st.entries {
		if e.id.less(from) {
			continue
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, Entry{ID: e.id.String(), Fields: e.fields})
	}
	return out, nil
}

func (s *MemoryStore) TrimBefore(ctx context.Context, stream string, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil
	}
	min := entryID{ms: cutoff.UnixMilli()}
	kept := st.entries[:0]
	for _, e := range st.entries {
		if !e.id.less(min) {
			kept = append(kept, e)
		}
	}
	clear(st.entries[len(kept):])
	st.entries = kept
	return nil
}
