// Package stream implements the durable queue backend over an append-only
// stream store with consumer groups. Redis streams back production
// deployments; MemoryStore provides the same semantics in-process.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one stream record.
type Entry struct {
	ID     string
	Fields map[string][]byte
}

// Store is the stream contract the backend and the event store rely on.
type Store interface {
	// Append adds an entry and returns its id. maxLen > 0 trims the stream
	// to roughly that many entries.
	Append(ctx context.Context, stream string, fields map[string][]byte, maxLen int64) (string, error)
	// EnsureGroup creates group at the current tail of stream, creating the
	// stream if needed. It returns ErrGroupExists when the group is present.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup returns up to count entries never delivered to group, waiting
	// up to block. An empty result is not an error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	// ReadPending returns the entries delivered to consumer and not yet
	// acknowledged, oldest first. count <= 0 returns all of them.
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)
	// Claim transfers to consumer up to count pending entries of group that
	// were delivered at least minIdle ago, and returns them.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	// Range returns up to count entries with id >= start. An empty start or
	// "-" reads from the beginning; count <= 0 reads everything.
	Range(ctx context.Context, stream, start string, count int64) ([]Entry, error)
	// TrimBefore drops entries appended before cutoff.
	TrimBefore(ctx context.Context, stream string, cutoff time.Time) error
}

// Entry field names written by the backend.
const (
	FieldData      = "data"
	FieldEncoding  = "encoding"
	FieldFormat    = "format"
	FieldMessageID = "message_id"
)

// entryID is the "<millis>-<seq>" identifier shared with Redis streams.
type entryID struct {
	ms  int64
	seq int64
}

func (id entryID) String() string {
	return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10)
}

func (id entryID) less(other entryID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

func parseEntryID(s string) (entryID, error) {
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("conduit: invalid stream id %q", s)
	}
	if !found {
		return entryID{ms: ms}, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("conduit: invalid stream id %q", s)
	}
	return entryID{ms: ms, seq: seq}, nil
}
