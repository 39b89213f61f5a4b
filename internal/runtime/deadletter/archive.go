// Package deadletter holds messages that exhausted their delivery options so
// operators can inspect, replay, or purge them.
package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// Publisher republishes a message to a topic. The queue, the durable backend,
// and the bus all satisfy it through small adapters.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *model.Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, msg *model.Message) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, msg *model.Message) error {
	return f(ctx, topic, msg)
}

// Archive is an in-memory, per-topic dead-letter store.
type Archive struct {
	mu      sync.RWMutex
	topics  map[string][]*model.Message
	metrics *metrics.DeadLetterMetrics
}

// NewArchive creates an empty archive. m may be nil.
func NewArchive(m *metrics.DeadLetterMetrics) *Archive {
	return &Archive{
		topics:  make(map[string][]*model.Message),
		metrics: m,
	}
}

// DeadLetter stores a copy of msg under topic.
func (a *Archive) DeadLetter(ctx context.Context, topic string, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("conduit: dead letter to %s: message is nil", topic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := msg.Clone()

	a.mu.Lock()
	a.topics[topic] = append(a.topics[topic], stored)
	a.mu.Unlock()

	a.metrics.RecordDeadLetter(topic, stored.DeadLetterReason(), stored.RetryCount, stored.Age())
	return nil
}

// Topics returns the names of every topic holding messages, sorted.
func (a *Archive) Topics() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, 0, len(a.topics))
	for topic, msgs := range a.topics {
		if len(msgs) > 0 {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// List returns copies of the messages held under topic, oldest first.
func (a *Archive) List(topic string) []*model.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	msgs := a.topics[topic]
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Count returns the number of messages held under topic.
func (a *Archive) Count(topic string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.topics[topic])
}

// Replay republishes every message under topic to its original topic with a
// fresh retry budget. Messages that fail to publish stay in the archive; the
// first such error is returned together with the number replayed.
func (a *Archive) Replay(ctx context.Context, topic string, pub Publisher) (int, error) {
	if pub == nil {
		return 0, fmt.Errorf("conduit: replay %s: publisher is required", topic)
	}

	a.mu.Lock()
	pending := a.topics[topic]
	delete(a.topics, topic)
	a.mu.Unlock()

	var (
		kept     []*model.Message
		firstErr error
		replayed int
	)
	for _, msg := range pending {
		if firstErr != nil || ctx.Err() != nil {
			kept = append(kept, msg)
			continue
		}
		revived, dest := revive(msg)
		if err := pub.Publish(ctx, dest, revived); err != nil {
			firstErr = fmt.Errorf("conduit: replay %s to %s: %w", msg.ID, dest, err)
			kept = append(kept, msg)
			continue
		}
		replayed++
	}
	if firstErr == nil && ctx.Err() != nil && len(kept) > 0 {
		firstErr = ctx.Err()
	}

	if len(kept) > 0 {
		a.mu.Lock()
		a.topics[topic] = append(kept, a.topics[topic]...)
		a.mu.Unlock()
	}
	if replayed > 0 {
		a.metrics.RecordReplayed(topic, replayed)
	}
	return replayed, firstErr
}

// Purge discards every message under topic and returns how many were dropped.
func (a *Archive) Purge(topic string) int {
	a.mu.Lock()
	n := len(a.topics[topic])
	delete(a.topics, topic)
	a.mu.Unlock()

	if n > 0 {
		a.metrics.RecordPurged(topic, n)
	}
	return n
}

// Snapshot returns the collected dead-letter statistics.
func (a *Archive) Snapshot() metrics.DeadLetterSnapshot {
	return a.metrics.Snapshot()
}

// revive strips dead-letter annotations and returns the message together with
// the topic it should go back to.
func revive(msg *model.Message) (*model.Message, string) {
	revived := msg.Clone()
	dest := revived.Headers.String(model.HeaderOriginalTopic)
	if dest == "" {
		dest = revived.Topic
	}
	delete(revived.Headers, model.HeaderDeadLetterReason)
	delete(revived.Headers, model.HeaderDeadLetterTime)
	delete(revived.Headers, model.HeaderOriginalTopic)
	revived.Topic = dest
	revived.RetryCount = 0
	return revived, dest
}
