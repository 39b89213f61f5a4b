// Package queue implements the in-process priority queue.
//
// Each queue keeps four FIFO tiers (CRITICAL, HIGH, NORMAL, LOW), each bounded
// by QueueConfig.MaxSize. Get always drains the highest non-empty tier first.
// Priority is strict: under sustained CRITICAL load, lower tiers starve.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// DeadLetterSink receives messages a queue or processor gives up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, topic string, msg *model.Message) error
}

// Option customises a PriorityQueue.
type Option func(*PriorityQueue)

// WithDeadLetterSink routes rejected and exhausted messages to sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(q *PriorityQueue) { q.sink = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *PriorityQueue) { q.metrics = m }
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(q *PriorityQueue) { q.logger = logging.OrNop(log) }
}

// PriorityQueue is safe for concurrent use.
type PriorityQueue struct {
	cfg     config.QueueConfig
	sink    DeadLetterSink
	metrics *metrics.Metrics
	logger  logging.ServiceLogger

	mu    sync.Mutex
	tiers [config.PriorityLevels]tier
	size  int
	// ready is closed and replaced whenever a message is added.
	ready chan struct{}
}

// New builds a queue from cfg after applying defaults.
func New(cfg config.QueueConfig, opts ...Option) (*PriorityQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	q := &PriorityQueue{
		cfg:    cfg.WithDefaults(),
		logger: logging.NopLogger(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logging.LogFields{"queue": q.cfg.Name})
	return q, nil
}

// Name returns the queue name.
func (q *PriorityQueue) Name() string {
	return q.cfg.Name
}

// Config returns the effective configuration.
func (q *PriorityQueue) Config() config.QueueConfig {
	return q.cfg
}

// Put enqueues msg into the tier of its priority. A full tier rejects the
// message with ErrQueueFull after forwarding it to the dead-letter sink.
func (q *PriorityQueue) Put(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	t := &q.tiers[msg.Priority]
	if t.len() >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.rejectFull(ctx, msg)
		return errspkg.New(errspkg.KindQueueFull, "put", nil)
	}
	t.push(msg)
	q.size++
	size := q.size
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.cfg.Name, size)
	q.logger.Trace("message enqueued", logging.LogFields{
		"message_id": msg.ID,
		"priority":   msg.Priority.String(),
	})
	return nil
}

func (q *PriorityQueue) rejectFull(ctx context.Context, msg *model.Message) {
	q.logger.Info("queue tier full, rejecting message", logging.LogFields{
		"message_id": msg.ID,
		"priority":   msg.Priority.String(),
		"max_size":   q.cfg.MaxSize,
	})
	if q.sink == nil {
		return
	}
	if err := q.DeadLetter(ctx, msg, model.ReasonQueueFull); err != nil {
		q.logger.Error("dead letter on full queue failed", err, logging.LogFields{"message_id": msg.ID})
	}
}

// Get removes and returns the oldest message of the highest non-empty tier.
// It never blocks and returns ErrEmpty when the queue holds nothing.
func (q *PriorityQueue) Get() (*model.Message, error) {
	q.mu.Lock()
	msg := q.popLocked()
	size := q.size
	q.mu.Unlock()

	if msg == nil {
		return nil, errspkg.ErrEmpty
	}
	q.metrics.SetQueueDepth(q.cfg.Name, size)
	return msg, nil
}

func (q *PriorityQueue) popLocked() *model.Message {
	for _, p := range model.Priorities {
		if msg := q.tiers[p].pop(); msg != nil {
			q.size--
			return msg
		}
	}
	return nil
}

// GetWait is the blocking variant of Get. It waits up to timeout for a
// message and returns ErrEmpty when none arrives, or the context error when
// ctx ends first.
func (q *PriorityQueue) GetWait(ctx context.Context, timeout time.Duration) (*model.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		msg := q.popLocked()
		size := q.size
		ready := q.ready
		q.mu.Unlock()

		if msg != nil {
			q.metrics.SetQueueDepth(q.cfg.Name, size)
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errspkg.ErrEmpty
		case <-ready:
		}
	}
}

// GetBatch collects up to n messages, waiting at most BatchTimeout. The
// result may be empty and is ordered by tier precedence. When ctx ends the
// messages collected so far are returned with the context error.
func (q *PriorityQueue) GetBatch(ctx context.Context, n int) ([]*model.Message, error) {
	if n <= 0 {
		n = q.cfg.BatchSize
	}
	deadline := time.Now().Add(q.cfg.BatchTimeout)
	batch := make([]*model.Message, 0, n)

	var err error
	for len(batch) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, waitErr := q.GetWait(ctx, remaining)
		if waitErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			break
		}
		batch = append(batch, msg)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})
	return batch, err
}

// Size returns the number of buffered messages across all tiers.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// TierSize returns the number of buffered messages in one tier.
func (q *PriorityQueue) TierSize(p model.Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tiers[p].len()
}

// DeadLetter annotates msg with reason and forwards it to the configured
// dead-letter topic, or "{topic}_dlq" when none is configured.
func (q *PriorityQueue) DeadLetter(ctx context.Context, msg *model.Message, reason string) error {
	if q.sink == nil {
		return errspkg.New(errspkg.KindConfig, "dead_letter", errspkg.ErrStoreRequired)
	}
	topic := q.cfg.DeadLetterTopicFor(msg.Topic)
	dl := msg.AsDeadLetter(reason, time.Now())
	if err := q.sink.DeadLetter(ctx, topic, dl); err != nil {
		return err
	}
	q.logger.Info("message dead-lettered", logging.LogFields{
		"message_id":        msg.ID,
		"dead_letter_topic": topic,
		"reason":            reason,
		"retry_count":       msg.RetryCount,
	})
	return nil
}

// Publish enqueues msg, ignoring topic. It lets a queue act as the target of
// a dead-letter replay.
func (q *PriorityQueue) Publish(ctx context.Context, topic string, msg *model.Message) error {
	return q.Put(ctx, msg)
}
