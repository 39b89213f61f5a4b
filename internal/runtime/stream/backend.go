package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/ids"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// HandlerFunc consumes one message from a stream.
type HandlerFunc func(ctx context.Context, msg *model.Message) error

const defaultTrimInterval = time.Minute

// Backend provides at-least-once delivery with retries and dead-letter
// routing on top of a Store.
type Backend struct {
	store    Store
	cfg      config.QueueConfig
	codec    codec.Codec
	group    string
	consumer string
	block    time.Duration

	retryBase    time.Duration
	maxRetry     time.Duration
	trimInterval time.Duration

	logger     logging.ServiceLogger
	metrics    *metrics.Metrics
	dlqMetrics *metrics.DeadLetterMetrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// BackendOption customises a Backend.
type BackendOption func(*Backend)

func WithConsumerGroup(group string) BackendOption {
	return func(b *Backend) { b.group = group }
}

// WithConsumerName overrides the generated "{service}-{uuid}" consumer name.
func WithConsumerName(name string) BackendOption {
	return func(b *Backend) { b.consumer = name }
}

// WithServiceName derives the consumer name from service.
func WithServiceName(service string) BackendOption {
	return func(b *Backend) { b.consumer = ids.ConsumerName(service) }
}

func WithBlock(d time.Duration) BackendOption {
	return func(b *Backend) { b.block = d }
}

// WithRetryDelays sets the exponential redelivery schedule used when a
// message carries no explicit Delay.
func WithRetryDelays(base, max time.Duration) BackendOption {
	return func(b *Backend) {
		b.retryBase = base
		b.maxRetry = max
	}
}

func WithBackendLogger(log logging.ServiceLogger) BackendOption {
	return func(b *Backend) { b.logger = logging.OrNop(log) }
}

func WithBackendMetrics(m *metrics.Metrics) BackendOption {
	return func(b *Backend) { b.metrics = m }
}

func WithDeadLetterMetrics(m *metrics.DeadLetterMetrics) BackendOption {
	return func(b *Backend) { b.dlqMetrics = m }
}

// NewBackend builds a backend. The codec comes from cfg.
func NewBackend(store Store, cfg config.QueueConfig, opts ...BackendOption) (*Backend, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	cfg = cfg.WithDefaults()
	c, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		store:        store,
		cfg:          cfg,
		codec:        c,
		group:        cfg.Name,
		block:        config.DefaultStreamBlock,
		retryBase:    config.DefaultRetryBaseDelay,
		maxRetry:     config.DefaultMaxRetryDelay,
		trimInterval: defaultTrimInterval,
		logger:       logging.NopLogger(),
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.consumer == "" {
		b.consumer = ids.ConsumerName("")
	}
	b.logger = b.logger.With(logging.LogFields{
		"queue":    cfg.Name,
		"group":    b.group,
		"consumer": b.consumer,
	})
	return b, nil
}

// Consumer returns the consumer name used for group reads.
func (b *Backend) Consumer() string {
	return b.consumer
}

// Publish appends the encoded message envelope to the topic stream. The
// stream is capped only when StreamMaxLen is set; Retention trims it
// otherwise.
func (b *Backend) Publish(ctx context.Context, topic string, msg *model.Message) error {
	return b.append(ctx, topic, msg, b.cfg.StreamMaxLen)
}

func (b *Backend) append(ctx context.Context, topic string, msg *model.Message, maxLen int64) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	data, err := b.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("conduit: encode message %s: %w", msg.ID, err)
	}
	fields := map[string][]byte{
		FieldData:      data,
		FieldEncoding:  []byte(b.codec.Algorithm()),
		FieldFormat:    []byte(b.codec.Format()),
		FieldMessageID: []byte(msg.ID),
	}
	if _, err := b.store.Append(ctx, topic, fields, maxLen); err != nil {
		return errspkg.New(errspkg.KindTransport, "publish", err)
	}
	return nil
}

// DeadLetter appends msg to topic as is. Callers annotate the message first.
// Dead-letter streams are never capped by StreamMaxLen.
func (b *Backend) DeadLetter(ctx context.Context, topic string, msg *model.Message) error {
	if err := b.append(ctx, topic, msg, 0); err != nil {
		return err
	}
	b.dlqMetrics.RecordDeadLetter(topic, msg.DeadLetterReason(), msg.RetryCount, msg.Age())
	return nil
}

// Subscribe consumes topic until ctx ends. Each entry is acknowledged once it
// is handled, republished for a retry, or dead-lettered.
//
// Entries this consumer left pending in an earlier run are handled first.
// With ClaimIdle > 0, entries another consumer left pending for longer than
// ClaimIdle are claimed and handled as well.
func (b *Backend) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := b.store.EnsureGroup(ctx, topic, b.group); err != nil && !errors.Is(err, errspkg.ErrGroupExists) {
		return err
	}

	log := b.logger.With(logging.LogFields{"topic": topic})
	log.Info("stream subscription started", nil)

	pending, err := b.store.ReadPending(ctx, topic, b.group, b.consumer, 0)
	if err != nil && ctx.Err() == nil {
		log.Error("stream pending read failed", err, nil)
	}
	if len(pending) > 0 {
		log.Info("redelivering pending entries", logging.LogFields{"count": len(pending)})
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		b.handleEntry(ctx, log, topic, entry, handler)
	}

	lastTrim := time.Now()
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			log.Info("stream subscription stopped", nil)
			return nil
		}

		entries, err := b.store.ReadGroup(ctx, topic, b.group, b.consumer, int64(b.cfg.BatchSize), b.block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("stream read failed", err, nil)
			_ = b.sleep(ctx, b.retryBase)
			continue
		}

		for _, entry := range entries {
			b.handleEntry(ctx, log, topic, entry, handler)
		}

		if b.cfg.ClaimIdle > 0 && time.Since(lastClaim) >= b.cfg.ClaimIdle {
			lastClaim = time.Now()
			b.claimIdle(ctx, log, topic, handler)
		}

		if time.Since(lastTrim) >= b.trimInterval {
			lastTrim = time.Now()
			if err := b.store.TrimBefore(ctx, topic, lastTrim.Add(-b.cfg.Retention)); err != nil && ctx.Err() == nil {
				log.Error("stream trim failed", err, nil)
			}
		}
	}
}

func (b *Backend) handleEntry(ctx context.Context, log logging.ServiceLogger, topic string, entry Entry, handler HandlerFunc) {
	msg, err := b.decode(entry)
	if err != nil {
		log.Error("undecodable stream entry", err, logging.LogFields{"entry_id": entry.ID})
		b.archiveUndecodable(ctx, log, topic, entry)
		b.ack(ctx, log, topic, entry.ID)
		return
	}

	fields := logging.LogFields{"message_id": msg.ID, "entry_id": entry.ID, "retry_count": msg.RetryCount}
	start := time.Now()
	if err = safeHandle(ctx, handler, msg); err == nil {
		b.metrics.ObserveProcessed(topic, metrics.StatusSuccess, time.Since(start))
		b.ack(ctx, log, topic, entry.ID)
		return
	}
	log.Error("stream handler failed", err, fields)

	if msg.CanRetry() {
		msg.RetryCount++
		delay := msg.RetryDelay(b.retryBase, b.maxRetry)
		if b.sleep(ctx, delay) != nil {
			// Left pending; the entry is not acknowledged.
			return
		}
		if err := b.Publish(ctx, topic, msg); err != nil {
			log.Error("stream republish failed", err, fields)
			return
		}
		b.metrics.ObserveProcessed(topic, metrics.StatusRetried, 0)
		log.Debug("message scheduled for retry", logging.LogFields{
			"message_id":  msg.ID,
			"retry_count": msg.RetryCount,
			"delay_ms":    delay.Milliseconds(),
		})
		b.ack(ctx, log, topic, entry.ID)
		return
	}

	b.metrics.ObserveProcessed(topic, metrics.StatusFailed, time.Since(start))
	dlqTopic := b.cfg.DeadLetterTopicFor(topic)
	if err := b.DeadLetter(ctx, dlqTopic, msg.AsDeadLetter(model.ReasonMaxRetriesExceeded, time.Now())); err != nil {
		log.Error("dead letter failed", err, fields)
		return
	}
	log.Info("message dead-lettered", logging.LogFields{
		"message_id":        msg.ID,
		"dead_letter_topic": dlqTopic,
		"retry_count":       msg.RetryCount,
	})
	b.ack(ctx, log, topic, entry.ID)
}

// claimIdle takes over entries stranded by consumers that stopped without
// acknowledging them.
func (b *Backend) claimIdle(ctx context.Context, log logging.ServiceLogger, topic string, handler HandlerFunc) {
	claimed, err := b.store.Claim(ctx, topic, b.group, b.consumer, b.cfg.ClaimIdle, int64(b.cfg.BatchSize))
	if err != nil && ctx.Err() == nil {
		log.Error("stream claim failed", err, nil)
	}
	if len(claimed) > 0 {
		log.Info("claimed idle entries", logging.LogFields{"count": len(claimed)})
	}
	for _, entry := range claimed {
		if ctx.Err() != nil {
			return
		}
		b.handleEntry(ctx, log, topic, entry, handler)
	}
}

func (b *Backend) decode(entry Entry) (*model.Message, error) {
	data, ok := entry.Fields[FieldData]
	if !ok {
		return nil, fmt.Errorf("conduit: entry %s has no %s field", entry.ID, FieldData)
	}
	c := b.codec
	if format, algo := string(entry.Fields[FieldFormat]), string(entry.Fields[FieldEncoding]); format != "" || algo != "" {
		if format == "" {
			format = string(c.Format())
		}
		if algo == "" {
			algo = string(c.Algorithm())
		}
		resolved, err := codec.New(codec.Format(format), codec.Algorithm(algo))
		if err != nil {
			return nil, err
		}
		c = resolved
	}
	var msg model.Message
	if err := c.Decode(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// archiveUndecodable dead-letters the raw entry when its message id survived.
func (b *Backend) archiveUndecodable(ctx context.Context, log logging.ServiceLogger, topic string, entry Entry) {
	id := string(entry.Fields[FieldMessageID])
	if id == "" {
		return
	}
	raw := &model.Message{
		ID:        id,
		Topic:     topic,
		Payload:   entry.Fields[FieldData],
		Priority:  model.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.DeadLetter(ctx, b.cfg.DeadLetterTopicFor(topic), raw.AsDeadLetter(model.ReasonUndecodable, time.Now())); err != nil {
		log.Error("dead letter of undecodable entry failed", err, logging.LogFields{"entry_id": entry.ID})
	}
}

func (b *Backend) ack(ctx context.Context, log logging.ServiceLogger, topic, id string) {
	if err := b.store.Ack(ctx, topic, b.group, id); err != nil {
		log.Error("stream ack failed", err, logging.LogFields{"entry_id": id})
	}
}

func safeHandle(ctx context.Context, handler HandlerFunc, msg *model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindMessageProcessing, "handle", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return handler(ctx, msg)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
