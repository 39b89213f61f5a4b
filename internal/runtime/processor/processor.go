// Package processor runs worker pools that drain a priority queue into
// registered handlers, retrying failures and dead-lettering what cannot be
// handled.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// SpanName names the span wrapping every handler invocation.
const SpanName = "conduit.process"

const (
	DefaultPollInterval = 100 * time.Millisecond
	latencyAlpha        = 0.1
)

// Queue is the source a Processor drains. *queue.PriorityQueue satisfies it.
type Queue interface {
	Name() string
	Put(ctx context.Context, msg *model.Message) error
	GetWait(ctx context.Context, timeout time.Duration) (*model.Message, error)
	GetBatch(ctx context.Context, n int) ([]*model.Message, error)
	DeadLetter(ctx context.Context, msg *model.Message, reason string) error
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Processed    uint64
	Failed       uint64
	Retried      uint64
	DeadLettered uint64
	// AvgLatency is an exponential moving average of handler latency.
	AvgLatency time.Duration
	Running    bool
}

// Option customises a Processor.
type Option func(*Processor)

func WithLogger(log logging.ServiceLogger) Option {
	return func(p *Processor) { p.logger = logging.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(p *Processor) { p.hooks = p.hooks.Merge(h) }
}

// WithPollInterval bounds how long an idle worker waits for a message before
// re-checking for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithRetryDelays sets the redelivery schedule for messages without Delay.
func WithRetryDelays(base, max time.Duration) Option {
	return func(p *Processor) {
		p.retryBase = base
		p.maxRetry = max
	}
}

// WithBatchSize sets how many messages the batch worker collects at once.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// Processor is a start/stop worker pool over one queue.
type Processor struct {
	queue    Queue
	registry *Registry

	logger       logging.ServiceLogger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	hooks        Hooks
	pollInterval time.Duration
	retryBase    time.Duration
	maxRetry     time.Duration
	batchSize    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New builds a stopped processor.
func New(q Queue, registry *Registry, opts ...Option) (*Processor, error) {
	if q == nil {
		return nil, fmt.Errorf("conduit: processor: queue is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	p := &Processor{
		queue:        q,
		registry:     registry,
		logger:       logging.NopLogger(),
		tracer:       otel.Tracer("github.com/drblury/conduit/processor"),
		pollInterval: DefaultPollInterval,
		retryBase:    config.DefaultRetryBaseDelay,
		maxRetry:     config.DefaultMaxRetryDelay,
		batchSize:    config.DefaultQueueBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.LogFields{"queue": q.Name()})
	return p, nil
}

// Registry returns the handler registry the processor dispatches to.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// Start launches workers per-message workers and, when batching is set, one
// batch worker. It returns immediately.
func (p *Processor) Start(ctx context.Context, workers int, batching bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return errspkg.ErrAlreadyRunning
	}
	if workers <= 0 && !batching {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(runCtx)
		}()
	}
	if batching {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.batchWorker(runCtx)
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		p.mu.Lock()
		if p.done == done {
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
		close(done)
	}()

	p.logger.Info("processor started", logging.LogFields{"workers": workers, "batching": batching})
	return nil
}

// Stop cancels every worker and waits for them to exit. Messages in flight
// are abandoned without being acknowledged or counted as failures.
func (p *Processor) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if done == nil {
		return errspkg.ErrNotRunning
	}
	cancel()
	<-done
	p.logger.Info("processor stopped", nil)
	return nil
}

// Running reports whether workers are active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	s.Running = p.Running()
	return s
}

func (p *Processor) worker(ctx context.Context) {
	for ctx.Err() == nil {
		msg, err := p.queue.GetWait(ctx, p.pollInterval)
		if err != nil {
			continue
		}
		p.process(ctx, msg)
	}
}

func (p *Processor) process(ctx context.Context, msg *model.Message) {
	reg, ok := p.registry.lookup(msg.Topic)
	if !ok {
		p.deadLetter(ctx, msg, model.ReasonNoHandler)
		return
	}
	if err := p.invoke(ctx, msg.Topic, []*model.Message{msg}, func(ctx context.Context) error {
		return reg.handler.Handle(ctx, msg)
	}); err != nil && ctx.Err() == nil {
		p.handleFailure(ctx, msg, err)
	}
}

// invoke runs fn inside a span with hooks, panic recovery, and accounting
// for every message in msgs.
func (p *Processor) invoke(ctx context.Context, topic string, msgs []*model.Message, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.destination.name", topic),
		attribute.String("conduit.queue", p.queue.Name()),
		attribute.Int("conduit.batch_size", len(msgs)),
	}
	if len(msgs) == 1 {
		attrs = append(attrs,
			attribute.String("messaging.message.id", msgs[0].ID),
			attribute.Int("conduit.retry_count", msgs[0].RetryCount),
		)
	}
	ctx, span := p.tracer.Start(ctx, SpanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	jc := JobContext{
		Context:   ctx,
		Queue:     p.queue.Name(),
		Topic:     topic,
		BatchSize: len(msgs),
		StartedAt: time.Now(),
	}
	if len(msgs) == 1 {
		jc.MessageID = msgs[0].ID
		jc.RetryCount = msgs[0].RetryCount
	}
	p.hooks.start(jc)

	err := safeCall(ctx, fn)
	jc.Duration = time.Since(jc.StartedAt)

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the handler; the message is abandoned.
		span.SetStatus(codes.Error, "cancelled")
		return err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	p.hooks.finish(jc, err)
	p.observe(len(msgs), jc.Duration, err)
	return err
}

func (p *Processor) observe(n int, latency time.Duration, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusFailed
	}
	for i := 0; i < n; i++ {
		p.metrics.ObserveProcessed(p.queue.Name(), status, latency)
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if err != nil {
		p.stats.Failed += uint64(n)
	} else {
		p.stats.Processed += uint64(n)
	}
	if p.stats.AvgLatency == 0 {
		p.stats.AvgLatency = latency
	} else {
		p.stats.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(p.stats.AvgLatency))
	}
}

// handleFailure re-queues msg after the retry delay while budget remains and
// dead-letters it otherwise.
func (p *Processor) handleFailure(ctx context.Context, msg *model.Message, cause error) {
	if !msg.CanRetry() {
		p.deadLetter(ctx, msg, model.ReasonMaxRetriesExceeded)
		return
	}

	retry := msg.Clone()
	retry.RetryCount++
	delay := retry.RetryDelay(p.retryBase, p.maxRetry)
	if err := sleepContext(ctx, delay); err != nil {
		return
	}
	if err := p.queue.Put(ctx, retry); err != nil {
		p.logger.Error("requeue for retry failed", err, logging.LogFields{
			"message_id":  msg.ID,
			"retry_count": retry.RetryCount,
		})
		return
	}

	p.metrics.ObserveProcessed(p.queue.Name(), metrics.StatusRetried, 0)
	p.statsMu.Lock()
	p.stats.Retried++
	p.statsMu.Unlock()
	p.logger.Debug("message requeued for retry", logging.LogFields{
		"message_id":  msg.ID,
		"retry_count": retry.RetryCount,
		"delay_ms":    delay.Milliseconds(),
		"cause":       cause.Error(),
	})
}

func (p *Processor) deadLetter(ctx context.Context, msg *model.Message, reason string) {
	if err := p.queue.DeadLetter(ctx, msg, reason); err != nil {
		p.logger.Error("dead letter failed", err, logging.LogFields{
			"message_id": msg.ID,
			"topic":      msg.Topic,
			"reason":     reason,
		})
		return
	}
	p.statsMu.Lock()
	p.stats.DeadLettered++
	p.statsMu.Unlock()
}

func (p *Processor) batchWorker(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := p.queue.GetBatch(ctx, p.batchSize)
		if err != nil {
			p.requeue(ctx, batch)
			continue
		}
		for _, group := range groupByTopic(batch) {
			p.processGroup(ctx, group)
		}
	}
}

// requeue returns messages collected by an interrupted batch to the queue.
func (p *Processor) requeue(ctx context.Context, msgs []*model.Message) {
	putCtx := context.WithoutCancel(ctx)
	for _, msg := range msgs {
		if err := p.queue.Put(putCtx, msg); err != nil {
			p.logger.Error("requeue of interrupted batch failed", err, logging.LogFields{"message_id": msg.ID})
		}
	}
}

type topicGroup struct {
	topic string
	msgs  []*model.Message
}

// groupByTopic keeps the first-seen order of topics and of messages within
// each topic.
func groupByTopic(batch []*model.Message) []topicGroup {
	var groups []topicGroup
	index := make(map[string]int)
	for _, msg := range batch {
		i, ok := index[msg.Topic]
		if !ok {
			i = len(groups)
			index[msg.Topic] = i
			groups = append(groups, topicGroup{topic: msg.Topic})
		}
		groups[i].msgs = append(groups[i].msgs, msg)
	}
	return groups
}

func (p *Processor) processGroup(ctx context.Context, group topicGroup) {
	reg, ok := p.registry.lookup(group.topic)
	if !ok {
		for _, msg := range group.msgs {
			p.deadLetter(ctx, msg, model.ReasonNoHandler)
		}
		return
	}

	if reg.batch != nil {
		err := p.invoke(ctx, group.topic, group.msgs, func(ctx context.Context) error {
			return reg.batch.HandleBatch(ctx, group.msgs)
		})
		if err != nil && ctx.Err() == nil {
			var wg sync.WaitGroup
			for _, msg := range group.msgs {
				wg.Add(1)
				go func(msg *model.Message) {
					defer wg.Done()
					p.handleFailure(ctx, msg, err)
				}(msg)
			}
			wg.Wait()
		}
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, msg := range group.msgs {
		wg.Add(1)
		go func(msg *model.Message) {
			defer wg.Done()
			err := p.invoke(ctx, msg.Topic, []*model.Message{msg}, func(ctx context.Context) error {
				return reg.handler.Handle(ctx, msg)
			})
			if err != nil && ctx.Err() == nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
				mu.Unlock()
				p.handleFailure(ctx, msg, err)
			}
		}(msg)
	}
	wg.Wait()
	if len(errs) > 0 {
		p.logger.Error("batch fan-out had failures", errors.Join(errs...), logging.LogFields{
			"topic":  group.topic,
			"failed": len(errs),
			"total":  len(group.msgs),
		})
	}
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindMessageProcessing, "handle", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return fn(ctx)
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
