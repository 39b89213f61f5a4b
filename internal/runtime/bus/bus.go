// Package bus implements topic publish/subscribe and request/response between
// services on top of a watermill publisher and subscriber.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/conduit/internal/runtime/codec"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metadata"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// Delivery outcomes reported to the bus_deliveries_total counter.
const (
	OutcomeDelivered = "delivered"
	OutcomeErrored   = "errored"
)

// Callback receives messages published on a subscribed topic.
type Callback func(ctx context.Context, msg *model.Message) error

// Config wires a Bus to its transport.
type Config struct {
	// Service names this process in request headers.
	Service    string
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Codec frames outgoing messages. The zero value is uncompressed JSON.
	Codec codec.Codec
}

// TopicStats counts callback invocations on one topic.
type TopicStats struct {
	Delivered uint64 `json:"delivered"`
	Errored   uint64 `json:"errored"`
}

// Option customises a Bus.
type Option func(*Bus)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus fans messages out to local callbacks. Each subscribed topic gets one
// dispatcher goroutine reading from the transport.
type Bus struct {
	service string
	pub     message.Publisher
	sub     message.Subscriber
	codec   codec.Codec
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	topics  map[string]*topic
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	closed  bool

	nextID atomic.Uint64
}

type topic struct {
	name      string
	mu        sync.RWMutex
	callbacks map[uint64]Callback
	started   bool
	delivered atomic.Uint64
	errored   atomic.Uint64
}

func (t *topic) snapshot() []Callback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Callback, 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		out = append(out, cb)
	}
	return out
}

// New builds a stopped bus.
func New(cfg Config, logger logging.ServiceLogger, opts ...Option) (*Bus, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errspkg.New(errspkg.KindConfig, "bus", fmt.Errorf("publisher and subscriber are required"))
	}
	b := &Bus{
		service: cfg.Service,
		pub:     cfg.Publisher,
		sub:     cfg.Subscriber,
		codec:   cfg.Codec,
		logger:  logging.OrNop(logger).With(logging.LogFields{"component": "bus"}),
		topics:  make(map[string]*topic),
	}
	if b.codec.Serializer == nil {
		b.codec.Serializer = codec.Default().Serializer
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start opens a dispatcher for every topic subscribed so far. Topics
// subscribed later start immediately.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errspkg.ErrClosed
	}
	if b.running {
		return errspkg.ErrAlreadyRunning
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true

	for _, t := range b.topics {
		if err := b.startLocked(t); err != nil {
			b.cancel()
			b.running = false
			return err
		}
	}
	b.logger.Info("bus started", logging.LogFields{"topics": len(b.topics)})
	return nil
}

// Close stops every dispatcher and waits for in-flight callbacks. It does
// not close the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Running reports whether Start succeeded and Close has not been called.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Subscribe registers cb on name. The first subscription on a topic opens
// its transport subscription.
//
// Callbacks of a topic run concurrently, and the next message is taken only
// after all of them returned for the current one. A slow callback delays
// every subscriber of its topic. Callbacks that need to do long work should
// hand the message off, for example to a queue.
func (b *Bus) Subscribe(name string, cb Callback) (*Subscription, error) {
	if name == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cb == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errspkg.ErrClosed
	}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, callbacks: make(map[uint64]Callback)}
		b.topics[name] = t
	}

	id := b.nextID.Add(1)
	t.mu.Lock()
	t.callbacks[id] = cb
	t.mu.Unlock()

	if b.running {
		if err := b.startLocked(t); err != nil {
			t.mu.Lock()
			delete(t.callbacks, id)
			t.mu.Unlock()
			return nil, err
		}
	}
	return &Subscription{bus: b, topic: name, id: id}, nil
}

func (b *Bus) startLocked(t *topic) error {
	if t.started {
		return nil
	}
	msgs, err := b.sub.Subscribe(b.ctx, t.name)
	if err != nil {
		return errspkg.New(errspkg.KindTransport, "subscribe", fmt.Errorf("topic %s: %w", t.name, err))
	}
	t.started = true

	b.wg.Add(1)
	go b.dispatch(b.ctx, t, msgs)
	return nil
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.callbacks, id)
	t.mu.Unlock()
}

// Publish encodes msg and hands it to the transport under topic.
func (b *Bus) Publish(ctx context.Context, topic string, msg *model.Message) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if msg == nil {
		return errspkg.ErrMessageRequired
	}

	payload, err := b.codec.Encode(msg)
	if err != nil {
		return errspkg.New(errspkg.KindMessageProcessing, "publish", err)
	}

	wm := message.NewMessage(msg.ID, payload)
	wm.Metadata = metadata.ForMessage(msg, b.codec).Watermill()
	wm.SetContext(ctx)

	if err := b.pub.Publish(topic, wm); err != nil {
		return errspkg.New(errspkg.KindTransport, "publish", fmt.Errorf("topic %s: %w", topic, err))
	}
	return nil
}

// Stats returns the invocation counters of topic.
func (b *Bus) Stats(topic string) TopicStats {
	b.mu.Lock()
	t, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return TopicStats{}
	}
	return TopicStats{Delivered: t.delivered.Load(), Errored: t.errored.Load()}
}

// Topics lists the topics with at least one subscription ever registered.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	return out
}

func (b *Bus) dispatch(ctx context.Context, t *topic, msgs <-chan *message.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-msgs:
			if !ok {
				return
			}
			b.deliver(ctx, t, wm)
		}
	}
}

// deliver runs every callback concurrently and acks once all have returned.
// Undecodable messages are acked and dropped so they cannot block the topic.
func (b *Bus) deliver(ctx context.Context, t *topic, wm *message.Message) {
	defer wm.Ack()

	msg, err := decode(wm)
	if err != nil {
		b.logger.Error("dropping undecodable bus message", err, logging.LogFields{
			"topic":      t.name,
			"message_id": wm.UUID,
		})
		return
	}

	callbacks := t.snapshot()
	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(cb Callback) {
			defer wg.Done()
			if err := safeCall(ctx, cb, msg.Clone()); err != nil {
				b.metrics.IncBusDelivery(t.name, OutcomeErrored)
				t.errored.Add(1)
				b.logger.Error("bus callback failed", err, logging.LogFields{
					"topic":      t.name,
					"message_id": msg.ID,
				})
				return
			}
			b.metrics.IncBusDelivery(t.name, OutcomeDelivered)
			t.delivered.Add(1)
		}(cb)
	}
	wg.Wait()
}

func decode(wm *message.Message) (*model.Message, error) {
	md := metadata.FromWatermill(wm.Metadata)
	c, err := md.Codec()
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := c.Decode(wm.Payload, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = wm.UUID
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = md[metadata.KeyCorrelationID]
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = md[metadata.KeyReplyTo]
	}
	return &msg, nil
}

func safeCall(ctx context.Context, cb Callback, msg *model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindMessageProcessing, "callback", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return cb(ctx, msg)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s.topic, s.id) })
}
