package model

import (
	"fmt"
	"time"

	"github.com/drblury/conduit/internal/runtime/ids"
)

// Header keys written by queues, backends, and the bus.
const (
	HeaderDeadLetterReason = "dead_letter_reason"
	HeaderDeadLetterTime   = "dead_letter_time"
	HeaderOriginalTopic    = "original_topic"
	HeaderMethod           = "method"
	HeaderSourceService    = "source_service"
)

// Dead-letter reasons.
const (
	ReasonQueueFull          = "queue_full"
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonNoHandler          = "no_handler"
	ReasonUndecodable        = "undecodable"
)

// DefaultMaxRetries applies when a message is built without WithMaxRetries.
const DefaultMaxRetries = 3

// Message is a unit of work moving through queues, streams, and the bus.
// Only queues and processors mutate it, and only to bump RetryCount or to
// annotate Headers when dead-lettering.
type Message struct {
	ID            string        `json:"id"`
	Topic         string        `json:"topic"`
	Payload       any           `json:"payload"`
	Priority      Priority      `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	Delay         time.Duration `json:"delay"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	ReplyTo       string        `json:"reply_to,omitempty"`
	Headers       Headers       `json:"headers,omitempty"`
}

// MessageOption customises NewMessage.
type MessageOption func(*Message)

func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

func WithMaxRetries(n int) MessageOption {
	return func(m *Message) { m.MaxRetries = n }
}

// WithDelay sets the wait applied before each redelivery.
func WithDelay(d time.Duration) MessageOption {
	return func(m *Message) { m.Delay = d }
}

func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.CorrelationID = id }
}

func WithReplyTo(topic string) MessageOption {
	return func(m *Message) { m.ReplyTo = topic }
}

func WithHeader(key string, value any) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = Headers{}
		}
		m.Headers[key] = value
	}
}

// NewMessage builds a message with a fresh ULID, NORMAL priority, and the
// default retry budget.
func NewMessage(topic string, payload any, opts ...MessageOption) *Message {
	m := &Message{
		ID:         ids.CreateULID(),
		Topic:      topic,
		Payload:    payload,
		Priority:   PriorityNormal,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clone returns a copy whose headers can be changed independently.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cloned := *m
	cloned.Headers = m.Headers.Clone()
	return &cloned
}

// CanRetry reports whether another delivery attempt is within budget.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// Validate checks the fields every transport relies on.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("conduit: message id is required")
	}
	if m.Topic == "" {
		return fmt.Errorf("conduit: message %s: topic is required", m.ID)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("conduit: message %s: invalid priority %d", m.ID, int(m.Priority))
	}
	if m.RetryCount < 0 || m.MaxRetries < 0 || m.Delay < 0 {
		return fmt.Errorf("conduit: message %s: retry settings cannot be negative", m.ID)
	}
	return nil
}

// RetryDelay returns the wait before the next redelivery: Delay when set,
// otherwise base doubled per retry already consumed, capped at max.
func (m *Message) RetryDelay(base, max time.Duration) time.Duration {
	if m.Delay > 0 {
		return m.Delay
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < m.RetryCount; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Age returns how long ago the message was created.
func (m *Message) Age() time.Duration {
	return time.Since(m.CreatedAt)
}

// AsDeadLetter returns a copy annotated for the dead-letter topic.
func (m *Message) AsDeadLetter(reason string, at time.Time) *Message {
	dl := m.Clone()
	dl.Headers = dl.Headers.WithAll(Headers{
		HeaderDeadLetterReason: reason,
		HeaderDeadLetterTime:   at.UTC().Format(time.RFC3339Nano),
		HeaderOriginalTopic:    m.Topic,
	})
	return dl
}

// DeadLetterReason returns the reason header, if present.
func (m *Message) DeadLetterReason() string {
	return m.Headers.String(HeaderDeadLetterReason)
}
