package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/conduit/internal/runtime/codec"
)

// PriorityLevels is the fixed number of priority tiers per queue.
const PriorityLevels = 4

// QueueConfig tunes a single queue. It is immutable once a queue is built
// from it.
type QueueConfig struct {
	Name string
	// MaxSize bounds each priority tier independently.
	MaxSize int
	// Retention is the trimming horizon applied to the durable stream.
	Retention time.Duration
	// StreamMaxLen caps the durable topic stream at roughly that many
	// entries, dropping the oldest even when unread. 0 leaves it to
	// Retention. Dead-letter streams are never capped.
	StreamMaxLen int64
	// ClaimIdle is how long an entry may stay pending on another consumer
	// before the durable backend claims it. Negative disables claiming.
	ClaimIdle      time.Duration
	PriorityLevels int
	BatchSize      int
	BatchTimeout   time.Duration
	// DeadLetterTopic receives messages rejected on full tiers or after
	// exhausting retries. Empty routes dead letters to "{topic}_dlq".
	DeadLetterTopic string
	Compression     codec.Algorithm
	Serialization   codec.Format
}

const (
	DefaultQueueMaxSize      = 10000
	DefaultQueueRetention    = 24 * time.Hour
	DefaultQueueBatchSize    = 10
	DefaultQueueBatchTimeout = time.Second
	DefaultStreamClaimIdle   = 5 * time.Minute
)

// WithDefaults returns a copy with zero values replaced by library defaults.
func (q QueueConfig) WithDefaults() QueueConfig {
	if q.MaxSize <= 0 {
		q.MaxSize = DefaultQueueMaxSize
	}
	if q.Retention <= 0 {
		q.Retention = DefaultQueueRetention
	}
	q.PriorityLevels = PriorityLevels
	if q.BatchSize <= 0 {
		q.BatchSize = DefaultQueueBatchSize
	}
	if q.BatchTimeout <= 0 {
		q.BatchTimeout = DefaultQueueBatchTimeout
	}
	if q.ClaimIdle == 0 {
		q.ClaimIdle = DefaultStreamClaimIdle
	}
	if q.Compression == "" {
		q.Compression = codec.CompressionNone
	}
	if q.Serialization == "" {
		q.Serialization = codec.FormatJSON
	}
	return q
}

// Codec resolves the configured serialization and compression.
func (q QueueConfig) Codec() (codec.Codec, error) {
	return codec.New(q.Serialization, q.Compression)
}

// DeadLetterTopicFor returns the dead-letter topic for messages of topic.
func (q QueueConfig) DeadLetterTopicFor(topic string) string {
	if q.DeadLetterTopic != "" {
		return q.DeadLetterTopic
	}
	return topic + "_dlq"
}

// Validate reports invalid settings. Zero values are accepted and defaulted.
func (q QueueConfig) Validate() error {
	var errs []error
	if q.Name == "" {
		errs = append(errs, errors.New("queue: name is required"))
	}
	if q.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("queue %s: max size cannot be negative", q.Name))
	}
	if q.PriorityLevels != 0 && q.PriorityLevels != PriorityLevels {
		errs = append(errs, fmt.Errorf("queue %s: priority levels must be %d", q.Name, PriorityLevels))
	}
	if q.BatchSize < 0 || q.BatchTimeout < 0 || q.Retention < 0 || q.StreamMaxLen < 0 {
		errs = append(errs, fmt.Errorf("queue %s: batch and retention settings cannot be negative", q.Name))
	}
	if _, err := codec.NewCompressor(q.Compression); err != nil {
		errs = append(errs, fmt.Errorf("queue %s: %w", q.Name, err))
	}
	if _, err := codec.NewSerializer(q.Serialization); err != nil {
		errs = append(errs, fmt.Errorf("queue %s: %w", q.Name, err))
	}
	return errors.Join(errs...)
}
