package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeadLetterMetrics tracks dead-letter topic statistics.
type DeadLetterMetrics struct {
	mu sync.RWMutex

	topics map[string]*DeadLetterTopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterTopicMetrics holds statistics for one dead-letter topic.
type DeadLetterTopicMetrics struct {
	MessagesReceived uint64            `json:"messages_received"`
	MessagesCurrent  uint64            `json:"messages_current"`
	MessagesReplayed uint64            `json:"messages_replayed"`
	MessagesPurged   uint64            `json:"messages_purged"`
	ByReason         map[string]uint64 `json:"by_reason"`
	AvgRetryCount    float64           `json:"avg_retry_count"`
	OldestMessageAt  time.Time         `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time         `json:"newest_message_at,omitempty"`
}

// DeadLetterSnapshot is a point-in-time view across topics.
type DeadLetterSnapshot struct {
	TotalMessages uint64                             `json:"total_messages"`
	TotalReplayed uint64                             `json:"total_replayed"`
	TotalPurged   uint64                             `json:"total_purged"`
	Topics        map[string]*DeadLetterTopicMetrics `json:"topics"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

// NewDeadLetterMetrics creates the dead-letter collectors.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeadLetterMetrics{
		topics:          make(map[string]*DeadLetterTopicMetrics),
		registerer:      registerer,
		messagesTotal:   newCounterVec("dlq", "messages_total", "Messages routed to a dead-letter topic", []string{"topic", "reason"}),
		messagesCurrent: newGaugeVec("dlq", "messages_current", "Messages currently held in a dead-letter topic", []string{"topic"}),
		replayedTotal:   newCounterVec("dlq", "replayed_total", "Messages replayed from a dead-letter topic", []string{"topic"}),
		purgedTotal:     newCounterVec("dlq", "purged_total", "Messages purged from a dead-letter topic", []string{"topic"}),
		ageSecondsHist:  newHistogramVec("dlq", "message_age_seconds", "Message age when dead-lettered", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"topic"}),
		retryCountHist:  newHistogramVec("dlq", "retry_count", "Retries consumed before dead-lettering", []float64{0, 1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DeadLetterMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.messagesTotal, m.messagesCurrent, m.replayedTotal,
		m.purgedTotal, m.ageSecondsHist, m.retryCountHist,
	} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordDeadLetter records a message arriving on a dead-letter topic.
func (m *DeadLetterMetrics) RecordDeadLetter(topic, reason string, retryCount int, age time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tm := m.topic(topic)
	tm.MessagesReceived++
	tm.MessagesCurrent++
	tm.ByReason[reason]++
	if tm.OldestMessageAt.IsZero() {
		tm.OldestMessageAt = now
	}
	tm.NewestMessageAt = now

	total := tm.MessagesReceived
	tm.AvgRetryCount = ((tm.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, reason).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordReplayed records messages leaving a dead-letter topic by replay.
func (m *DeadLetterMetrics) RecordReplayed(topic string, count int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.topic(topic)
	tm.MessagesReplayed += uint64(count)
	tm.MessagesCurrent = subFloor(tm.MessagesCurrent, uint64(count))

	m.replayedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
}

// RecordPurged records messages discarded from a dead-letter topic.
func (m *DeadLetterMetrics) RecordPurged(topic string, count int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.topic(topic)
	tm.MessagesPurged += uint64(count)
	tm.MessagesCurrent = subFloor(tm.MessagesCurrent, uint64(count))

	m.purgedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(tm.MessagesCurrent))
}

// Snapshot returns copies of every topic's statistics.
func (m *DeadLetterMetrics) Snapshot() DeadLetterSnapshot {
	snapshot := DeadLetterSnapshot{
		Topics:      make(map[string]*DeadLetterTopicMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, tm := range m.topics {
		snapshot.Topics[topic] = tm.clone()
		snapshot.TotalMessages += tm.MessagesCurrent
		snapshot.TotalReplayed += tm.MessagesReplayed
		snapshot.TotalPurged += tm.MessagesPurged
	}
	return snapshot
}

// Topic returns a copy of one topic's statistics, or nil when unseen.
func (m *DeadLetterMetrics) Topic(topic string) *DeadLetterTopicMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tm, ok := m.topics[topic]; ok {
		return tm.clone()
	}
	return nil
}

func (m *DeadLetterMetrics) topic(topic string) *DeadLetterTopicMetrics {
	if tm, ok := m.topics[topic]; ok {
		return tm
	}
	tm := &DeadLetterTopicMetrics{ByReason: make(map[string]uint64)}
	m.topics[topic] = tm
	return tm
}

func (t *DeadLetterTopicMetrics) clone() *DeadLetterTopicMetrics {
	c := *t
	c.ByReason = make(map[string]uint64, len(t.ByReason))
	for k, v := range t.ByReason {
		c.ByReason[k] = v
	}
	return &c
}

func subFloor(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
