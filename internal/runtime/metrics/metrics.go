// Package metrics exposes the Prometheus surface of conduit. Every method is
// safe to call on a nil *Metrics so components can run without collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conduit"

// Processing outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusRetried = "retried"
)

// Metrics holds the collectors shared by queues, processors, communicators,
// pools, and the bus of one service.
type Metrics struct {
	mu         sync.Mutex
	source     string
	registerer prometheus.Registerer
	registered bool

	queueDepth        *prometheus.GaugeVec
	processed         *prometheus.CounterVec
	processingLatency *prometheus.HistogramVec
	commLatency       *prometheus.HistogramVec
	activeConnections *prometheus.GaugeVec
	errors            *prometheus.CounterVec
	busDeliveries     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors for sourceService. A nil registerer selects the
// Prometheus default registerer. Call Register before scraping.
func New(sourceService string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		source:            sourceService,
		registerer:        registerer,
		queueDepth:        newGaugeVec("queue", "depth", "Current number of messages buffered in a queue", []string{"queue", "source_service"}),
		processed:         newCounterVec("queue", "processed_total", "Messages processed by outcome", []string{"queue", "status", "source_service"}),
		processingLatency: newHistogramVec("queue", "processing_seconds", "Handler processing latency", prometheus.DefBuckets, []string{"queue", "source_service"}),
		commLatency:       newHistogramVec("communication", "latency_seconds", "Outbound call latency per attempt", prometheus.DefBuckets, []string{"source_service", "target_service", "method", "status_code"}),
		activeConnections: newGaugeVec("pool", "active_connections", "Connections currently checked out per target service", []string{"target_service"}),
		errors:            newCounterVec("communication", "errors_total", "Outbound call failures by kind", []string{"source_service", "target_service", "error_kind"}),
		busDeliveries:     newCounterVec("bus", "deliveries_total", "Bus callback invocations by outcome", []string{"topic", "outcome"}),
		breakerState:      newGaugeVec("breaker", "state", "Circuit breaker state per target (0 closed, 1 half-open, 2 open)", []string{"target_service"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.queueDepth,
		m.processed,
		m.processingLatency,
		m.commLatency,
		m.activeConnections,
		m.errors,
		m.busDeliveries,
		m.breakerState,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Source returns the service name used for source_service labels.
func (m *Metrics) Source() string {
	if m == nil {
		return ""
	}
	return m.source
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, m.source).Set(float64(depth))
}

func (m *Metrics) ObserveProcessed(queue, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(queue, status, m.source).Inc()
	if status != StatusRetried {
		m.processingLatency.WithLabelValues(queue, m.source).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveCommunication(target, method string, statusCode int, latency time.Duration) {
	if m == nil {
		return
	}
	m.commLatency.WithLabelValues(m.source, target, method, strconv.Itoa(statusCode)).Observe(latency.Seconds())
}

func (m *Metrics) IncError(target, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(m.source, target, kind).Inc()
}

func (m *Metrics) SetActiveConnections(target string, active int64) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(target).Set(float64(active))
}

func (m *Metrics) IncBusDelivery(topic, outcome string) {
	if m == nil {
		return
	}
	m.busDeliveries.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// Reset clears every series (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	m.processed.Reset()
	m.processingLatency.Reset()
	m.commLatency.Reset()
	m.activeConnections.Reset()
	m.errors.Reset()
	m.busDeliveries.Reset()
	m.breakerState.Reset()
}
