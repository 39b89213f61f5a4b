package transport

// Capabilities describes what a backend guarantees to the service bus.
type Capabilities struct {
	Name string

	// SupportsDelay means the broker can hold a message until a deadline.
	SupportsDelay bool
	// SupportsNativeDLQ means the broker routes poison messages itself.
	// Otherwise conduit dead-letters at the application level.
	SupportsNativeDLQ bool
	// SupportsOrdering means delivery order matches publish order per topic.
	SupportsOrdering bool
	SupportsTracing  bool
	SupportsAck      bool
	SupportsNack     bool
	// SupportsQueueGroups means subscribers of one service share a topic's
	// messages instead of each receiving a copy.
	SupportsQueueGroups bool
	// Durable means messages survive a broker or process restart.
	Durable bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether conduit must route dead letters itself.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack plus nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                "kafka",
		SupportsOrdering:    true,
		SupportsTracing:     true,
		SupportsAck:         true,
		SupportsQueueGroups: true,
		Durable:             true,
		MaxMessageSize:      1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsOrdering:    true,
		SupportsTracing:     true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsQueueGroups: true,
		Durable:             true,
	}

	NATSCapabilities = Capabilities{
		Name:                "nats",
		SupportsTracing:     true,
		SupportsQueueGroups: true,
		MaxMessageSize:      1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsOrdering:    true,
		SupportsTracing:     true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsQueueGroups: true,
		Durable:             true,
		MaxMessageSize:      1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                "aws",
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsTracing:     true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsQueueGroups: true,
		Durable:             true,
		MaxMessageSize:      256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for name in the default
// registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
