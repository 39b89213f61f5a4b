// Package jetstream provides the durable NATS JetStream transport. Streams
// are provisioned on first use and consumers are durable per service.
package jetstream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/drblury/conduit/transport"
	natstransport "github.com/drblury/conduit/transport/nats"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "nats-jetstream"

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// StreamConfig returns the JetStream settings for serviceName.
func StreamConfig(serviceName string) wmnats.JetStreamConfig {
	return wmnats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: serviceName,
	}
}

// Build creates a JetStream publisher and subscriber over the NATS URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return natstransport.BuildWithJetStream(ctx, cfg, logger, StreamConfig(cfg.GetServiceName()))
}

func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}
