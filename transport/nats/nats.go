// Package nats provides the NATS Core transport for the service bus. Every
// subscriber of a subject receives a copy, matching in-process semantics.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/conduit/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "nats"

const (
	reconnectWait  = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// ConnectOptions returns the connection options shared by the NATS
// transports: a client name and unbounded reconnects.
func ConnectOptions(serviceName string) []nc.Option {
	opts := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
		nc.Timeout(connectTimeout),
	}
	if serviceName != "" {
		opts = append(opts, nc.Name(serviceName))
	}
	return opts
}

// Build creates a NATS Core publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return BuildWithJetStream(ctx, cfg, logger, wmnats.JetStreamConfig{Disabled: true})
}

// BuildWithJetStream creates a publisher and subscriber using js.
func BuildWithJetStream(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter, js wmnats.JetStreamConfig) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	opts := ConnectOptions(cfg.GetServiceName())
	marshaler := &wmnats.NATSMarshaler{}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: opts,
		Marshaler:   marshaler,
		JetStream:   js,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:            url,
		NatsOptions:    opts,
		Unmarshaler:    marshaler,
		AckWaitTimeout: 30 * time.Second,
		JetStream:      js,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
