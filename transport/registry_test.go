package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

type closeCounter struct {
	closed int
}

func (c *closeCounter) Publish(string, ...*message.Message) error { return nil }
func (c *closeCounter) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func staticBuilder(t Transport) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return t, nil
	}
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	pubSub := &closeCounter{}
	reg.RegisterWithCapabilities("memory", staticBuilder(Transport{Publisher: pubSub, Subscriber: pubSub}), Capabilities{
		Name:             "memory",
		SupportsOrdering: true,
	})

	t.Run("selects builder by pub/sub system", func(t *testing.T) {
		tr, err := reg.Build(context.Background(), &config.Config{PubSubSystem: "memory"}, nil)
		require.NoError(t, err)
		assert.Same(t, pubSub, tr.Publisher)
		assert.True(t, reg.GetCapabilities("memory").SupportsOrdering)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, nil)
		require.Error(t, err)
		assert.Equal(t, errspkg.KindConfig, errspkg.KindOf(err))
		assert.Contains(t, err.Error(), `unknown transport "carrier-pigeon"`)
		assert.Contains(t, err.Error(), "memory")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, nil)
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("builder error is returned", func(t *testing.T) {
		boom := errors.New("dial failed")
		reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
			return Transport{}, boom
		})
		_, err := reg.Build(context.Background(), &config.Config{PubSubSystem: "broken"}, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, errspkg.KindTransport, errspkg.KindOf(err))
	})

	t.Run("names are case-insensitive", func(t *testing.T) {
		tr, err := reg.Build(context.Background(), &config.Config{PubSubSystem: " Memory "}, nil)
		require.NoError(t, err)
		assert.Same(t, pubSub, tr.Publisher)
		assert.True(t, reg.Has("MEMORY"))
		assert.Equal(t, "memory", reg.GetCapabilities("MeMoRy").Name)
	})
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"nats", "aws", "kafka"} {
		reg.Register(name, staticBuilder(Transport{}))
	}

	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
	assert.True(t, reg.Has("aws"))
	assert.False(t, reg.Has("sqlite"))
	assert.Equal(t, Capabilities{Name: "aws"}, reg.GetCapabilities("aws"))
}

func TestTransportCloseSharedPubSubOnce(t *testing.T) {
	shared := &closeCounter{}
	require.NoError(t, Transport{Publisher: shared, Subscriber: shared}.Close())
	assert.Equal(t, 1, shared.closed)

	pub, sub := &closeCounter{}, &closeCounter{}
	require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)

	goChannel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	assert.NoError(t, Transport{Publisher: goChannel, Subscriber: goChannel}.Close())
}

func TestCapabilityHelpers(t *testing.T) {
	tests := []struct {
		name         string
		caps         Capabilities
		wantEmulated bool
		wantReliable bool
	}{
		{"channel", ChannelCapabilities, true, true},
		{"kafka", KafkaCapabilities, true, false},
		{"rabbitmq", RabbitMQCapabilities, false, true},
		{"nats", NATSCapabilities, true, false},
		{"aws", AWSCapabilities, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantEmulated, tt.caps.RequiresDLQEmulation())
			assert.Equal(t, tt.wantReliable, tt.caps.SupportsReliableDelivery())
		})
	}
}
