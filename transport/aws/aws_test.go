package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conduit/internal/runtime/config"
	"github.com/drblury/conduit/transport"
	"github.com/drblury/conduit/transport/transporttest"
)

func stubAWS(t *testing.T) (*transporttest.PubSub, *transporttest.PubSub) {
	t.Helper()
	pub, sub := &transporttest.PubSub{}, &transporttest.PubSub{}
	transporttest.Override(t, &DefaultConfigLoader, func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	})
	transporttest.Override(t, &PublisherFactory, func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	})
	transporttest.Override(t, &SubscriberFactory, func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, nil
	})
	return pub, sub
}

func TestRegister(t *testing.T) {
	transporttest.Override(t, &transport.DefaultRegistry, transport.NewRegistry())
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("wires publisher and subscriber", func(t *testing.T) {
		pub, sub := stubAWS(t)

		var resolvedAccount, resolvedRegion string
		transporttest.Override(t, &TopicResolverFactory, func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			resolvedAccount, resolvedRegion = accountID, region
			return sns.NewGenerateArnTopicResolver(accountID, region)
		})

		tr, err := Build(context.Background(), &config.Config{
			ServiceName:  "billing",
			AWSRegion:    "eu-west-1",
			AWSAccountID: "123456789012",
		}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Equal(t, "123456789012", resolvedAccount)
		assert.Equal(t, "eu-west-1", resolvedRegion)
	})

	t.Run("config loader error", func(t *testing.T) {
		transporttest.Override(t, &DefaultConfigLoader, func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("no credentials")
		})

		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.EqualError(t, err, "no credentials")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		pub, _ := stubAWS(t)
		transporttest.Override(t, &SubscriberFactory, func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		})

		_, err := Build(context.Background(), &config.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		assert.EqualError(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestResolveSettings(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.Config
		wantAccount string
		wantRegion  string
		wantLocal   bool
	}{
		{"config values", config.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}, "123456789012", "us-west-2", false},
		{"fallback region", config.Config{AWSAccountID: "123456789012"}, "123456789012", "us-east-1", false},
		{"quoted account id", config.Config{AWSAccountID: `"123456789012"`}, "123456789012", "us-east-1", false},
		{"localstack default account", config.Config{AWSEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1", true},
		{"localstack invalid account", config.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "42"}, localstackAccountID, "us-east-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := resolveSettings(&tt.cfg, "us-east-1", watermill.NopLogger{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccount, s.accountID)
			assert.Equal(t, tt.wantRegion, s.region)
			assert.Equal(t, tt.wantLocal, s.endpoint != nil)
		})
	}

	t.Run("invalid endpoint", func(t *testing.T) {
		_, err := resolveSettings(&config.Config{AWSEndpoint: "://bad"}, "us-east-1", watermill.NopLogger{})
		assert.Error(t, err)
	})
}

func TestEndpointOptions(t *testing.T) {
	snsOpts, sqsOpts := endpointOptions(nil)
	assert.Nil(t, snsOpts)
	assert.Nil(t, sqsOpts)

	s, err := resolveSettings(&config.Config{AWSEndpoint: "http://localhost:4566"}, "us-east-1", watermill.NopLogger{})
	require.NoError(t, err)
	snsOpts, sqsOpts = endpointOptions(s.endpoint)
	assert.Len(t, snsOpts, 1)
	assert.Len(t, sqsOpts, 1)
}

func TestQueueNameGenerator(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:orders")

	name, err := QueueNameGenerator("billing")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders-billing", name)

	name, err = QueueNameGenerator("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}
