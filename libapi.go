package conduit

import (
	runtimepkg "github.com/drblury/conduit/internal/runtime"
	"github.com/drblury/conduit/internal/runtime/breaker"
	buspkg "github.com/drblury/conduit/internal/runtime/bus"
	cachepkg "github.com/drblury/conduit/internal/runtime/cache"
	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/communicator"
	configpkg "github.com/drblury/conduit/internal/runtime/config"
	"github.com/drblury/conduit/internal/runtime/deadletter"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/eventsource"
	handlerpkg "github.com/drblury/conduit/internal/runtime/handlers"
	idspkg "github.com/drblury/conduit/internal/runtime/ids"
	loggingpkg "github.com/drblury/conduit/internal/runtime/logging"
	metricspkg "github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
	"github.com/drblury/conduit/internal/runtime/processor"
	"github.com/drblury/conduit/internal/runtime/queue"
	registrypkg "github.com/drblury/conduit/internal/runtime/registry"
	"github.com/drblury/conduit/internal/runtime/stream"
	transportpkg "github.com/drblury/conduit/internal/runtime/transport"
	newtransport "github.com/drblury/conduit/transport"
)

type (
	Config              = configpkg.Config
	QueueConfig         = configpkg.QueueConfig
	ServiceConfig       = configpkg.ServiceConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	Message             = model.Message
	MessageOption       = model.MessageOption
	Headers             = model.Headers
	Priority            = model.Priority
	EventRecord         = model.EventRecord
	Snapshot            = model.Snapshot
	CircuitBreakerState = model.CircuitBreakerState

	PriorityQueue  = queue.PriorityQueue
	DeadLetterSink = queue.DeadLetterSink

	Processor       = processor.Processor
	ProcessorStats  = processor.Stats
	HandlerRegistry = processor.Registry
	Handler         = processor.Handler
	BatchHandler    = processor.BatchHandler
	HandlerFunc     = processor.HandlerFunc
	JobContext      = processor.JobContext
	JobHooks        = processor.Hooks

	StreamBackend     = stream.Backend
	StreamStore       = stream.Store
	StreamEntry       = stream.Entry
	EventStore        = eventsource.Store
	Reducer           = eventsource.Reducer
	DeadLetterArchive = deadletter.Archive

	Bus            = buspkg.Bus
	BusCallback    = buspkg.Callback
	Subscription   = buspkg.Subscription
	TopicStats     = buspkg.TopicStats
	RequestHandler = buspkg.RequestHandler

	ServiceRegistry    = registrypkg.Registry
	HealthStatus       = registrypkg.HealthStatus
	LoadBalancer       = registrypkg.LoadBalancer
	RoundRobin         = registrypkg.RoundRobin
	WeightedRoundRobin = registrypkg.WeightedRoundRobin

	Communicator   = communicator.Communicator
	Response       = communicator.Response
	StatusError    = communicator.StatusError
	CircuitBreaker = breaker.Breaker
	Cache          = cachepkg.Cache

	Codec       = codec.Codec
	Format      = codec.Format
	Compression = codec.Algorithm

	JSONHandler[T any]               = handlerpkg.JSONHandler[T]
	JSONRequestHandler[T any, O any] = handlerpkg.JSONRequestHandler[T, O]
	MessageContext[T any]            = handlerpkg.MessageContext[T]

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Metrics           = metricspkg.Metrics
	DeadLetterMetrics = metricspkg.DeadLetterMetrics

	Error                 = errspkg.Error
	ErrorKind             = errspkg.Kind
	ConfigValidationError = errspkg.ConfigValidationError

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewMessage        = model.NewMessage
	WithPriority      = model.WithPriority
	WithMaxRetries    = model.WithMaxRetries
	WithDelay         = model.WithDelay
	WithCorrelationID = model.WithCorrelationID
	WithReplyTo       = model.WithReplyTo
	WithHeader        = model.WithHeader
	ParsePriority     = model.ParsePriority

	NewQueue             = queue.New
	NewHandlerRegistry   = processor.NewRegistry
	NewProcessor         = processor.New
	LoggingHooks         = processor.LoggingHooks
	AlertingHooks        = processor.AlertingHooks
	NewStreamBackend     = stream.NewBackend
	NewMemoryStreams     = stream.NewMemoryStore
	NewRedisStreams      = stream.NewRedisStore
	NewEventStore        = eventsource.New
	DecodeState          = eventsource.DecodeState
	NewDeadLetterArchive = deadletter.NewArchive

	WithProcessorHooks = processor.WithHooks
	WithPollInterval   = processor.WithPollInterval
	WithBatchSize      = processor.WithBatchSize
	WithEventReducer   = eventsource.WithReducer
	WithSnapshotEvery  = eventsource.WithSnapshotEvery
	WithCacheKey       = communicator.WithCacheKey
	WithRequestHeader  = communicator.WithRequestHeader

	NewRoundRobin         = registrypkg.NewRoundRobin
	NewWeightedRoundRobin = registrypkg.NewWeightedRoundRobin
	RequestTopic          = buspkg.RequestTopic
	ResponseTopic         = buspkg.ResponseTopic

	NewCommunicator = communicator.New
	NewMemoryCache  = cachepkg.NewMemoryCache
	NewRedisCache   = cachepkg.NewRedisCache

	NewCodec     = codec.New
	DefaultCodec = codec.Default
	Marshal      = codec.MarshalJSON
	Unmarshal    = codec.UnmarshalJSON
	Encode       = codec.EncodeJSON
	Decode       = codec.DecodeJSON

	KindOf      = errspkg.KindOf
	IsRetryable = errspkg.IsRetryable
	IsFailFast  = errspkg.IsFailFast

	ErrQueueFull          = errspkg.ErrQueueFull
	ErrEmpty              = errspkg.ErrEmpty
	ErrMessageProcessing  = errspkg.ErrMessageProcessing
	ErrServiceUnavailable = errspkg.ErrServiceUnavailable
	ErrServiceTimeout     = errspkg.ErrServiceTimeout
	ErrServiceNotFound    = errspkg.ErrServiceNotFound
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrMessageRequired    = errspkg.ErrMessageRequired
	ErrClosed             = errspkg.ErrClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID

	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/drblury/conduit/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities
)

const (
	PriorityLow      = model.PriorityLow
	PriorityNormal   = model.PriorityNormal
	PriorityHigh     = model.PriorityHigh
	PriorityCritical = model.PriorityCritical

	FormatJSON          = codec.FormatJSON
	FormatBinaryCompact = codec.FormatBinaryCompact
	FormatNative        = codec.FormatNative

	CompressionNone   = codec.CompressionNone
	CompressionGzip   = codec.CompressionGzip
	CompressionSnappy = codec.CompressionSnappy
	CompressionLZ4    = codec.CompressionLZ4

	KindQueueFull          = errspkg.KindQueueFull
	KindEmpty              = errspkg.KindEmpty
	KindMessageProcessing  = errspkg.KindMessageProcessing
	KindServiceUnavailable = errspkg.KindServiceUnavailable
	KindServiceTimeout     = errspkg.KindServiceTimeout
	KindServiceNotFound    = errspkg.KindServiceNotFound
	KindTransport          = errspkg.KindTransport
	KindConfig             = errspkg.KindConfig
)

// SubscribeJSON subscribes fn on the service bus, decoding every payload
// into T.
func SubscribeJSON[T any](svc *Service, topic string, fn JSONHandler[T]) (*Subscription, error) {
	if svc == nil {
		return nil, ErrConfigRequired
	}
	cb, err := handlerpkg.BuildJSONHandler(fn, svc.Logger)
	if err != nil {
		return nil, err
	}
	return svc.Bus().Subscribe(topic, cb)
}

// HandleJSONRequests answers request/response calls addressed to service
// with fn.
func HandleJSONRequests[T any, O any](svc *Service, service string, fn JSONRequestHandler[T, O]) (*Subscription, error) {
	if svc == nil {
		return nil, ErrConfigRequired
	}
	respond, err := handlerpkg.BuildJSONRequestHandler(fn, svc.Logger)
	if err != nil {
		return nil, err
	}
	return svc.Bus().HandleRequests(service, respond)
}

// RegisterJSONHandler binds fn to topic in a processor handler registry.
func RegisterJSONHandler[T any](handlers *HandlerRegistry, topic string, fn JSONHandler[T]) error {
	if handlers == nil {
		return ErrHandlerRequired
	}
	cb, err := handlerpkg.BuildJSONHandler(fn, nil)
	if err != nil {
		return err
	}
	return handlers.RegisterFunc(topic, cb)
}

// DecodePayload returns the payload of msg as a T.
func DecodePayload[T any](msg *Message) (T, error) {
	return handlerpkg.DecodePayload[T](msg)
}
