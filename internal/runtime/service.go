package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/conduit/internal/runtime/bus"
	"github.com/drblury/conduit/internal/runtime/cache"
	"github.com/drblury/conduit/internal/runtime/communicator"
	configpkg "github.com/drblury/conduit/internal/runtime/config"
	"github.com/drblury/conduit/internal/runtime/deadletter"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/eventsource"
	loggingpkg "github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/processor"
	"github.com/drblury/conduit/internal/runtime/queue"
	"github.com/drblury/conduit/internal/runtime/registry"
	"github.com/drblury/conduit/internal/runtime/stream"
	transportpkg "github.com/drblury/conduit/internal/runtime/transport"
)

// DefaultMetricsPort serves /metrics, /health, and /status when MetricsPort
// is unset.
const DefaultMetricsPort = 9090

const shutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Registerer receives the Prometheus collectors. When it is also a
	// Gatherer it backs the /metrics endpoint.
	Registerer prometheus.Registerer
	// Redis backs the stream store, the response cache, and event snapshots.
	// When nil and RedisAddr is set, the Service dials and owns a client.
	Redis       redis.UniversalClient
	StreamStore stream.Store
	Cache       cache.Cache
	Tracer      trace.Tracer
	// HTTPClient is used for health probes and outbound service calls.
	HTTPClient *http.Client
}

// Service wires the transport, bus, registry, storage, and metrics of one
// process, and builds queues, processors, and communicators on demand.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transportpkg.Transport
	bus        *bus.Bus
	registry   *registry.Registry
	metrics    *metrics.Metrics
	dlqMetrics *metrics.DeadLetterMetrics
	archive    *deadletter.Archive
	gatherer   prometheus.Gatherer

	redis     redis.UniversalClient
	ownsRedis bool
	streams   stream.Store
	cache     cache.Cache
	ownsCache bool

	tracer     trace.Tracer
	httpClient *http.Client
	resources  *resourceTracker

	mu            sync.Mutex
	queues        map[string]*queue.PriorityQueue
	processors    []managedProcessor
	communicators map[string]*communicator.Communicator
	events        *eventsource.Store

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

type managedProcessor struct {
	queue     string
	processor *processor.Processor
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot be built. Use TryNewService to handle the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, builds the transport, and wires every shared
// component. Conf on the returned Service has defaults applied.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	log = loggingpkg.OrNop(log)
	effective := conf.WithDefaults()

	log.Info("Creating conduit service",
		loggingpkg.LogFields{
			"service":       effective.ServiceName,
			"pubsub_system": effective.GetPubSubSystem(),
			"config":        effective.String(),
		})

	s := &Service{
		Conf:          &effective,
		Logger:        log,
		tracer:        deps.Tracer,
		httpClient:    deps.HTTPClient,
		resources:     newResourceTracker(),
		queues:        make(map[string]*queue.PriorityQueue),
		communicators: make(map[string]*communicator.Communicator),
	}

	if err := s.initMetrics(deps.Registerer); err != nil {
		return nil, err
	}
	s.initStorage(deps)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		_ = s.closeStorage()
		return nil, err
	}
	s.transport = tr

	s.bus, err = bus.New(bus.Config{
		Service:    effective.ServiceName,
		Publisher:  tr.Publisher,
		Subscriber: tr.Subscriber,
	}, log, bus.WithMetrics(s.metrics))
	if err != nil {
		_ = tr.Close()
		_ = s.closeStorage()
		return nil, err
	}

	regOpts := []registry.Option{
		registry.WithLogger(log),
		registry.WithCheckTimeout(effective.HealthCheckTimeout),
	}
	if deps.HTTPClient != nil {
		regOpts = append(regOpts, registry.WithHTTPClient(deps.HTTPClient))
	}
	s.registry = registry.New(regOpts...)
	for _, svc := range effective.Services {
		if err := s.registry.Register(svc); err != nil {
			_ = tr.Close()
			_ = s.closeStorage()
			return nil, err
		}
	}

	return s, nil
}

func (s *Service) initMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.metrics = metrics.New(s.Conf.ServiceName, reg)
	s.dlqMetrics = metrics.NewDeadLetterMetrics(reg)
	s.archive = deadletter.NewArchive(s.dlqMetrics)

	if !s.Conf.MetricsEnabled {
		return nil
	}
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("conduit: register metrics: %w", err)
	}
	if err := s.dlqMetrics.Register(); err != nil {
		return fmt.Errorf("conduit: register dead-letter metrics: %w", err)
	}
	return nil
}

func (s *Service) initStorage(deps ServiceDependencies) {
	s.redis = deps.Redis
	if s.redis == nil && s.Conf.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.Conf.RedisAddr,
			Password: s.Conf.RedisPassword,
			DB:       s.Conf.RedisDB,
		})
		s.ownsRedis = true
	}

	switch {
	case deps.StreamStore != nil:
		s.streams = deps.StreamStore
	case s.redis != nil:
		s.streams = stream.NewRedisStore(s.redis)
	default:
		s.streams = stream.NewMemoryStore()
	}

	switch {
	case deps.Cache != nil:
		s.cache = deps.Cache
	case s.redis != nil:
		s.cache = cache.NewRedisCache(s.redis, s.Conf.ServiceName)
	default:
		s.cache = cache.NewMemoryCache(time.Minute)
		s.ownsCache = true
	}
}

func (s *Service) closeStorage() error {
	var errs []error
	if mc, ok := s.cache.(*cache.MemoryCache); ok && s.ownsCache {
		errs = append(errs, mc.Close())
	}
	if s.ownsRedis && s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) Bus() *bus.Bus                                 { return s.bus }
func (s *Service) Registry() *registry.Registry                  { return s.registry }
func (s *Service) Metrics() *metrics.Metrics                     { return s.metrics }
func (s *Service) DeadLetters() *deadletter.Archive              { return s.archive }
func (s *Service) DeadLetterMetrics() *metrics.DeadLetterMetrics { return s.dlqMetrics }
func (s *Service) Streams() stream.Store                         { return s.streams }
func (s *Service) Cache() cache.Cache                            { return s.cache }

// NewQueue builds a priority queue whose rejected and exhausted messages land
// in the dead-letter archive. Queue names are unique per Service.
func (s *Service) NewQueue(cfg configpkg.QueueConfig) (*queue.PriorityQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.queues[cfg.Name]; dup {
		return nil, errspkg.New(errspkg.KindConfig, "new_queue", fmt.Errorf("queue %s already exists", cfg.Name))
	}
	q, err := queue.New(cfg,
		queue.WithDeadLetterSink(s.archive),
		queue.WithMetrics(s.metrics),
		queue.WithLogger(s.Logger),
	)
	if err != nil {
		return nil, err
	}
	s.queues[cfg.Name] = q
	return q, nil
}

// Queue returns a queue built by NewQueue.
func (s *Service) Queue(name string) (*queue.PriorityQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	return q, ok
}

// NewProcessor builds a stopped processor over q with the service logger,
// metrics, tracer, and retry delays. opts are applied last. Close stops it.
func (s *Service) NewProcessor(q processor.Queue, handlers *processor.Registry, opts ...processor.Option) (*processor.Processor, error) {
	if handlers == nil {
		handlers = processor.NewRegistry()
	}
	base := []processor.Option{
		processor.WithLogger(s.Logger),
		processor.WithMetrics(s.metrics),
		processor.WithRetryDelays(s.Conf.RetryBaseDelay, s.Conf.MaxRetryDelay),
	}
	if s.tracer != nil {
		base = append(base, processor.WithTracer(s.tracer))
	}
	p, err := processor.New(q, handlers, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.processors = append(s.processors, managedProcessor{queue: q.Name(), processor: p})
	s.mu.Unlock()
	return p, nil
}

// NewBackend builds a durable stream backend over the service stream store,
// consuming as this service's consumer group.
func (s *Service) NewBackend(cfg configpkg.QueueConfig, opts ...stream.BackendOption) (*stream.Backend, error) {
	base := []stream.BackendOption{
		stream.WithConsumerGroup(s.Conf.StreamConsumerGroup),
		stream.WithServiceName(s.Conf.ServiceName),
		stream.WithBlock(s.Conf.StreamBlock),
		stream.WithRetryDelays(s.Conf.RetryBaseDelay, s.Conf.MaxRetryDelay),
		stream.WithBackendLogger(s.Logger),
		stream.WithBackendMetrics(s.metrics),
		stream.WithDeadLetterMetrics(s.dlqMetrics),
	}
	return stream.NewBackend(s.streams, cfg, append(base, opts...)...)
}

// NewEventStore builds the event store of this Service. Events are persisted
// in the stream store, snapshots in the cache, and every append is announced
// on the bus. Only one event store may exist per Service.
func (s *Service) NewEventStore(opts ...eventsource.Option) (*eventsource.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events != nil {
		return nil, errspkg.New(errspkg.KindConfig, "new_event_store", errspkg.ErrAlreadyRunning)
	}
	base := []eventsource.Option{
		eventsource.WithSnapshotEvery(s.Conf.SnapshotEvery),
		eventsource.WithPublisher(s.bus),
		eventsource.WithLogger(s.Logger),
	}
	store, err := eventsource.New(s.streams, s.cache, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	s.events = store
	return store, nil
}

// EventStore returns the store built by NewEventStore.
func (s *Service) EventStore() (*eventsource.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events, s.events != nil
}

// Communicator returns the outbound client for a registered service, built
// on first use.
func (s *Service) Communicator(name string) (*communicator.Communicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.communicators[name]; ok {
		return c, nil
	}
	svc, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	opts := []communicator.Option{
		communicator.WithCache(s.cache),
		communicator.WithLogger(s.Logger),
		communicator.WithMetrics(s.metrics),
	}
	if s.tracer != nil {
		opts = append(opts, communicator.WithTracer(s.tracer))
	}
	if s.httpClient != nil {
		opts = append(opts, communicator.WithHTTPClient(s.httpClient))
	}
	c, err := communicator.New(s.Conf.ServiceName, svc, opts...)
	if err != nil {
		return nil, err
	}
	s.communicators[name] = c
	return c, nil
}

// Start runs the bus, the health loop, and the HTTP servers until ctx is
// cancelled, then shuts everything down.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return err
	}
	s.registerDefaultHandlers()
	s.startHTTPServers()

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.registry.Run(loopCtx, s.Conf.HealthCheckInterval)
	}()

	s.Logger.Info("conduit service started", loggingpkg.LogFields{"service": s.Conf.ServiceName})
	<-ctx.Done()

	stopLoop()
	<-loopDone
	return s.Close()
}

// Close stops processors, the bus, the HTTP servers, and the transport, and
// releases owned storage. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		s.mu.Lock()
		procs := append([]managedProcessor(nil), s.processors...)
		comms := make([]*communicator.Communicator, 0, len(s.communicators))
		for _, c := range s.communicators {
			comms = append(comms, c)
		}
		events := s.events
		s.mu.Unlock()

		for _, mp := range procs {
			if err := mp.processor.Stop(); err != nil && !errors.Is(err, errspkg.ErrNotRunning) {
				errs = append(errs, err)
			}
		}
		errs = append(errs, s.bus.Close())
		errs = append(errs, s.stopHTTPServers())
		for _, c := range comms {
			c.Close()
		}
		if events != nil {
			errs = append(errs, events.Close())
		}
		errs = append(errs, s.transport.Close())
		errs = append(errs, s.closeStorage())

		s.closeErr = errors.Join(errs...)
		s.Logger.Info("conduit service stopped", loggingpkg.LogFields{"service": s.Conf.ServiceName})
	})
	return s.closeErr
}

func (s *Service) metricsPort() int {
	if s.Conf.MetricsPort > 0 {
		return s.Conf.MetricsPort
	}
	return DefaultMetricsPort
}

// registerDefaultHandlers exposes /metrics when metrics are enabled, and
// /health and /status whenever a metrics port is known.
func (s *Service) registerDefaultHandlers() {
	if !s.Conf.MetricsEnabled && s.Conf.MetricsPort == 0 {
		return
	}
	port := s.metricsPort()
	if s.Conf.MetricsEnabled {
		s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.RegisterHTTPHandler(port, "/health", s.registry.HealthHandler(s.Conf.ServiceName))
	s.RegisterHTTPHandler(port, "/status", http.HandlerFunc(s.handleStatus))
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
