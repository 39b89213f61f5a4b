// Package communicator issues outbound HTTP calls to one registered service
// through its connection pool and circuit breaker.
package communicator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/conduit/internal/runtime/breaker"
	"github.com/drblury/conduit/internal/runtime/cache"
	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
	"github.com/drblury/conduit/internal/runtime/pool"
)

// SpanName names the client span wrapping one Request.
const SpanName = "conduit.request"

const (
	// StatusSuccess is the Status of every returned Response.
	StatusSuccess = "success"
	// SourceHeader carries the calling service name.
	SourceHeader = "X-Source-Service"
)

// StatusError reports a response other than 200 OK.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Response is the decoded result of a successful call.
type Response struct {
	Status     string
	Data       any
	Body       []byte
	StatusCode int
	Latency    time.Duration
	Cached     bool

	serializer codec.Serializer
}

// Decode deserializes the raw body into v using the response content type.
func (r *Response) Decode(v any) error {
	if r.Body == nil {
		raw, err := codec.MarshalJSON(r.Data)
		if err != nil {
			return err
		}
		return codec.UnmarshalJSON(raw, v)
	}
	s := r.serializer
	if s == nil {
		s = codec.SerializerForContentType("")
	}
	return s.Unmarshal(r.Body, v)
}

type cachedResponse struct {
	StatusCode int `json:"status_code"`
	Data       any `json:"data"`
}

// Option customises a Communicator.
type Option func(*Communicator)

// WithCache enables response caching for GET requests issued with
// WithCacheKey.
func WithCache(c cache.Cache) Option {
	return func(cm *Communicator) { cm.cache = c }
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(cm *Communicator) { cm.logger = logging.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cm *Communicator) { cm.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(cm *Communicator) {
		if t != nil {
			cm.tracer = t
		}
	}
}

// WithPropagator overrides the globally registered text map propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(cm *Communicator) { cm.propagator = p }
}

// WithHTTPClient routes pooled connections through c.
func WithHTTPClient(c *http.Client) Option {
	return func(cm *Communicator) { cm.client = c }
}

// RequestOption customises a single Request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	cacheKey string
	headers  http.Header
}

// WithCacheKey caches a successful GET response under key for CacheTTL. It
// has no effect when the service disables caching with a negative CacheTTL.
func WithCacheKey(key string) RequestOption {
	return func(o *requestOptions) { o.cacheKey = key }
}

// WithRequestHeader adds a header to every attempt of the request.
func WithRequestHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Add(key, value)
	}
}

// Communicator calls one target service. It owns the target's pool and
// breaker.
type Communicator struct {
	source string
	cfg    config.ServiceConfig
	codec  codec.Codec

	pool    *pool.Pool
	breaker *breaker.Breaker
	cache   cache.Cache

	client     *http.Client
	logger     logging.ServiceLogger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a communicator from source to cfg.Name. Zero fields of cfg take
// library defaults.
func New(source string, cfg config.ServiceConfig, opts ...Option) (*Communicator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	cd, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	c := &Communicator{
		source: source,
		cfg:    cfg,
		codec:  cd,
		logger: logging.NopLogger(),
		tracer: otel.Tracer("github.com/drblury/conduit/communicator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}
	c.logger = c.logger.With(logging.LogFields{"target_service": cfg.Name})

	poolOpts := []pool.Option{pool.WithMetrics(c.metrics)}
	if c.client != nil {
		poolOpts = append(poolOpts, pool.WithClient(c.client))
	}
	c.pool = pool.New(cfg.Name, cfg.MaxConnections, cfg.ConnectionPoolSize, cfg.Timeout, poolOpts...)
	c.breaker = breaker.New(cfg.Name, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout,
		breaker.WithLogger(c.logger),
		breaker.WithMetrics(c.metrics),
	)
	return c, nil
}

// Target returns the called service name.
func (c *Communicator) Target() string { return c.cfg.Name }

// Config returns the resolved service configuration.
func (c *Communicator) Config() config.ServiceConfig { return c.cfg }

// BreakerState returns the breaker snapshot.
func (c *Communicator) BreakerState() model.CircuitBreakerState { return c.breaker.State() }

// ActiveConnections reports pooled connections in use.
func (c *Communicator) ActiveConnections() int64 { return c.pool.Active() }

// Close drops idle connections.
func (c *Communicator) Close() { c.pool.Close() }

// Request calls endpoint with payload encoded by the service codec. Failures
// are classified: ServiceUnavailable while the breaker is open, then
// ServiceTimeout or Transport once every attempt has failed.
func (c *Communicator) Request(ctx context.Context, method, endpoint string, payload any, opts ...RequestOption) (*Response, error) {
	var ro requestOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	start := time.Now()

	if err := c.breaker.Allow(); err != nil {
		c.metrics.IncError(c.cfg.Name, errspkg.KindServiceUnavailable.String())
		return nil, err
	}

	cacheable := method == http.MethodGet && ro.cacheKey != "" && c.cache != nil && c.cfg.CacheTTL > 0
	if cacheable {
		if resp, ok := c.fromCache(ctx, ro.cacheKey); ok {
			resp.Latency = time.Since(start)
			return resp, nil
		}
	}

	var body []byte
	if payload != nil {
		encoded, err := c.codec.Encode(payload)
		if err != nil {
			return nil, errspkg.ForService(errspkg.KindMessageProcessing, "encode", c.cfg.Name, err)
		}
		body = encoded
	}

	ctx, span := c.tracer.Start(ctx, SpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("conduit.target_service", c.cfg.Name),
			attribute.String("url.path", endpoint),
		),
	)
	defer span.End()

	var resp *Response
	err := c.breaker.ExecuteContext(ctx, func() error {
		r, err := c.retry(ctx, method, endpoint, body, ro.headers)
		resp = r
		return err
	})
	if err != nil {
		err = c.classify(ctx, err)
		c.metrics.IncError(c.cfg.Name, errspkg.KindOf(err).String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("service request failed", err, logging.LogFields{
			"method":   method,
			"endpoint": endpoint,
		})
		return nil, err
	}

	resp.Latency = time.Since(start)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if cacheable {
		c.toCache(ctx, ro.cacheKey, resp)
	}
	return resp, nil
}

func (c *Communicator) retry(ctx context.Context, method, endpoint string, body []byte, headers http.Header) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.cfg.RetryBackoff << 10

	return backoff.Retry(ctx, func() (*Response, error) {
		resp, err := c.attempt(ctx, method, endpoint, body, headers)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.RetryAttempts)),
	)
}

func (c *Communicator) attempt(ctx context.Context, method, endpoint string, body []byte, headers http.Header) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var resp *Response
	err := c.pool.Do(ctx, func(conn *pool.Conn) error {
		req, err := c.newRequest(ctx, method, endpoint, body, headers)
		if err != nil {
			return err
		}
		httpResp, err := conn.Do(req)
		if err != nil {
			c.metrics.ObserveCommunication(c.cfg.Name, method, 0, time.Since(start))
			return err
		}
		defer httpResp.Body.Close()
		c.metrics.ObserveCommunication(c.cfg.Name, method, httpResp.StatusCode, time.Since(start))

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		if httpResp.StatusCode != http.StatusOK {
			return &StatusError{Code: httpResp.StatusCode, Body: raw}
		}
		resp, err = c.decode(httpResp, raw)
		return err
	})
	if err != nil {
		c.logger.Debug("service request attempt failed", logging.LogFields{
			"method":   method,
			"endpoint": endpoint,
			"error":    err.Error(),
		})
	}
	return resp, err
}

func (c *Communicator) newRequest(ctx context.Context, method, endpoint string, body []byte, headers http.Header) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL()+endpoint, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", c.codec.Serializer.ContentType())
	if body != nil {
		req.Header.Set("Content-Type", c.codec.Serializer.ContentType())
	}
	if enc := c.codec.ContentEncoding(); enc != "" {
		if body != nil {
			req.Header.Set("Content-Encoding", enc)
		}
		req.Header.Set("Accept-Encoding", enc)
	}
	req.Header.Set(SourceHeader, c.source)
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func (c *Communicator) decode(httpResp *http.Response, raw []byte) (*Response, error) {
	decompressor, err := codec.ForContentEncoding(httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	plain, err := decompressor.Decompress(raw)
	if err != nil {
		return nil, err
	}
	serializer := codec.SerializerForContentType(httpResp.Header.Get("Content-Type"))
	resp := &Response{
		Status:     StatusSuccess,
		Body:       plain,
		StatusCode: httpResp.StatusCode,
		serializer: serializer,
	}
	if len(plain) > 0 {
		if err := serializer.Unmarshal(plain, &resp.Data); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Communicator) classify(ctx context.Context, err error) error {
	var typed *errspkg.Error
	if errors.As(err, &typed) && typed.Kind != errspkg.KindUnknown {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errspkg.ForService(errspkg.KindServiceTimeout, "request", c.cfg.Name, err)
	}
	return errspkg.ForService(errspkg.KindTransport, "request", c.cfg.Name, err)
}

func (c *Communicator) fromCache(ctx context.Context, key string) (*Response, bool) {
	var entry cachedResponse
	ok, err := c.cache.Get(ctx, key, &entry)
	if err != nil {
		c.logger.Error("response cache read failed", err, logging.LogFields{"key": key})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &Response{Status: StatusSuccess, Data: entry.Data, StatusCode: entry.StatusCode, Cached: true}, true
}

func (c *Communicator) toCache(ctx context.Context, key string, resp *Response) {
	entry := cachedResponse{StatusCode: resp.StatusCode, Data: resp.Data}
	if err := c.cache.Set(ctx, key, entry, c.cfg.CacheTTL); err != nil {
		c.logger.Error("response cache write failed", err, logging.LogFields{"key": key})
	}
}
