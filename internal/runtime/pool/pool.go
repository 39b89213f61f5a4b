// Package pool bounds concurrent outbound connections per target service.
package pool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/metrics"
)

const (
	DefaultDNSTTL      = 30 * time.Second
	defaultIdleTimeout = 90 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// Option customises a Pool.
type Option func(*Pool)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithDNSTTL sets how long resolved addresses are reused.
func WithDNSTTL(ttl time.Duration) Option {
	return func(p *Pool) { p.dnsTTL = ttl }
}

// WithClient replaces the pooled HTTP client, for example with one bound to
// an httptest server.
func WithClient(c *http.Client) Option {
	return func(p *Pool) {
		if c != nil {
			p.client = c
		}
	}
}

// Pool hands out at most maxConnections concurrent Conns for one target.
type Pool struct {
	target    string
	max       int64
	sem       *semaphore.Weighted
	active    atomic.Int64
	transport *http.Transport
	client    *http.Client
	dnsTTL    time.Duration
	metrics   *metrics.Metrics
}

// New builds a pool for target. poolSize bounds open and idle connections
// per host; timeout bounds dialing.
func New(target string, maxConnections, poolSize int, timeout time.Duration, opts ...Option) *Pool {
	if maxConnections <= 0 {
		maxConnections = 1
	}
	if poolSize <= 0 {
		poolSize = maxConnections
	}
	p := &Pool{
		target: target,
		max:    int64(maxConnections),
		sem:    semaphore.NewWeighted(int64(maxConnections)),
		dnsTTL: DefaultDNSTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: defaultKeepAlive}
	p.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         newDNSCache(dialer, p.dnsTTL).DialContext,
		MaxConnsPerHost:     poolSize,
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     defaultIdleTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
	if p.client == nil {
		p.client = &http.Client{Transport: p.transport}
	}
	return p
}

// Target returns the service name the pool serves.
func (p *Pool) Target() string {
	return p.target
}

// Client returns the underlying HTTP client.
func (p *Pool) Client() *http.Client {
	return p.client
}

// Acquire blocks until a connection slot is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errspkg.ForService(errspkg.KindServiceTimeout, "acquire", p.target, err)
		}
		return nil, err
	}
	p.metrics.SetActiveConnections(p.target, p.active.Add(1))
	return &Conn{pool: p}, nil
}

// Do runs fn with a connection that is released when fn returns.
func (p *Pool) Do(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Active reports how many connections are checked out.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Capacity returns the maximum number of concurrent connections.
func (p *Pool) Capacity() int64 {
	return p.max
}

// Close drops idle keep-alive connections.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
	p.client.CloseIdleConnections()
}

// Conn is a checked-out connection slot.
type Conn struct {
	pool *Pool
	once sync.Once
}

// Do issues req over the pooled client.
func (c *Conn) Do(req *http.Request) (*http.Response, error) {
	return c.pool.client.Do(req)
}

// Release returns the slot. Extra calls are no-ops.
func (c *Conn) Release() {
	c.once.Do(func() {
		p := c.pool
		p.metrics.SetActiveConnections(p.target, p.active.Add(-1))
		p.sem.Release(1)
	})
}
