// Package registry tracks the downstream services a process talks to, their
// health, and the load balancers choosing between them.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
)

// DefaultCheckTimeout bounds one health probe.
const DefaultCheckTimeout = 5 * time.Second

const maxConcurrentChecks = 8

// HealthStatus is the outcome of the latest probe of one service.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	LastChecked  time.Time     `json:"last_checked"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// Option customises a Registry.
type Option func(*Registry)

func WithLogger(log logging.ServiceLogger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(log) }
}

// WithHTTPClient replaces the client used for health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) {
		if c != nil {
			r.client = c
		}
	}
}

func WithCheckTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry holds service configs by name. Configs are read-only once
// registered.
type Registry struct {
	mu        sync.RWMutex
	services  map[string]config.ServiceConfig
	order     []string
	health    map[string]HealthStatus
	balancers []LoadBalancer

	client  *http.Client
	timeout time.Duration
	logger  logging.ServiceLogger
}

func New(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]config.ServiceConfig),
		health:   make(map[string]HealthStatus),
		client:   &http.Client{},
		timeout:  DefaultCheckTimeout,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.LogFields{"component": "registry"})
	return r
}

// Register adds svc with defaults applied. Services start out healthy until
// a probe says otherwise.
func (r *Registry) Register(svc config.ServiceConfig) error {
	svc = svc.WithDefaults()
	if err := svc.Validate(); err != nil {
		return errspkg.ConfigValidationError{Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.services[svc.Name]; dup {
		return errspkg.ForService(errspkg.KindConfig, "register", svc.Name, fmt.Errorf("service already registered"))
	}
	r.services[svc.Name] = svc
	r.order = append(r.order, svc.Name)
	r.health[svc.Name] = HealthStatus{Healthy: true}
	for _, b := range r.balancers {
		b.Add(svc.Name, svc.Weight)
	}

	r.logger.Info("service registered", logging.LogFields{
		"service": svc.Name,
		"url":     svc.BaseURL(),
	})
	return nil
}

// Deregister removes name from the registry and every balancer.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; !ok {
		return
	}
	delete(r.services, name)
	delete(r.health, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, b := range r.balancers {
		b.Remove(name)
	}
}

// Discover returns the config of a registered service that is not currently
// marked unhealthy.
func (r *Registry) Discover(name string) (config.ServiceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok || !r.health[name].Healthy {
		return config.ServiceConfig{}, false
	}
	return svc, true
}

// Lookup returns the config of name regardless of health.
func (r *Registry) Lookup(name string) (config.ServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return config.ServiceConfig{}, errspkg.ForService(errspkg.KindServiceNotFound, "lookup", name, nil)
	}
	return svc, nil
}

// Names lists registered services in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Health returns the latest status of name.
func (r *Registry) Health(name string) (HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.health[name]
	return status, ok
}

// HealthStatuses returns a copy of every service's latest status.
func (r *Registry) HealthStatuses() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.health))
	for k, v := range r.health {
		out[k] = v
	}
	return out
}

// Balance attaches b and seeds it with the currently healthy services.
func (r *Registry) Balance(b LoadBalancer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.balancers = append(r.balancers, b)
	for _, name := range r.order {
		if r.health[name].Healthy {
			b.Add(name, r.services[name].Weight)
		}
	}
}

// CheckHealth probes name once. Only an unknown name is an error; probe
// failures are reported through the returned status.
func (r *Registry) CheckHealth(ctx context.Context, name string) (HealthStatus, error) {
	svc, err := r.Lookup(name)
	if err != nil {
		return HealthStatus{}, err
	}

	status := r.probe(ctx, svc)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, still := r.services[name]; !still {
		return status, nil
	}
	previous := r.health[name]
	r.health[name] = status

	switch {
	case previous.Healthy && !status.Healthy:
		for _, b := range r.balancers {
			b.Remove(name)
		}
		r.logger.Info("service marked unhealthy", logging.LogFields{"service": name, "reason": status.Error})
	case !previous.Healthy && status.Healthy:
		for _, b := range r.balancers {
			b.Add(name, svc.Weight)
		}
		r.logger.Info("service recovered", logging.LogFields{"service": name})
	}
	return status, nil
}

func (r *Registry) probe(ctx context.Context, svc config.ServiceConfig) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	status := HealthStatus{LastChecked: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL()+svc.HealthPath, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp, err := r.client.Do(req)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("health check returned %d", resp.StatusCode)
		return status
	}
	status.Healthy = true
	return status
}

// CheckAll probes every registered service concurrently.
func (r *Registry) CheckAll(ctx context.Context) map[string]HealthStatus {
	names := r.Names()

	var (
		mu  sync.Mutex
		out = make(map[string]HealthStatus, len(names))
		g   errgroup.Group
	)
	g.SetLimit(maxConcurrentChecks)
	for _, name := range names {
		g.Go(func() error {
			status, err := r.CheckHealth(ctx, name)
			if err != nil {
				// deregistered while the round was running
				return nil
			}
			mu.Lock()
			out[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Run probes every service each interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

type healthReport struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service,omitempty"`
	Time      time.Time               `json:"time"`
	Services  map[string]HealthStatus `json:"services,omitempty"`
	Unhealthy []string                `json:"unhealthy,omitempty"`
}

// HealthHandler answers health probes for the local service with 200 and a
// JSON report that includes the status of every registered dependency. The
// status reads "degraded" while any dependency is unhealthy.
func (r *Registry) HealthHandler(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{
			Status:   "healthy",
			Service:  service,
			Time:     time.Now().UTC(),
			Services: r.HealthStatuses(),
		}
		if report.Unhealthy = r.unhealthy(); len(report.Unhealthy) > 0 {
			report.Status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := codec.EncodeJSON(w, report); err != nil {
			r.logger.Error("failed to write health report", err, nil)
		}
	})
}

// unhealthy lists services currently marked unhealthy, sorted.
func (r *Registry) unhealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, status := range r.health {
		if !status.Healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
