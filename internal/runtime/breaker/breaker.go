// Package breaker guards outbound calls to one downstream service. It counts
// consecutive failures, opens after a threshold, and probes with a single
// request once the open timeout has elapsed.
package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

// Gauge values published through metrics.SetBreakerState.
const (
	gaugeClosed   = 0
	gaugeHalfOpen = 1
	gaugeOpen     = 2
)

// Option customises a Breaker.
type Option func(*Breaker)

// WithLogger logs state transitions.
func WithLogger(log logging.ServiceLogger) Option {
	return func(b *Breaker) { b.logger = logging.OrNop(log) }
}

// WithMetrics publishes the state gauge for the breaker's target.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithOnStateChange registers a callback invoked after every transition.
func WithOnStateChange(fn func(name, from, to string)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker tracks the health of one target service.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration

	cb          *gobreaker.CircuitBreaker
	lastFailure atomic.Int64

	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	onChange func(name, from, to string)
}

// New creates a closed breaker that opens after threshold consecutive
// failures and allows one probe after timeout.
func New(name string, threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.threshold)
		},
		IsSuccessful:  b.isSuccessful,
		OnStateChange: b.stateChanged,
	})
	b.metrics.SetBreakerState(name, gaugeClosed)
	return b
}

func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	b.logger.Info("circuit breaker state changed", logging.LogFields{
		"service": name,
		"from":    stateName(from),
		"to":      stateName(to),
	})
	b.metrics.SetBreakerState(name, gaugeValue(to))
	if b.onChange != nil {
		b.onChange(name, stateName(from), stateName(to))
	}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// Allow fails fast with a ServiceUnavailable error while the breaker is open.
// It does not consume the half-open probe slot.
func (b *Breaker) Allow() error {
	if b.cb.State() == gobreaker.StateOpen {
		return errspkg.ForService(errspkg.KindServiceUnavailable, "allow", b.name, gobreaker.ErrOpenState)
	}
	return nil
}

// Execute runs fn under the breaker. While open, fn is not called and a
// ServiceUnavailable error is returned.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), fn)
}

// ExecuteContext is Execute for calls bound to the caller's ctx. A failure
// observed after ctx ended says nothing about the target and is not counted,
// except for a half-open probe, which reopens the breaker.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		err := fn()
		if err == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, callerGone{err: err}
		}
		b.lastFailure.Store(time.Now().UnixNano())
		return nil, err
	})
	var gone callerGone
	if errors.As(err, &gone) {
		return gone.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errspkg.ForService(errspkg.KindServiceUnavailable, "execute", b.name, err)
	}
	return err
}

// callerGone marks a failure caused by the caller abandoning the call.
type callerGone struct{ err error }

func (e callerGone) Error() string { return e.err.Error() }
func (e callerGone) Unwrap() error { return e.err }

func (b *Breaker) isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var gone callerGone
	return errors.As(err, &gone) && b.cb.State() != gobreaker.StateHalfOpen
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() model.CircuitBreakerState {
	counts := b.cb.Counts()
	snap := model.CircuitBreakerState{
		FailureCount: int(counts.ConsecutiveFailures),
		SuccessCount: int(counts.TotalSuccesses),
		State:        stateName(b.cb.State()),
		Threshold:    b.threshold,
		Timeout:      b.timeout,
	}
	if ns := b.lastFailure.Load(); ns > 0 {
		snap.LastFailureTime = time.Unix(0, ns)
	}
	return snap
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return model.BreakerOpen
	case gobreaker.StateHalfOpen:
		return model.BreakerHalfOpen
	default:
		return model.BreakerClosed
	}
}

func gaugeValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return gaugeOpen
	case gobreaker.StateHalfOpen:
		return gaugeHalfOpen
	default:
		return gaugeClosed
	}
}
