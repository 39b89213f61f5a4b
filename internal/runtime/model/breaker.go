package model

import "time"

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// CircuitBreakerState is a point-in-time view of one communicator's breaker.
type CircuitBreakerState struct {
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	LastFailureTime time.Time     `json:"last_failure_time"`
	State           string        `json:"state"`
	Threshold       int           `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
}
