package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrQueueFull          = sterrors.New("conduit: queue is full")
	ErrEmpty              = sterrors.New("conduit: queue is empty")
	ErrMessageProcessing  = sterrors.New("conduit: message processing failed")
	ErrServiceUnavailable = sterrors.New("conduit: service unavailable")
	ErrServiceTimeout     = sterrors.New("conduit: service timeout")
	ErrServiceNotFound    = sterrors.New("conduit: service not found")

	ErrConfigRequired  = sterrors.New("conduit: configuration is required")
	ErrLoggerRequired  = sterrors.New("conduit: logger is required")
	ErrHandlerRequired = sterrors.New("conduit: handler is required")
	ErrTopicRequired   = sterrors.New("conduit: topic is required")
	ErrMessageRequired = sterrors.New("conduit: message is required")
	ErrStoreRequired   = sterrors.New("conduit: stream store is required")
	ErrAlreadyRunning  = sterrors.New("conduit: already running")
	ErrNotRunning      = sterrors.New("conduit: not running")
	ErrClosed          = sterrors.New("conduit: closed")
	ErrGroupExists     = sterrors.New("conduit: consumer group already exists")
	ErrReducerRequired = sterrors.New("conduit: reducer is required")
)

// Kind classifies a failure so callers can branch on it without inspecting
// error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindQueueFull
	KindEmpty
	KindMessageProcessing
	KindServiceUnavailable
	KindServiceTimeout
	KindServiceNotFound
	KindTransport
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindQueueFull:          "queue_full",
	KindEmpty:              "empty",
	KindMessageProcessing:  "message_processing",
	KindServiceUnavailable: "service_unavailable",
	KindServiceTimeout:     "service_timeout",
	KindServiceNotFound:    "service_not_found",
	KindTransport:          "transport",
	KindConfig:             "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var kindSentinels = map[Kind]error{
	KindQueueFull:          ErrQueueFull,
	KindEmpty:              ErrEmpty,
	KindMessageProcessing:  ErrMessageProcessing,
	KindServiceUnavailable: ErrServiceUnavailable,
	KindServiceTimeout:     ErrServiceTimeout,
	KindServiceNotFound:    ErrServiceNotFound,
}

// Error is the typed failure returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Service string
	Err     error
}

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ForService builds an Error attributed to a target service.
func ForService(kind Kind, op, service string, err error) *Error {
	return &Error{Kind: kind, Op: op, Service: service, Err: err}
}

func (e *Error) Error() string {
	msg := "conduit: " + e.Kind.String()
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Service != "" {
		msg += " (" + e.Service + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both the wrapped error and the sentinel of the error's kind, so
// errors.Is(err, ErrServiceTimeout) holds for any timeout-kind Error.
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return false
}

// KindOf reports the Kind of err. Bare sentinels map to their kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range kindSentinels {
		if sterrors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether a caller may retry the failed operation, for
// example after a timeout with a fresh correlation id.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindServiceTimeout, KindTransport, KindEmpty:
		return true
	default:
		return false
	}
}

// IsFailFast reports failures that must not be retried immediately.
func IsFailFast(err error) bool {
	switch KindOf(err) {
	case KindServiceUnavailable, KindServiceNotFound, KindConfig:
		return true
	default:
		return false
	}
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("conduit: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
