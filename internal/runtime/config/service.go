package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/drblury/conduit/internal/runtime/codec"
)

// ServiceConfig describes a downstream service endpoint and the policies used
// when calling it. It is registered once at startup and read-only afterwards.
type ServiceConfig struct {
	Name     string
	Host     string
	Port     int
	Protocol string

	Timeout            time.Duration
	MaxConnections     int
	ConnectionPoolSize int

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	EnableCompression bool
	// Compression is used when EnableCompression is set. Defaults to gzip.
	Compression   codec.Algorithm
	Serialization codec.Format

	// CacheTTL bounds cached GET responses. Negative disables caching.
	CacheTTL time.Duration

	// RetryAttempts is the total number of attempts per request, including
	// the first one.
	RetryAttempts int
	RetryBackoff  time.Duration

	// Weight is the static weight used by weighted round-robin balancing.
	Weight int
	// HealthPath is requested by health checks. Defaults to "/health".
	HealthPath string
}

const (
	DefaultProtocol                = "http"
	DefaultServiceTimeout          = 30 * time.Second
	DefaultMaxConnections          = 100
	DefaultConnectionPoolSize      = 10
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerTimeout   = 60 * time.Second
	DefaultCacheTTL                = 5 * time.Minute
	DefaultRetryAttempts           = 3
	DefaultRetryBackoff            = time.Second
	DefaultHealthPath              = "/health"
)

// WithDefaults returns a copy with zero values replaced by library defaults.
func (s ServiceConfig) WithDefaults() ServiceConfig {
	if s.Protocol == "" {
		s.Protocol = DefaultProtocol
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultServiceTimeout
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.ConnectionPoolSize <= 0 {
		s.ConnectionPoolSize = DefaultConnectionPoolSize
	}
	if s.CircuitBreakerThreshold <= 0 {
		s.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if s.CircuitBreakerTimeout <= 0 {
		s.CircuitBreakerTimeout = DefaultCircuitBreakerTimeout
	}
	if s.Compression == "" || s.Compression == codec.CompressionNone {
		s.Compression = codec.CompressionGzip
	}
	if s.Serialization == "" {
		s.Serialization = codec.FormatJSON
	}
	if s.CacheTTL == 0 {
		s.CacheTTL = DefaultCacheTTL
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = DefaultRetryBackoff
	}
	if s.Weight <= 0 {
		s.Weight = 1
	}
	if s.HealthPath == "" {
		s.HealthPath = DefaultHealthPath
	}
	return s
}

// BaseURL returns protocol://host:port.
func (s ServiceConfig) BaseURL() string {
	protocol := s.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	return protocol + "://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Codec resolves the request codec. Compression applies only when enabled.
func (s ServiceConfig) Codec() (codec.Codec, error) {
	algo := codec.CompressionNone
	if s.EnableCompression {
		algo = s.Compression
		if algo == "" {
			algo = codec.CompressionGzip
		}
	}
	return codec.New(s.Serialization, algo)
}

// Validate reports missing identity fields and out-of-range settings.
func (s ServiceConfig) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("service: name is required"))
	}
	if s.Host == "" {
		errs = append(errs, fmt.Errorf("service %s: host is required", s.Name))
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("service %s: invalid port %d", s.Name, s.Port))
	}
	if s.Protocol != "" && s.Protocol != "http" && s.Protocol != "https" {
		errs = append(errs, fmt.Errorf("service %s: unsupported protocol %q", s.Name, s.Protocol))
	}
	if s.Timeout < 0 || s.CircuitBreakerTimeout < 0 || s.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("service %s: durations cannot be negative", s.Name))
	}
	if s.MaxConnections < 0 || s.ConnectionPoolSize < 0 || s.CircuitBreakerThreshold < 0 || s.RetryAttempts < 0 || s.Weight < 0 {
		errs = append(errs, fmt.Errorf("service %s: sizes and counts cannot be negative", s.Name))
	}
	return errors.Join(errs...)
}
