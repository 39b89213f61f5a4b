package processor

import (
	"context"
	"time"

	"github.com/drblury/conduit/internal/runtime/logging"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	Context    context.Context
	Queue      string
	Topic      string
	MessageID  string
	RetryCount int
	// BatchSize is 1 for single-message invocations.
	BatchSize int
	StartedAt time.Time
	// Duration is set for OnDone and OnError.
	Duration time.Duration
}

// Hooks are optional lifecycle callbacks. Nil hooks are skipped.
type Hooks struct {
	OnStart func(JobContext)
	OnDone  func(JobContext)
	OnError func(JobContext, error)
}

// Merge returns hooks that call h first, then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chain(h.OnStart, other.OnStart),
		OnDone:  chain(h.OnDone, other.OnDone),
		OnError: chainErr(h.OnError, other.OnError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(jc JobContext) {
		a(jc)
		b(jc)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(jc JobContext, err error) {
		a(jc, err)
		b(jc, err)
	}
}

func (h Hooks) start(jc JobContext) {
	if h.OnStart != nil {
		h.OnStart(jc)
	}
}

func (h Hooks) finish(jc JobContext, err error) {
	if err != nil {
		if h.OnError != nil {
			h.OnError(jc, err)
		}
		return
	}
	if h.OnDone != nil {
		h.OnDone(jc)
	}
}

// LoggingHooks logs every invocation through log.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrNop(log)
	return Hooks{
		OnStart: func(jc JobContext) {
			log.Debug("job started", logging.LogFields{
				"queue":       jc.Queue,
				"topic":       jc.Topic,
				"message_id":  jc.MessageID,
				"retry_count": jc.RetryCount,
				"batch_size":  jc.BatchSize,
			})
		},
		OnDone: func(jc JobContext) {
			log.Info("job completed", logging.LogFields{
				"queue":       jc.Queue,
				"topic":       jc.Topic,
				"message_id":  jc.MessageID,
				"duration_ms": jc.Duration.Milliseconds(),
			})
		},
		OnError: func(jc JobContext, err error) {
			log.Error("job failed", err, logging.LogFields{
				"queue":       jc.Queue,
				"topic":       jc.Topic,
				"message_id":  jc.MessageID,
				"duration_ms": jc.Duration.Milliseconds(),
				"retry_count": jc.RetryCount,
			})
		},
	}
}

// AlertingHooks calls alert for every failed invocation.
func AlertingHooks(alert func(JobContext, error)) Hooks {
	return Hooks{OnError: alert}
}
