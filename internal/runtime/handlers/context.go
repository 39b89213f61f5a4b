package handlers

import (
	loggingpkg "github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/model"
)

// MessageContext carries the decoded payload together with the message it
// arrived in.
type MessageContext[T any] struct {
	Payload T
	Message *model.Message
	Logger  loggingpkg.ServiceLogger
}

// Header returns the string form of a message header.
func (c MessageContext[T]) Header(key string) string {
	return c.Message.Headers.String(key)
}

// CorrelationID returns the correlation id of the underlying message.
func (c MessageContext[T]) CorrelationID() string {
	return c.Message.CorrelationID
}

// CloneHeaders copies the headers so handlers can build outgoing messages
// without touching the original.
func (c MessageContext[T]) CloneHeaders() model.Headers {
	return c.Message.Headers.Clone()
}
