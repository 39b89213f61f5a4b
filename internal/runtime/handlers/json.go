// Package handlers adapts typed functions to the message callbacks used by
// the bus and the processor.
package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/conduit/internal/runtime/codec"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	loggingpkg "github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/model"
)

// JSONHandler processes a payload decoded into T.
type JSONHandler[T any] func(ctx context.Context, msg MessageContext[T]) error

// JSONRequestHandler answers a request decoded into T with a reply of type O.
type JSONRequestHandler[T any, O any] func(ctx context.Context, req MessageContext[T]) (O, error)

// Callback matches bus.Callback and processor.HandlerFunc.
type Callback = func(ctx context.Context, msg *model.Message) error

// RequestCallback matches bus.RequestHandler.
type RequestCallback = func(ctx context.Context, req *model.Message) (any, error)

// BuildJSONHandler converts handler into a message callback. Payloads that
// already hold a T are passed through; anything else is re-encoded as JSON
// and decoded into T.
func BuildJSONHandler[T any](handler JSONHandler[T], logger loggingpkg.ServiceLogger) (Callback, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	logger = loggingpkg.OrNop(logger)

	return func(ctx context.Context, msg *model.Message) error {
		if msg == nil {
			return errspkg.ErrMessageRequired
		}
		payload, err := DecodePayload[T](msg)
		if err != nil {
			return err
		}
		return handler(ctx, MessageContext[T]{
			Payload: payload,
			Message: msg,
			Logger:  logger.With(loggingpkg.LogFields{"topic": msg.Topic, "message_id": msg.ID}),
		})
	}, nil
}

// BuildJSONRequestHandler converts handler into a request responder for
// bus.HandleRequests.
func BuildJSONRequestHandler[T any, O any](handler JSONRequestHandler[T, O], logger loggingpkg.ServiceLogger) (RequestCallback, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	logger = loggingpkg.OrNop(logger)

	return func(ctx context.Context, req *model.Message) (any, error) {
		if req == nil {
			return nil, errspkg.ErrMessageRequired
		}
		payload, err := DecodePayload[T](req)
		if err != nil {
			return nil, err
		}
		return handler(ctx, MessageContext[T]{
			Payload: payload,
			Message: req,
			Logger:  logger.With(loggingpkg.LogFields{"topic": req.Topic, "method": req.Headers.String(model.HeaderMethod)}),
		})
	}, nil
}

// DecodePayload returns msg.Payload as a T.
func DecodePayload[T any](msg *model.Message) (T, error) {
	var out T
	switch v := msg.Payload.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	case nil:
		return out, nil
	}

	raw, err := codec.MarshalJSON(msg.Payload)
	if err != nil {
		return out, errspkg.New(errspkg.KindMessageProcessing, "decode payload", err)
	}
	if err := codec.UnmarshalJSON(raw, &out); err != nil {
		return out, errspkg.New(errspkg.KindMessageProcessing, "decode payload",
			fmt.Errorf("payload of %s is not a %T: %w", msg.Topic, out, err))
	}
	return out, nil
}
