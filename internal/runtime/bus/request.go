package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/ids"
	"github.com/drblury/conduit/internal/runtime/logging"
	"github.com/drblury/conduit/internal/runtime/model"
)

// HeaderError carries a responder failure back to the requester.
const HeaderError = "error"

// DefaultRequestTimeout applies when RequestResponse gets a non-positive timeout.
const DefaultRequestTimeout = 30 * time.Second

// RequestTopic is the topic a service receives requests on.
func RequestTopic(service string) string { return service + "_request" }

// ResponseTopic is the topic replies to requests for service travel on.
func ResponseTopic(service string) string { return service + "_response" }

// RequestHandler answers one request. The returned value becomes the reply
// payload.
type RequestHandler func(ctx context.Context, req *model.Message) (any, error)

// RequestResponse sends method with payload to target and waits for the
// reply carrying the same correlation id.
func (b *Bus) RequestResponse(ctx context.Context, target, method string, payload any, timeout time.Duration) (*model.Message, error) {
	if target == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	correlationID := ids.CreateULID()
	replyTopic := ResponseTopic(target)
	replies := make(chan *model.Message, 1)

	sub, err := b.Subscribe(replyTopic, func(_ context.Context, msg *model.Message) error {
		if msg.CorrelationID != correlationID {
			return nil
		}
		select {
		case replies <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	req := model.NewMessage(RequestTopic(target), payload,
		model.WithCorrelationID(correlationID),
		model.WithReplyTo(replyTopic),
		model.WithHeader(model.HeaderMethod, method),
		model.WithHeader(model.HeaderSourceService, b.service),
	)
	if err := b.Publish(ctx, req.Topic, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reason := reply.Headers.String(HeaderError); reason != "" {
			return reply, errspkg.ForService(errspkg.KindMessageProcessing, "request_response", target, errors.New(reason))
		}
		return reply, nil
	case <-timer.C:
		return nil, errspkg.ForService(errspkg.KindServiceTimeout, "request_response", target,
			fmt.Errorf("no reply to %s within %s", method, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply publishes payload to the reply topic of req.
func (b *Bus) Reply(ctx context.Context, req *model.Message, payload any) error {
	return b.reply(ctx, req, payload, nil)
}

func (b *Bus) reply(ctx context.Context, req *model.Message, payload any, failure error) error {
	if req == nil {
		return errspkg.ErrMessageRequired
	}
	if req.ReplyTo == "" {
		return errspkg.New(errspkg.KindMessageProcessing, "reply", fmt.Errorf("message %s has no reply topic: %w", req.ID, errspkg.ErrTopicRequired))
	}

	opts := []model.MessageOption{
		model.WithCorrelationID(req.CorrelationID),
		model.WithPriority(req.Priority),
		model.WithHeader(model.HeaderMethod, req.Headers.String(model.HeaderMethod)),
		model.WithHeader(model.HeaderSourceService, b.service),
	}
	if failure != nil {
		opts = append(opts, model.WithHeader(HeaderError, failure.Error()))
	}
	return b.Publish(ctx, req.ReplyTo, model.NewMessage(req.ReplyTo, payload, opts...))
}

// HandleRequests answers every request sent to service with fn. Handler
// errors are returned to the requester in the error header.
func (b *Bus) HandleRequests(service string, fn RequestHandler) (*Subscription, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return b.Subscribe(RequestTopic(service), func(ctx context.Context, req *model.Message) error {
		result, handlerErr := fn(ctx, req)
		if err := b.reply(ctx, req, result, handlerErr); err != nil {
			b.logger.Error("failed to send reply", err, logging.LogFields{
				"service":        service,
				"correlation_id": req.CorrelationID,
			})
			return err
		}
		return handlerErr
	})
}
