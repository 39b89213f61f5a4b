package processor

import (
	"context"
	"sort"
	"sync"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/model"
)

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg *model.Message) error
}

// BatchHandler additionally accepts every message of a topic collected in
// one batch.
type BatchHandler interface {
	Handler
	HandleBatch(ctx context.Context, msgs []*model.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *model.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *model.Message) error {
	return f(ctx, msg)
}

type registration struct {
	handler Handler
	batch   BatchHandler
}

// Registry maps topics to handlers. Registering a topic twice replaces the
// earlier handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds h to topic. Batch support is detected here, once.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	reg := registration{handler: h}
	if bh, ok := h.(BatchHandler); ok {
		reg.batch = bh
	}

	r.mu.Lock()
	r.handlers[topic] = reg
	r.mu.Unlock()
	return nil
}

// RegisterFunc binds fn to topic.
func (r *Registry) RegisterFunc(topic string, fn func(ctx context.Context, msg *model.Message) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Register(topic, HandlerFunc(fn))
}

func (r *Registry) Unregister(topic string) {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
}

func (r *Registry) lookup(topic string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[topic]
	return reg, ok
}

// Handler returns the handler bound to topic.
func (r *Registry) Handler(topic string) (Handler, bool) {
	reg, ok := r.lookup(topic)
	return reg.handler, ok
}

// Topics returns every registered topic, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
