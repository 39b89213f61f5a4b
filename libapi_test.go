package conduit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCreated struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

type quote struct {
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price"`
}

func newChannelService(t *testing.T) *Service {
	t.Helper()
	svc, err := TryNewService(&Config{ServiceName: "orders"}, nil, context.Background(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Bus().Start(context.Background()))
	return svc
}

func TestSubscribeJSONDecodesBusPayloads(t *testing.T) {
	svc := newChannelService(t)

	got := make(chan orderCreated, 1)
	_, err := SubscribeJSON(svc, "orders.created", func(_ context.Context, msg MessageContext[orderCreated]) error {
		got <- msg.Payload
		return nil
	})
	require.NoError(t, err)

	msg := NewMessage("orders.created", orderCreated{ID: "o-1", Total: 9.5}, WithPriority(PriorityHigh))
	require.NoError(t, svc.Bus().Publish(context.Background(), "orders.created", msg))

	select {
	case order := <-got:
		assert.Equal(t, orderCreated{ID: "o-1", Total: 9.5}, order)
	case <-time.After(time.Second):
		t.Fatal("typed callback was not invoked")
	}
}

func TestHandleJSONRequests(t *testing.T) {
	svc := newChannelService(t)

	_, err := HandleJSONRequests(svc, "pricing", func(_ context.Context, req MessageContext[orderCreated]) (quote, error) {
		return quote{OrderID: req.Payload.ID, Price: req.Payload.Total * 2}, nil
	})
	require.NoError(t, err)

	reply, err := svc.Bus().RequestResponse(context.Background(), "pricing", "quote", orderCreated{ID: "o-2", Total: 4}, time.Second)
	require.NoError(t, err)

	q, err := DecodePayload[quote](reply)
	require.NoError(t, err)
	assert.Equal(t, quote{OrderID: "o-2", Price: 8}, q)
}

func TestTypedHelpersRequireTargets(t *testing.T) {
	_, err := SubscribeJSON[orderCreated](nil, "t", nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = HandleJSONRequests[orderCreated, quote](nil, "s", nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	assert.ErrorIs(t, RegisterJSONHandler[orderCreated](nil, "t", nil), ErrHandlerRequired)
	assert.ErrorIs(t, RegisterJSONHandler[orderCreated](NewHandlerRegistry(), "t", nil), ErrHandlerRequired)
}

func TestRegisterJSONHandlerDrivesProcessor(t *testing.T) {
	q, err := NewQueue(QueueConfig{Name: "work"})
	require.NoError(t, err)

	handlers := NewHandlerRegistry()
	got := make(chan orderCreated, 1)
	require.NoError(t, RegisterJSONHandler(handlers, "orders", func(_ context.Context, msg MessageContext[orderCreated]) error {
		got <- msg.Payload
		return nil
	}))

	p, err := NewProcessor(q, handlers)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), 1, false))
	defer p.Stop()

	require.NoError(t, q.Put(context.Background(), NewMessage("orders", map[string]any{"id": "o-3", "total": 1.0})))
	select {
	case order := <-got:
		assert.Equal(t, "o-3", order.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not run the typed handler")
	}
}

func TestErrorExports(t *testing.T) {
	err := error(&Error{Kind: KindServiceTimeout, Op: "request"})
	assert.True(t, errors.Is(err, ErrServiceTimeout))
	assert.Equal(t, KindServiceTimeout, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	raw, err := Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, Unmarshal(raw, &decoded))
	assert.Equal(t, payload, decoded)

	c, err := NewCodec(FormatJSON, CompressionSnappy)
	require.NoError(t, err)
	assert.Equal(t, CompressionSnappy, c.Algorithm())
}
