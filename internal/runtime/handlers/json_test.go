package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/model"
)

type orderPlaced struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

type invoice struct {
	OrderID string `json:"order_id"`
}

func TestBuildJSONHandlerDecodesWirePayload(t *testing.T) {
	var got MessageContext[orderPlaced]
	cb, err := BuildJSONHandler(func(_ context.Context, msg MessageContext[orderPlaced]) error {
		got = msg
		return nil
	}, nil)
	require.NoError(t, err)

	// bus deliveries carry the generic JSON form
	msg := model.NewMessage("orders", map[string]any{"id": "o-1", "total": 12.5},
		model.WithCorrelationID("corr-1"),
		model.WithHeader("tenant", "acme"),
	)
	require.NoError(t, cb(context.Background(), msg))

	assert.Equal(t, orderPlaced{ID: "o-1", Total: 12.5}, got.Payload)
	assert.Equal(t, "corr-1", got.CorrelationID())
	assert.Equal(t, "acme", got.Header("tenant"))
	assert.NotNil(t, got.Logger)

	headers := got.CloneHeaders()
	headers["tenant"] = "other"
	assert.Equal(t, "acme", msg.Headers.String("tenant"))
}

func TestBuildJSONHandlerPassesTypedPayloads(t *testing.T) {
	for name, payload := range map[string]any{
		"value":   orderPlaced{ID: "o-2"},
		"pointer": &orderPlaced{ID: "o-2"},
	} {
		t.Run(name, func(t *testing.T) {
			var got orderPlaced
			cb, err := BuildJSONHandler(func(_ context.Context, msg MessageContext[orderPlaced]) error {
				got = msg.Payload
				return nil
			}, nil)
			require.NoError(t, err)

			require.NoError(t, cb(context.Background(), model.NewMessage("orders", payload)))
			assert.Equal(t, "o-2", got.ID)
		})
	}
}

func TestBuildJSONHandlerErrors(t *testing.T) {
	_, err := BuildJSONHandler[orderPlaced](nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	boom := errors.New("boom")
	cb, err := BuildJSONHandler(func(context.Context, MessageContext[orderPlaced]) error {
		return boom
	}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, cb(context.Background(), nil), errspkg.ErrMessageRequired)
	assert.ErrorIs(t, cb(context.Background(), model.NewMessage("orders", map[string]any{"id": "x"})), boom)

	err = cb(context.Background(), model.NewMessage("orders", map[string]any{"total": "not a number"}))
	assert.Equal(t, errspkg.KindMessageProcessing, errspkg.KindOf(err))
}

func TestBuildJSONRequestHandler(t *testing.T) {
	respond, err := BuildJSONRequestHandler(func(_ context.Context, req MessageContext[orderPlaced]) (invoice, error) {
		return invoice{OrderID: req.Payload.ID}, nil
	}, nil)
	require.NoError(t, err)

	reply, err := respond(context.Background(), model.NewMessage("billing_request",
		map[string]any{"id": "o-3"},
		model.WithHeader(model.HeaderMethod, "create_invoice"),
	))
	require.NoError(t, err)
	assert.Equal(t, invoice{OrderID: "o-3"}, reply)

	_, err = BuildJSONRequestHandler[orderPlaced, invoice](nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestDecodePayloadNil(t *testing.T) {
	got, err := DecodePayload[orderPlaced](model.NewMessage("orders", nil))
	require.NoError(t, err)
	assert.Zero(t, got)
}
