package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conduit/internal/runtime/config"
	"github.com/drblury/conduit/internal/runtime/deadletter"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
)

func newQueue(t *testing.T, cfg config.QueueConfig, opts ...Option) *PriorityQueue {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "work"
	}
	q, err := New(cfg, opts...)
	require.NoError(t, err)
	return q
}

func msgWith(p model.Priority, payload any) *model.Message {
	return model.NewMessage("work", payload, model.WithPriority(p))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.QueueConfig{})
	require.Error(t, err)
	assert.ErrorAs(t, err, &errspkg.ConfigValidationError{})
}

func TestPriorityPrecedenceScenario(t *testing.T) {
	q := newQueue(t, config.QueueConfig{MaxSize: 4})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, "n1")))
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, "n2")))
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityCritical, "c1")))
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, "n3")))
	assert.Equal(t, 4, q.Size())

	var order []any
	for i := 0; i < 4; i++ {
		msg, err := q.Get()
		require.NoError(t, err)
		order = append(order, msg.Payload)
	}
	assert.Equal(t, []any{"c1", "n1", "n2", "n3"}, order)

	_, err := q.Get()
	assert.ErrorIs(t, err, errspkg.ErrEmpty)
	assert.Zero(t, q.Size())
}

func TestTierPrecedenceAcrossAllLevels(t *testing.T) {
	q := newQueue(t, config.QueueConfig{MaxSize: 10})
	ctx := context.Background()
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityHigh, model.PriorityNormal, model.PriorityCritical} {
		require.NoError(t, q.Put(ctx, msgWith(p, p.String())))
	}

	for _, want := range []string{"critical", "high", "normal", "low"} {
		msg, err := q.Get()
		require.NoError(t, err)
		assert.Equal(t, want, msg.Payload)
	}
}

func TestPutOnFullTierDeadLetters(t *testing.T) {
	archive := deadletter.NewArchive(nil)
	q := newQueue(t, config.QueueConfig{MaxSize: 2, DeadLetterTopic: "work_dead"}, WithDeadLetterSink(archive))
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, msgWith(model.PriorityHigh, 1)))
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityHigh, 2)))

	rejected := msgWith(model.PriorityHigh, 3)
	err := q.Put(ctx, rejected)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrQueueFull)
	assert.Equal(t, errspkg.KindQueueFull, errspkg.KindOf(err))

	// Other tiers keep their own bound.
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityLow, 4)))

	assert.Equal(t, 3, q.Size())
	assert.Equal(t, 2, q.TierSize(model.PriorityHigh))
	assert.Equal(t, 1, q.TierSize(model.PriorityLow))
	assert.Zero(t, q.TierSize(model.Priority(9)))

	dead := archive.List("work_dead")
	require.Len(t, dead, 1)
	assert.Equal(t, rejected.ID, dead[0].ID)
	assert.Equal(t, model.ReasonQueueFull, dead[0].DeadLetterReason())
	assert.Equal(t, "work", dead[0].Headers.String(model.HeaderOriginalTopic))
}

func TestPutWithoutSinkStillRejects(t *testing.T) {
	q := newQueue(t, config.QueueConfig{MaxSize: 1})
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, 1)))
	assert.ErrorIs(t, q.Put(ctx, msgWith(model.PriorityNormal, 2)), errspkg.ErrQueueFull)
	assert.Equal(t, 1, q.Size())
}

func TestPutValidation(t *testing.T) {
	q := newQueue(t, config.QueueConfig{})
	assert.ErrorIs(t, q.Put(context.Background(), nil), errspkg.ErrMessageRequired)

	bad := msgWith(model.PriorityNormal, 1)
	bad.Priority = model.Priority(7)
	assert.Error(t, q.Put(context.Background(), bad))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Put(ctx, msgWith(model.PriorityNormal, 1)), context.Canceled)
}

func TestSizeAccounting(t *testing.T) {
	q := newQueue(t, config.QueueConfig{MaxSize: 3}, WithDeadLetterSink(deadletter.NewArchive(nil)))
	ctx := context.Background()

	puts, gets, rejected := 0, 0, 0
	for i := 0; i < 5; i++ {
		if err := q.Put(ctx, msgWith(model.PriorityNormal, i)); err != nil {
			rejected++
		} else {
			puts++
		}
	}
	for i := 0; i < 2; i++ {
		_, err := q.Get()
		require.NoError(t, err)
		gets++
	}
	assert.Equal(t, 2, rejected)
	assert.Equal(t, puts-gets, q.Size())
}

func TestGetWait(t *testing.T) {
	t.Run("wakes on put", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{})
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = q.Put(context.Background(), msgWith(model.PriorityLow, "late"))
		}()
		msg, err := q.GetWait(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "late", msg.Payload)
	})

	t.Run("times out empty", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{})
		_, err := q.GetWait(context.Background(), 10*time.Millisecond)
		assert.ErrorIs(t, err, errspkg.ErrEmpty)
	})

	t.Run("returns context error", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.GetWait(ctx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetBatch(t *testing.T) {
	t.Run("stops at n", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{BatchTimeout: time.Second})
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, i)))
		}
		batch, err := q.GetBatch(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, batch, 3)
		assert.Equal(t, 2, q.Size())
	})

	t.Run("stops at timeout", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{BatchTimeout: 30 * time.Millisecond})
		ctx := context.Background()
		require.NoError(t, q.Put(ctx, msgWith(model.PriorityLow, "low")))

		start := time.Now()
		batch, err := q.GetBatch(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, batch, 1)
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	})

	t.Run("empty queue yields empty batch", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{BatchTimeout: 10 * time.Millisecond})
		batch, err := q.GetBatch(context.Background(), 4)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("orders by tier", func(t *testing.T) {
		q := newQueue(t, config.QueueConfig{BatchTimeout: 50 * time.Millisecond})
		ctx := context.Background()
		go func() {
			_ = q.Put(ctx, msgWith(model.PriorityLow, "low"))
			time.Sleep(10 * time.Millisecond)
			_ = q.Put(ctx, msgWith(model.PriorityCritical, "critical"))
		}()
		batch, err := q.GetBatch(ctx, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, "critical", batch[0].Payload)
		assert.Equal(t, "low", batch[1].Payload)
	})
}

func TestDeadLetterDefaultTopic(t *testing.T) {
	archive := deadletter.NewArchive(nil)
	q := newQueue(t, config.QueueConfig{}, WithDeadLetterSink(archive))

	msg := msgWith(model.PriorityNormal, "x")
	require.NoError(t, q.DeadLetter(context.Background(), msg, model.ReasonMaxRetriesExceeded))
	assert.Equal(t, 1, archive.Count("work_dlq"))
	assert.Empty(t, msg.DeadLetterReason(), "original message is not mutated")
}

func TestDeadLetterWithoutSink(t *testing.T) {
	q := newQueue(t, config.QueueConfig{})
	err := q.DeadLetter(context.Background(), msgWith(model.PriorityNormal, 1), model.ReasonNoHandler)
	assert.Equal(t, errspkg.KindConfig, errspkg.KindOf(err))
}

func TestQueueDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("orders", reg)
	require.NoError(t, m.Register())
	q := newQueue(t, config.QueueConfig{}, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, 1)))
	require.NoError(t, q.Put(ctx, msgWith(model.PriorityNormal, 2)))
	_, err := q.Get()
	require.NoError(t, err)

	expected := `
# HELP conduit_queue_depth Current number of messages buffered in a queue
# TYPE conduit_queue_depth gauge
conduit_queue_depth{queue="work",source_service="orders"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "conduit_queue_depth"))
}

func TestConcurrentPutGet(t *testing.T) {
	q := newQueue(t, config.QueueConfig{MaxSize: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = q.Put(ctx, msgWith(model.Priority(i%4), i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, q.Size())

	seen := 0
	for {
		if _, err := q.Get(); err != nil {
			break
		}
		seen++
	}
	assert.Equal(t, 400, seen)
}

func TestPublishEnqueues(t *testing.T) {
	q := newQueue(t, config.QueueConfig{})
	require.NoError(t, q.Publish(context.Background(), "ignored", msgWith(model.PriorityHigh, 1)))
	assert.Equal(t, 1, q.TierSize(model.PriorityHigh))
}
