package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

// RedisStore is a Store over Redis streams.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, stream string, fields map[string][]byte, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("conduit: xadd %s: %w", stream, err)
	}
	return id, nil
}

func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return errspkg.ErrGroupExists
	}
	return fmt.Errorf("conduit: xgroup create %s/%s: %w", stream, group, err)
}

func (s *RedisStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	// go-redis treats a zero Block as "wait forever"; negative disables it.
	if block <= 0 {
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("conduit: xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []Entry
	for _, st := range res {
		out = append(out, toEntries(st.Messages)...)
	}
	return out, nil
}

func (s *RedisStore) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conduit: xreadgroup pending %s/%s: %w", stream, group, err)
	}

	var out []Entry
	for _, st := range res {
		out = append(out, toEntries(st.Messages)...)
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	var out []Entry
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return out, fmt.Errorf("conduit: xautoclaim %s/%s: %w", stream, group, err)
		}
		out = append(out, toEntries(msgs)...)
		if next == "0-0" || next == "" || (count > 0 && int64(len(out)) >= count) {
			return out, nil
		}
		start = next
	}
}

func (s *RedisStore) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("conduit: xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, stream, start string, count int64) ([]Entry, error) {
	if start == "" {
		start = "-"
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("conduit: xrange %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

func (s *RedisStore) TrimBefore(ctx context.Context, stream string, cutoff time.Time) error {
	minID := entryID{ms: cutoff.UnixMilli()}.String()
	if err := s.client.XTrimMinIDApprox(ctx, stream, minID, 0).Err(); err != nil {
		return fmt.Errorf("conduit: xtrim %s: %w", stream, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string][]byte, len(m.Values))
		for k, v := range m.Values {
			switch tv := v.(type) {
			case string:
				fields[k] = []byte(tv)
			case []byte:
				fields[k] = tv
			default:
				fields[k] = []byte(fmt.Sprint(tv))
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}
