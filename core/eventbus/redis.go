package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreams stores events in Redis streams and uses Redis consumer groups
// for delivery bookkeeping.
type RedisStreams struct {
	client redis.UniversalClient
	approx bool
}

type RedisOption func(*RedisStreams)

// WithApproximateTrim trims with MAXLEN ~, trading exact caps for cheaper
// trimming.
func WithApproximateTrim() RedisOption {
	return func(r *RedisStreams) { r.approx = true }
}

func NewRedisStreams(client redis.UniversalClient, opts ...RedisOption) *RedisStreams {
	r := &RedisStreams{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis parses a redis:// URL and verifies the server is reachable.
func DialRedis(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStreams, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisStreams(client, opts...), nil
}

func (r *RedisStreams) Append(ctx context.Context, fields map[string]string, targets ...Target) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, target := range targets {
			args := &redis.XAddArgs{Stream: target.Stream, Values: values}
			if target.MaxLen > 0 {
				args.MaxLen = target.MaxLen
				args.Approx = r.approx
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to streams: %w", err)
	}
	return nil
}

func (r *RedisStreams) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (r *RedisStreams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	messages, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}
	return toEntries(messages), nil
}

func (r *RedisStreams) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// BLOCK 0 waits forever
		block = time.Millisecond
	}

	result, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
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
		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, stream, err)
	}

	var entries []Entry
	for _, s := range result {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (r *RedisStreams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge %d entries: %w", len(ids), err)
	}
	return nil
}

func (r *RedisStreams) Info(ctx context.Context, stream string) (StreamInfo, error) {
	info := StreamInfo{Stream: stream}

	length, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return info, fmt.Errorf("failed to read length of %s: %w", stream, err)
	}
	info.Length = length
	if length == 0 {
		// XINFO fails on missing keys
		if exists, err := r.client.Exists(ctx, stream).Result(); err != nil || exists == 0 {
			return info, nil
		}
	}

	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return info, fmt.Errorf("failed to read groups of %s: %w", stream, err)
	}
	for _, group := range groups {
		info.Groups = append(info.Groups, GroupInfo{
			Name:            group.Name,
			Consumers:       group.Consumers,
			Pending:         group.Pending,
			Lag:             group.Lag,
			LastDeliveredID: group.LastDeliveredID,
		})
	}
	return info, nil
}

func (r *RedisStreams) Close() error {
	return r.client.Close()
}

func toEntries(messages []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(messages))
	for _, message := range messages {
		fields := make(map[string]string, len(message.Values))
		for k, v := range message.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, Entry{ID: message.ID, Fields: fields})
	}
	return entries
}
