package joblog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const jobField = "job"

// RedisStreamOptions configures a RedisStream log.
type RedisStreamOptions struct {
	// Stream is the Redis stream holding jobs.
	Stream string
	// Group is the consumer group shared by all workers.
	Group string
	// Block bounds a single XREADGROUP wait.
	Block time.Duration
	// MaxLen caps the stream length approximately. Zero keeps every entry.
	MaxLen int64
	// ClaimBatch bounds the deliveries taken over by one Reclaim call.
	ClaimBatch int64
}

// DefaultRedisStreamOptions returns the stream keyq:jobs read by the group
// keyq-workers.
func DefaultRedisStreamOptions() RedisStreamOptions {
	return RedisStreamOptions{
		Stream:     "keyq:jobs",
		Group:      "keyq-workers",
		Block:      2 * time.Second,
		ClaimBatch: 100,
	}
}

// RedisStream implements Log on a Redis stream with a consumer group. Jobs
// are removed from the stream when acknowledged.
type RedisStream struct {
	client redis.UniversalClient
	opts   RedisStreamOptions

	mu        sync.Mutex
	groupDone bool
	closed    bool
}

// NewRedisStream returns a RedisStream using client. The client stays owned by
// the caller.
func NewRedisStream(client redis.UniversalClient, opts RedisStreamOptions) *RedisStream {
	def := DefaultRedisStreamOptions()
	if opts.Stream == "" {
		opts.Stream = def.Stream
	}
	if opts.Group == "" {
		opts.Group = def.Group
	}
	if opts.Block <= 0 {
		opts.Block = def.Block
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = def.ClaimBatch
	}
	return &RedisStream{client: client, opts: opts}
}

// ensureGroup creates the consumer group from the start of the stream so jobs
// appended before the first worker are not skipped.
func (s *RedisStream) ensureGroup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.groupDone {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	s.groupDone = true
	return nil
}

func (s *RedisStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Append implements Log.Append.
func (s *RedisStream) Append(ctx context.Context, job Job) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := encode(job)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.opts.Stream,
		Values: map[string]any{jobField: data},
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// Next implements Log.Next.
func (s *RedisStream) Next(ctx context.Context, consumer string) (Delivery, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return Delivery{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if s.isClosed() {
			return Delivery{}, ErrClosed
		}
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: consumer,
			Streams:  []string{s.opts.Stream, ">"},
			Count:    1,
			Block:    s.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, err
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				return toDelivery(msg, consumer), nil
			}
		}
	}
}

// toDelivery never fails: an undecodable entry becomes a delivery without a
// task so the consumer acknowledges it instead of looping on it.
func toDelivery(msg redis.XMessage, consumer string) Delivery {
	d := Delivery{Receipt: msg.ID, Consumer: consumer}
	raw, _ := msg.Values[jobField].(string)
	if job, err := decode([]byte(raw)); err == nil {
		d.Job = job
	}
	if d.ID == "" {
		d.ID = msg.ID
	}
	return d
}

// Ack implements Log.Ack.
func (s *RedisStream) Ack(ctx context.Context, d Delivery) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, s.opts.Stream, s.opts.Group, d.Receipt)
		p.XDel(ctx, s.opts.Stream, d.Receipt)
		return nil
	})
	return err
}

// Reclaim implements Log.Reclaim with XAUTOCLAIM.
func (s *RedisStream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Delivery, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.opts.Stream,
		Group:    s.opts.Group,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    s.opts.ClaimBatch,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toDelivery(msg, consumer))
	}
	return out, nil
}

// Close implements Log.Close. The client is left open.
func (s *RedisStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
