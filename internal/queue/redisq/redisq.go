// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisq backs the step queue with Redis Streams: XADD for
// publish, XREADGROUP for consumer-group delivery, XACK for settlement,
// and XAUTOCLAIM for orphan recovery.
package redisq

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/queue"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// DefaultStream is the stream key step envelopes are published to.
const DefaultStream = "ferrumdeck:steps"

// envelopeField is the stream entry field carrying the envelope JSON.
const envelopeField = "envelope"

// claimBatch bounds how many orphans one Claim call takes over.
const claimBatch = 16

// Queue is a Redis Streams queue.Queue implementation.
type Queue struct {
	client *redis.Client
	stream string
}

// Options configure the queue.
type Options struct {
	// Stream overrides the stream key (DefaultStream when empty).
	Stream string
}

// Open connects to Redis at url (redis:// form) and returns the queue.
func Open(ctx context.Context, url string, opts Options) (*Queue, error) {
	cfg, err := redis.ParseURL(url)
	if err != nil {
		return nil, &errors.ConfigError{Key: "REDIS_URL", Reason: "invalid URL", Cause: err}
	}
	client := redis.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &errors.TransientError{Op: "redis ping", Cause: err}
	}
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Queue{client: client, stream: stream}, nil
}

// NewWithClient wraps an existing client (tests use this with miniredis).
func NewWithClient(client *redis.Client, stream string) *Queue {
	if stream == "" {
		stream = DefaultStream
	}
	return &Queue{client: client, stream: stream}
}

// Publish appends the envelope with XADD. XADD replies only after the
// append is accepted, which is the durability contract callers rely on.
func (q *Queue) Publish(ctx context.Context, env queue.Envelope) (string, error) {
	data, err := env.Encode()
	if err != nil {
		return "", &errors.FatalError{Op: "encode envelope", Cause: err}
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{envelopeField: data},
	}).Result()
	if err != nil {
		return "", &errors.TransientError{Op: "queue publish", Cause: err}
	}
	return id, nil
}

// ensureGroup creates the consumer group (and the stream) if missing.
func (q *Queue) ensureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &errors.TransientError{Op: "create consumer group", Cause: err}
	}
	return nil
}

// Subscribe reads the next unassigned entry for the group with XREADGROUP,
// blocking up to block.
func (q *Queue) Subscribe(ctx context.Context, group, consumer string, block time.Duration) (*queue.Message, error) {
	if err := q.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil // block window elapsed
	}
	if err != nil {
		return nil, &errors.TransientError{Op: "queue subscribe", Cause: err}
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.toMessage(streams[0].Messages[0], 1)
}

func (q *Queue) toMessage(msg redis.XMessage, deliveries int64) (*queue.Message, error) {
	raw, _ := msg.Values[envelopeField].(string)
	env, err := queue.ParseEnvelope([]byte(raw))
	if err != nil {
		// Surface the broker id so the caller can ack the poison entry.
		return &queue.Message{ID: msg.ID, Deliveries: deliveries}, err
	}
	return &queue.Message{ID: msg.ID, Envelope: *env, Deliveries: deliveries}, nil
}

// Ack settles the message for the group with XACK.
func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	n, err := q.client.XAck(ctx, q.stream, group, messageID).Result()
	if err != nil {
		return &errors.TransientError{Op: "queue ack", Cause: err}
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "pending message", ID: messageID}
	}
	return nil
}

// Pending lists delivered-but-unacked entries idle at least minIdle.
func (q *Queue) Pending(ctx context.Context, group string, minIdle time.Duration) ([]queue.PendingInfo, error) {
	ext, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  claimBatch,
	}).Result()
	if err != nil {
		return nil, &errors.TransientError{Op: "queue pending", Cause: err}
	}
	out := make([]queue.PendingInfo, 0, len(ext))
	for _, p := range ext {
		out = append(out, queue.PendingInfo{
			MessageID:  p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// Claim takes over entries idle at least minIdle with XAUTOCLAIM and
// returns them for reprocessing.
func (q *Queue) Claim(ctx context.Context, group, consumer string, minIdle time.Duration) ([]queue.Message, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    claimBatch,
	}).Result()
	if err != nil {
		return nil, &errors.TransientError{Op: "queue claim", Cause: err}
	}
	out := make([]queue.Message, 0, len(msgs))
	for _, msg := range msgs {
		// Poison entries come back with an empty envelope id; the janitor
		// acks them instead of redispatching.
		m, _ := q.toMessage(msg, 0)
		out = append(out, *m)
	}
	return out, nil
}

// Close releases the client.
func (q *Queue) Close() error { return q.client.Close() }
