package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bidlock/bidlock/pkg/audit"
)

// RedisBus implements Bus on Redis Streams: XADD to publish, XREADGROUP for
// competing consumers, XACK to advance the group cursor, XAUTOCLAIM to
// reclaim deliveries whose ack deadline passed.
//
// Redis and the audit store are separate systems, so the publish path
// compensates instead of committing atomically: the event is appended to the
// stream, then mirrored; if the mirror fails the stream entry is deleted and
// the publish fails as a single operation.
type RedisBus struct {
	client  redis.UniversalClient
	auditor audit.Store
	schemas *SchemaRegistry
	opts    Options
	logger  *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, auditor audit.Store, schemas *SchemaRegistry, opts Options) *RedisBus {
	return &RedisBus{
		client:  client,
		auditor: auditor,
		schemas: schemas,
		opts:    opts.withDefaults(),
		logger:  slog.Default().With("component", "bus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, stream, eventType string, payload []byte, producerID string) (string, error) {
	if len(payload) > b.opts.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds ceiling %d", ErrPayloadTooLarge, len(payload), b.opts.MaxPayloadBytes)
	}
	if b.schemas != nil {
		if err := b.schemas.Validate(eventType, payload); err != nil {
			return "", err
		}
	}

	producedAt := time.Now().UTC()
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"type":        eventType,
			"payload":     string(payload),
			"producer_id": producerID,
			"produced_at": producedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrBusUnavailable, stream, err)
	}

	_, err = b.auditor.Append(ctx, audit.Record{
		EventID:   id,
		Stream:    stream,
		Type:      eventType,
		Actor:     producerID,
		Payload:   json.RawMessage(payload),
		Timestamp: producedAt,
	})
	if err != nil {
		// Undo the stream write so the caller never observes a publish
		// without its audit mirror.
		if delErr := b.client.XDel(ctx, stream, id).Err(); delErr != nil {
			b.logger.Error("publish compensation failed", "stream", stream, "event", id, "error", delErr)
		}
		return "", fmt.Errorf("%w: audit mirror failed: %v", ErrBusUnavailable, err)
	}
	return id, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, stream, group, consumer string) (Subscription, error) {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%w: create group %s on %s: %v", ErrBusUnavailable, group, stream, err)
	}
	return &redisSubscription{bus: b, stream: stream, group: group, consumer: consumer}, nil
}

type redisSubscription struct {
	bus      *RedisBus
	stream   string
	group    string
	consumer string
	closed   bool
	mu       sync.Mutex
}

func (sub *redisSubscription) Close() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
	return nil
}

func (sub *redisSubscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

func (sub *redisSubscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		if sub.isClosed() {
			return nil, ErrSubscriptionClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Reclaim abandoned deliveries before reading new ones.
		if d, ok, err := sub.reclaim(ctx); err != nil {
			return nil, err
		} else if ok {
			return d, nil
		}

		res, err := sub.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: sub.consumer,
			Streams:  []string{sub.stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: xreadgroup %s: %v", ErrBusUnavailable, sub.stream, err)
		}
		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				return sub.delivery(msg, 1), nil
			}
		}
	}
}

func (sub *redisSubscription) reclaim(ctx context.Context) (*Delivery, bool, error) {
	msgs, _, err := sub.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   sub.stream,
		Group:    sub.group,
		Consumer: sub.consumer,
		MinIdle:  sub.bus.opts.AckTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("%w: xautoclaim %s: %v", ErrBusUnavailable, sub.stream, err)
	}
	for _, msg := range msgs {
		attempts := sub.deliveryCount(ctx, msg.ID)
		if attempts > int64(sub.bus.opts.MaxAttempts) {
			sub.deadLetter(ctx, msg)
			continue
		}
		return sub.delivery(msg, int(attempts)), true, nil
	}
	return nil, false, nil
}

func (sub *redisSubscription) deliveryCount(ctx context.Context, id string) int64 {
	pending, err := sub.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: sub.stream,
		Group:  sub.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (sub *redisSubscription) deadLetter(ctx context.Context, msg redis.XMessage) {
	event := sub.toEvent(msg)
	envelope, err := json.Marshal(event)
	if err == nil {
		_, err = sub.bus.Publish(ctx, DeadLetterStream(sub.stream), TypeDeadLetter, envelope, sub.consumer)
	}
	if err != nil {
		sub.bus.logger.Error("dead-letter publish failed", "stream", sub.stream, "event", msg.ID, "error", err)
		return
	}
	if err := sub.bus.client.XAck(ctx, sub.stream, sub.group, msg.ID).Err(); err != nil {
		sub.bus.logger.Error("dead-letter ack failed", "stream", sub.stream, "event", msg.ID, "error", err)
	}
}

func (sub *redisSubscription) toEvent(msg redis.XMessage) Event {
	event := Event{ID: msg.ID, Stream: sub.stream}
	if v, ok := msg.Values["type"].(string); ok {
		event.Type = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		event.Payload = json.RawMessage(v)
	}
	if v, ok := msg.Values["producer_id"].(string); ok {
		event.ProducerID = v
	}
	if v, ok := msg.Values["produced_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.ProducedAt = t
		}
	}
	return event
}

func (sub *redisSubscription) delivery(msg redis.XMessage, attempt int) *Delivery {
	return &Delivery{
		Event:   sub.toEvent(msg),
		Attempt: attempt,
		ack: func(ctx context.Context) error {
			return sub.bus.client.XAck(ctx, sub.stream, sub.group, msg.ID).Err()
		},
		nack: func(ctx context.Context) error {
			// Leave the entry pending; XAUTOCLAIM redelivers it after
			// the ack timeout.
			return nil
		},
	}
}
