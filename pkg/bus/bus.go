// Package bus is the only transport between components. Agents never hold a
// reference to one another; they hold a Bus and exchange events on named,
// append-only streams with consumer-group delivery.
//
// Delivery semantics:
//   - Within one stream, consumers in the same group receive events in append
//     order and each event goes to exactly one consumer in the group.
//   - An event not acknowledged before the ack timeout is redelivered
//     (at-least-once); consumers deduplicate by event ID.
//   - Independent groups on the same stream each receive the full stream.
//
// Every successful publish mirrors the event into the audit store before
// returning. A publish that cannot be audited fails entirely.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the publish/subscribe contract.
var (
	// ErrBusUnavailable means the durable backend could not accept the write.
	// Callers retry with backoff; the event was not published.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrPayloadTooLarge means the payload exceeds the configured byte
	// ceiling. Fatal to that publish; not retried as-is.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Event is an immutable record on a stream. Once appended it is never
// mutated; ordering within a stream is append order.
type Event struct {
	ID         string          `json:"id"`
	Stream     string          `json:"stream"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
	ProducerID string          `json:"producer_id"`
}

// Delivery is one event handed to one consumer in a group. The event stays
// pending until Ack; Nack makes it immediately eligible for redelivery.
type Delivery struct {
	Event   Event
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack advances the group cursor past this event. Call only after processing
// succeeded; a crash before Ack causes redelivery.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the event to the group for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Subscription is a restartable, blocking pull over one (stream, group) pair.
// Re-subscribing with the same group resumes from the last acknowledged
// cursor.
type Subscription interface {
	// Next blocks until an event is available or ctx is done.
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Bus is the entire surface other components use.
type Bus interface {
	Publish(ctx context.Context, stream, eventType string, payload []byte, producerID string) (string, error)
	Subscribe(ctx context.Context, stream, group, consumer string) (Subscription, error)
}

// Publisher is the narrow write-side of Bus. Components that only emit
// events accept this instead of the full Bus.
type Publisher interface {
	Publish(ctx context.Context, stream, eventType string, payload []byte, producerID string) (string, error)
}

// Options tune delivery behavior shared by all Bus implementations.
type Options struct {
	// MaxPayloadBytes is the publish byte ceiling. Zero means DefaultMaxPayload.
	MaxPayloadBytes int
	// AckTimeout is the bounded processing window. An unacknowledged
	// delivery older than this is considered abandoned and redelivered.
	AckTimeout time.Duration
	// MaxAttempts bounds redelivery; past it the event is dead-lettered.
	MaxAttempts int
}

const (
	DefaultMaxPayload  = 64 * 1024
	DefaultAckTimeout  = 30 * time.Second
	DefaultMaxAttempts = 5
)

func (o Options) withDefaults() Options {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = DefaultMaxPayload
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// DeadLetterStream names the dead-letter stream for a source stream.
func DeadLetterStream(stream string) string {
	return stream + ":dead"
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, stream, eventType string, v any, producerID string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return p.Publish(ctx, stream, eventType, raw, producerID)
}
