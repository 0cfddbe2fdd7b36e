package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bidlock/bidlock/pkg/audit"
)

// MemoryBus is a single-process Bus with the full delivery contract:
// competing consumers per group, group fan-out, ack deadlines, redelivery
// and dead-lettering. Publish appends to the audit store and to the stream
// under one lock, so the two commit atomically from the caller's view.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	auditor audit.Store
	schemas *SchemaRegistry
	opts    Options
	clock   func() time.Time
	logger  *slog.Logger
}

type memStream struct {
	entries []Event
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memGroup struct {
	next    int
	pending map[string]*pendingDelivery
}

type pendingDelivery struct {
	idx      int
	consumer string
	deadline time.Time
	attempts int
}

func NewMemoryBus(auditor audit.Store, schemas *SchemaRegistry, opts Options) *MemoryBus {
	return &MemoryBus{
		streams: make(map[string]*memStream),
		auditor: auditor,
		schemas: schemas,
		opts:    opts.withDefaults(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "bus"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *MemoryBus) WithClock(clock func() time.Time) *MemoryBus {
	b.clock = clock
	return b
}

func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		b.streams[name] = s
	}
	return s
}

func (b *MemoryBus) Publish(ctx context.Context, stream, eventType string, payload []byte, producerID string) (string, error) {
	if len(payload) > b.opts.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds ceiling %d", ErrPayloadTooLarge, len(payload), b.opts.MaxPayloadBytes)
	}
	if b.schemas != nil {
		if err := b.schemas.Validate(eventType, payload); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(ctx, stream, eventType, payload, producerID, true)
}

// appendLocked appends an event and mirrors it to audit. When mirrorStrict
// is true an audit failure aborts the append; the dead-letter path logs and
// proceeds instead, so a broken audit backend cannot wedge the consumer loop.
func (b *MemoryBus) appendLocked(ctx context.Context, stream, eventType string, payload []byte, producerID string, mirrorStrict bool) (string, error) {
	s := b.stream(stream)
	event := Event{
		ID:         fmt.Sprintf("%020d", len(s.entries)+1),
		Stream:     stream,
		Type:       eventType,
		Payload:    json.RawMessage(payload),
		ProducedAt: b.clock(),
		ProducerID: producerID,
	}

	_, err := b.auditor.Append(ctx, audit.Record{
		EventID:   event.ID,
		Stream:    stream,
		Type:      eventType,
		Actor:     producerID,
		Payload:   event.Payload,
		Timestamp: event.ProducedAt,
	})
	if err != nil {
		if mirrorStrict {
			return "", fmt.Errorf("%w: audit mirror failed: %v", ErrBusUnavailable, err)
		}
		b.logger.Error("dead-letter audit mirror failed", "stream", stream, "error", err)
	}

	s.entries = append(s.entries, event)
	close(s.notify)
	s.notify = make(chan struct{})
	return event.ID, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, stream, group, consumer string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*pendingDelivery)}
	}
	return &memSubscription{bus: b, stream: stream, group: group, consumer: consumer}, nil
}

type memSubscription struct {
	bus      *MemoryBus
	stream   string
	group    string
	consumer string
	closed   bool
	mu       sync.Mutex
}

func (sub *memSubscription) Close() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
	return nil
}

func (sub *memSubscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

func (sub *memSubscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		if sub.isClosed() {
			return nil, ErrSubscriptionClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sub.bus.mu.Lock()
		s := sub.bus.stream(sub.stream)
		g := s.groups[sub.group]
		now := sub.bus.clock()

		// Abandoned deliveries first: redeliver or dead-letter.
		if d, ok := sub.takeExpiredLocked(ctx, s, g, now); ok {
			sub.bus.mu.Unlock()
			return d, nil
		}

		// Then the next unseen event.
		if g.next < len(s.entries) {
			event := s.entries[g.next]
			g.pending[event.ID] = &pendingDelivery{
				idx:      g.next,
				consumer: sub.consumer,
				deadline: now.Add(sub.bus.opts.AckTimeout),
				attempts: 1,
			}
			g.next++
			d := sub.delivery(event, 1)
			sub.bus.mu.Unlock()
			return d, nil
		}

		notify := s.notify
		sub.bus.mu.Unlock()

		// Wake on publish, cancellation, or periodically to re-check
		// ack deadlines.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// takeExpiredLocked scans pending deliveries for one past its ack deadline.
// Deliveries past MaxAttempts are moved to the dead-letter stream and
// dropped from pending.
func (sub *memSubscription) takeExpiredLocked(ctx context.Context, s *memStream, g *memGroup, now time.Time) (*Delivery, bool) {
	for id, p := range g.pending {
		if now.Before(p.deadline) {
			continue
		}
		event := s.entries[p.idx]
		if p.attempts >= sub.bus.opts.MaxAttempts {
			envelope, err := json.Marshal(event)
			if err == nil {
				_, err = sub.bus.appendLocked(ctx, DeadLetterStream(sub.stream), TypeDeadLetter, envelope, sub.consumer, false)
			}
			if err != nil {
				sub.bus.logger.Error("dead-letter append failed", "stream", sub.stream, "event", id, "error", err)
			}
			delete(g.pending, id)
			continue
		}
		p.attempts++
		p.consumer = sub.consumer
		p.deadline = now.Add(sub.bus.opts.AckTimeout)
		return sub.delivery(event, p.attempts), true
	}
	return nil, false
}

func (sub *memSubscription) delivery(event Event, attempt int) *Delivery {
	return &Delivery{
		Event:   event,
		Attempt: attempt,
		ack: func(ctx context.Context) error {
			sub.bus.mu.Lock()
			defer sub.bus.mu.Unlock()
			g := sub.bus.stream(sub.stream).groups[sub.group]
			delete(g.pending, event.ID)
			return nil
		},
		nack: func(ctx context.Context) error {
			sub.bus.mu.Lock()
			defer sub.bus.mu.Unlock()
			g := sub.bus.stream(sub.stream).groups[sub.group]
			if p, ok := g.pending[event.ID]; ok {
				p.deadline = sub.bus.clock()
			}
			return nil
		},
	}
}
