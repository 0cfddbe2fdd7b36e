package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidlock/bidlock/pkg/audit"
)

func newBus(opts Options) (*MemoryBus, *audit.MemoryStore, *time.Time) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	auditor := audit.NewMemoryStore()
	b := NewMemoryBus(auditor, nil, opts).WithClock(func() time.Time { return now })
	return b, auditor, &now
}

func nextWithin(t *testing.T, sub Subscription, d time.Duration) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	delivery, err := sub.Next(ctx)
	require.NoError(t, err)
	return delivery
}

func expectNothing(t *testing.T, sub Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _, _ := newBus(Options{})
	ctx := context.Background()

	id, err := b.Publish(ctx, "s", "test_event", []byte(`{"n":1}`), "producer-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sub, err := b.Subscribe(ctx, "s", "g", "c1")
	require.NoError(t, err)
	defer sub.Close()

	d := nextWithin(t, sub, time.Second)
	assert.Equal(t, id, d.Event.ID)
	assert.Equal(t, "test_event", d.Event.Type)
	assert.Equal(t, "producer-1", d.Event.ProducerID)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Ack(ctx))

	expectNothing(t, sub)
}

func TestEventIDsAreOrdered(t *testing.T) {
	b, _, _ := newBus(Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.Publish(ctx, "s", "e", []byte(`{}`), "p")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestGroupsCompeteAndFanOut(t *testing.T) {
	b, _, _ := newBus(Options{})
	ctx := context.Background()

	subA1, err := b.Subscribe(ctx, "s", "group-a", "a1")
	require.NoError(t, err)
	subA2, err := b.Subscribe(ctx, "s", "group-a", "a2")
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, "s", "group-b", "b1")
	require.NoError(t, err)

	_, err = b.Publish(ctx, "s", "e", []byte(`{"n":1}`), "p")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "s", "e", []byte(`{"n":2}`), "p")
	require.NoError(t, err)

	// Within a group the two consumers split the stream.
	d1 := nextWithin(t, subA1, time.Second)
	d2 := nextWithin(t, subA2, time.Second)
	assert.NotEqual(t, d1.Event.ID, d2.Event.ID)
	require.NoError(t, d1.Ack(ctx))
	require.NoError(t, d2.Ack(ctx))

	// The other group sees every event independently.
	e1 := nextWithin(t, subB, time.Second)
	e2 := nextWithin(t, subB, time.Second)
	assert.Equal(t, d1.Event.ID, e1.Event.ID)
	assert.Equal(t, d2.Event.ID, e2.Event.ID)
}

func TestPayloadCeiling(t *testing.T) {
	b, _, _ := newBus(Options{MaxPayloadBytes: 16})
	_, err := b.Publish(context.Background(), "s", "e", []byte(strings.Repeat("x", 17)), "p")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

// failingAuditStore rejects appends to simulate a broken durability backend.
type failingAuditStore struct {
	*audit.MemoryStore
	fail bool
}

func (s *failingAuditStore) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	if s.fail {
		return audit.Entry{}, errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func TestAuditFailureFailsPublishAtomically(t *testing.T) {
	auditor := &failingAuditStore{MemoryStore: audit.NewMemoryStore(), fail: true}
	b := NewMemoryBus(auditor, nil, Options{})
	ctx := context.Background()

	_, err := b.Publish(ctx, "s", "e", []byte(`{}`), "p")
	require.ErrorIs(t, err, ErrBusUnavailable)

	// No partial publish: the event must not be delivered either.
	sub, err := b.Subscribe(ctx, "s", "g", "c1")
	require.NoError(t, err)
	expectNothing(t, sub)
}

func TestPublishMirrorsToAudit(t *testing.T) {
	b, auditor, _ := newBus(Options{})
	ctx := context.Background()

	id, err := b.Publish(ctx, "s", "e", []byte(`{"n":1}`), "p")
	require.NoError(t, err)

	entries, err := auditor.Query(ctx, audit.Filter{Stream: "s"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].EventID)
	assert.Equal(t, "p", entries[0].Actor)
	require.NoError(t, auditor.Verify())
}

func TestUnackedDeliveryIsRedelivered(t *testing.T) {
	b, _, now := newBus(Options{AckTimeout: time.Second})
	ctx := context.Background()

	_, err := b.Publish(ctx, "s", "e", []byte(`{}`), "p")
	require.NoError(t, err)

	crashed, err := b.Subscribe(ctx, "s", "g", "crashed")
	require.NoError(t, err)
	first := nextWithin(t, crashed, time.Second)
	require.NoError(t, crashed.Close())
	// Consumer dies without acking.

	survivor, err := b.Subscribe(ctx, "s", "g", "survivor")
	require.NoError(t, err)
	expectNothing(t, survivor)

	*now = now.Add(2 * time.Second)
	second := nextWithin(t, survivor, time.Second)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Ack(ctx))

	*now = now.Add(time.Minute)
	expectNothing(t, survivor)
}

func TestNackSpeedsUpRedelivery(t *testing.T) {
	b, _, _ := newBus(Options{AckTimeout: time.Hour})
	ctx := context.Background()

	_, err := b.Publish(ctx, "s", "e", []byte(`{}`), "p")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "s", "g", "c1")
	require.NoError(t, err)
	d := nextWithin(t, sub, time.Second)
	require.NoError(t, d.Nack(ctx))

	again := nextWithin(t, sub, time.Second)
	assert.Equal(t, d.Event.ID, again.Event.ID)
	assert.Equal(t, 2, again.Attempt)
}

func TestExhaustedDeliveriesGoToDeadLetter(t *testing.T) {
	b, auditor, now := newBus(Options{AckTimeout: time.Second, MaxAttempts: 2})
	ctx := context.Background()

	id, err := b.Publish(ctx, "s", "e", []byte(`{"poison":true}`), "p")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "s", "g", "c1")
	require.NoError(t, err)
	for attempt := 1; attempt <= 2; attempt++ {
		d := nextWithin(t, sub, time.Second)
		assert.Equal(t, attempt, d.Attempt)
		*now = now.Add(2 * time.Second)
	}
	// Attempts exhausted; the event moves to the dead-letter stream.
	expectNothing(t, sub)

	dead, err := b.Subscribe(ctx, DeadLetterStream("s"), "g", "c1")
	require.NoError(t, err)
	d := nextWithin(t, dead, time.Second)
	assert.Equal(t, TypeDeadLetter, d.Event.Type)

	var original Event
	require.NoError(t, json.Unmarshal(d.Event.Payload, &original))
	assert.Equal(t, id, original.ID)
	assert.JSONEq(t, `{"poison":true}`, string(original.Payload))

	// The dead-letter hop is audited too.
	entries, err := auditor.Query(ctx, audit.Filter{Stream: DeadLetterStream("s")})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSchemaValidationRejectsBadPayloads(t *testing.T) {
	schemas := NewSchemaRegistry()
	require.NoError(t, schemas.Register(TypePaymentConfirmed, PaymentConfirmedSchema))
	b := NewMemoryBus(audit.NewMemoryStore(), schemas, Options{})
	ctx := context.Background()

	_, err := b.Publish(ctx, StreamPaymentTransactions, TypePaymentConfirmed,
		[]byte(`{"project_id":"p1"}`), "payments")
	require.Error(t, err)

	_, err = b.Publish(ctx, StreamPaymentTransactions, TypePaymentConfirmed,
		[]byte(`{"project_id":"p1","party_a_id":"u1","party_b_id":"u2","confirmed":true}`), "payments")
	require.NoError(t, err)

	// Unregistered types pass through.
	_, err = b.Publish(ctx, "s", "free_form", []byte(`{"whatever":42}`), "p")
	require.NoError(t, err)
}

func TestSubscriptionCloseStopsNext(t *testing.T) {
	b, _, _ := newBus(Options{})
	sub, err := b.Subscribe(context.Background(), "s", "g", "c1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestPublishJSON(t *testing.T) {
	b, _, _ := newBus(Options{})
	ctx := context.Background()

	_, err := PublishJSON(ctx, b, "s", "e", map[string]int{"n": 7}, "p")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "s", "g", "c1")
	require.NoError(t, err)
	d := nextWithin(t, sub, time.Second)
	assert.JSONEq(t, `{"n":7}`, string(d.Event.Payload))
}

func TestConcurrentPublishersAndConsumers(t *testing.T) {
	b := NewMemoryBus(audit.NewMemoryStore(), nil, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer, consumers = 4, 25, 3
	total := producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := b.Publish(ctx, "s", "e", []byte(fmt.Sprintf(`{"p":%d,"i":%d}`, p, i)), "p")
				assert.NoError(t, err)
			}
		}(p)
	}

	received := make(chan string, total)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			sub, err := b.Subscribe(ctx, "s", "g", fmt.Sprintf("c%d", c))
			if !assert.NoError(t, err) {
				return
			}
			defer sub.Close()
			for {
				d, err := sub.Next(ctx)
				if err != nil {
					return
				}
				received <- d.Event.ID
				d.Ack(ctx)
				if len(received) >= total {
					return
				}
			}
		}(c)
	}

	require.Eventually(t, func() bool { return len(received) >= total },
		4*time.Second, 10*time.Millisecond, "all events consumed exactly once while acked")
	cancel()
	wg.Wait()

	close(received)
	seen := make(map[string]bool)
	for id := range received {
		assert.False(t, seen[id], "no duplicate deliveries while consumers ack promptly")
		seen[id] = true
	}
	assert.Len(t, seen, total)
}
