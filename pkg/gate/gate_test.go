package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidlock/bidlock/pkg/audit"
	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/detect"
	"github.com/bidlock/bidlock/pkg/escalation"
	"github.com/bidlock/bidlock/pkg/observability"
)

type fixture struct {
	gate   *Gate
	bus    *bus.MemoryBus
	engine *escalation.Engine
	audit  *audit.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auditor := audit.NewMemoryStore()
	b := bus.NewMemoryBus(auditor, nil, bus.Options{})
	engine := escalation.NewEngine(escalation.DefaultPolicy(), escalation.NewMemoryStore(), b, nil)
	detector := detect.New(detect.Defaults())
	return &fixture{
		gate:   New(b, detector, engine, nil),
		bus:    b,
		engine: engine,
		audit:  auditor,
	}
}

func (f *fixture) drain(t *testing.T, ctx context.Context, stream string) []bus.Event {
	t.Helper()
	sub, err := f.bus.Subscribe(ctx, stream, "test-drain", "c1")
	require.NoError(t, err)
	defer sub.Close()

	var events []bus.Event
	for {
		next, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		d, err := sub.Next(next)
		cancel()
		if err != nil {
			return events
		}
		events = append(events, d.Event)
		d.Ack(ctx)
	}
}

func msg(id, sender, body string) Message {
	return Message{
		ID: id, ProjectID: "p1", SenderID: sender, RecipientID: "homeowner-1",
		Body: body, SentAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestCleanMessageDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gate.Handle(ctx, msg("m1", "contractor-1", "The tile work can start next Tuesday."))
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.False(t, out.Sanitized)
	assert.Equal(t, detect.VerdictClean, out.Verdict)

	events := f.drain(t, ctx, bus.StreamDelivered)
	require.Len(t, events, 1)
	assert.Equal(t, bus.TypeMessageDelivered, events[0].Type)

	var body map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &body))
	assert.Equal(t, "The tile work can start next Tuesday.", body["body"])
	assert.Equal(t, false, body["flagged"])
}

// Spelled-out phone number: detector flags pattern and obfuscation layers,
// the message is blocked, a violation is recorded, and the sender moves from
// clean to warned.
func TestBlockedMessageEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gate.Handle(ctx, msg("m1", "contractor-1",
		"call me at five-five-five, one-two-three, four-five-six-seven"))
	require.NoError(t, err)
	assert.False(t, out.Delivered)
	assert.Equal(t, detect.VerdictBlocked, out.Verdict)

	st, err := f.engine.Status(ctx, "contractor-1")
	require.NoError(t, err)
	assert.Equal(t, escalation.Warned, st.Level)

	violations := f.drain(t, ctx, bus.StreamSecurityViolations)
	var types []string
	for _, e := range violations {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, bus.TypeContactViolation)
	assert.Contains(t, types, bus.TypeEscalationChanged)

	delivered := f.drain(t, ctx, bus.StreamDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, bus.TypeMessageWithheld, delivered[0].Type)

	var signal map[string]any
	require.NoError(t, json.Unmarshal(delivered[0].Payload, &signal))
	assert.Equal(t, WithheldNotice, signal["notice"])
	assert.NotContains(t, string(delivered[0].Payload), "five", "no detection internals in the signal")
}

func TestViolationEventCarriesNoContactData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Handle(ctx, msg("m1", "contractor-1", "reach me at 555-123-4567"))
	require.NoError(t, err)

	for _, e := range f.drain(t, ctx, bus.StreamSecurityViolations) {
		assert.NotContains(t, string(e.Payload), "555-123-4567", "event %s", e.Type)
	}
}

func TestSuspiciousMessageDeliveredSanitized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gate.Handle(ctx, msg("m1", "contractor-1", "maybe we take this offline after the walkthrough"))
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.True(t, out.Sanitized)
	assert.Equal(t, detect.VerdictSuspicious, out.Verdict)

	events := f.drain(t, ctx, bus.StreamDelivered)
	require.Len(t, events, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &body))
	assert.Equal(t, true, body["flagged"])
	assert.NotContains(t, body["body"], "take this offline")
	assert.Contains(t, body["body"], "BLOCKED")
}

func TestBannedSenderRejectedWithoutEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := f.engine.RecordViolation(ctx, "contractor-1", "m", 0.9)
		require.NoError(t, err)
	}

	out, err := f.gate.Handle(ctx, msg("m9", "contractor-1", "totally innocent message"))
	require.NoError(t, err)
	assert.False(t, out.Delivered)

	events := f.drain(t, ctx, bus.StreamDelivered)
	require.Len(t, events, 1)
	assert.Equal(t, bus.TypeMessageWithheld, events[0].Type)
}

func TestRunConsumesSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.gate.Run(ctx, "worker-1") }()

	payload, err := json.Marshal(msg("m1", "contractor-1", "see you at the site tomorrow"))
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, bus.StreamMessages, bus.TypeMessageSubmitted, payload, "messaging-agent")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, qErr := f.audit.Query(context.Background(), audit.Filter{Stream: bus.StreamDelivered})
		return qErr == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEveryGateActionIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Handle(ctx, msg("m1", "contractor-1", "email me at john@example.com"))
	require.NoError(t, err)

	require.NoError(t, f.audit.Verify())
	entries, err := f.audit.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestHandleWithTelemetryAttached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	telemetry, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)
	f.gate.WithMetrics(telemetry)

	out, err := f.gate.Handle(ctx, msg("m1", "contractor-1", "The permit arrived today."))
	require.NoError(t, err)
	assert.True(t, out.Delivered)

	out, err = f.gate.Handle(ctx, msg("m2", "contractor-1",
		"call me at five-five-five, one-two-three, four-five-six-seven"))
	require.NoError(t, err)
	assert.False(t, out.Delivered)

	events := f.drain(t, ctx, bus.StreamDelivered)
	assert.Len(t, events, 2)
}
