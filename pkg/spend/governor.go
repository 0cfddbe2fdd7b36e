package spend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/observability"
)

// Governor admits chargeable operations against the day's ledger. Admission
// is check-and-reserve under one mutex, so the daily ceiling holds under any
// concurrency. Any rejection trips the breaker; while open, every admission
// fails fast until an operator calls Reset or the day rolls over.
type reservation struct {
	eventID string
	cents   int64
}

type Governor struct {
	mu        sync.Mutex
	limits    Limits
	spent     int64
	perEvent  map[string]int64
	reserved  map[string]reservation // op id -> reserved estimate
	dayStart  time.Time
	open      bool
	reason    string
	trippedAt time.Time
	limiter   *rate.Limiter

	publisher bus.Publisher
	logger    *slog.Logger
	metrics   *observability.Provider
	clock     func() time.Time
}

func NewGovernor(limits Limits, publisher bus.Publisher, logger *slog.Logger) *Governor {
	if limits.DailyCents == 0 && limits.PerEventCents == 0 {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		limits:    limits,
		perEvent:  make(map[string]int64),
		reserved:  make(map[string]reservation),
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
	g.dayStart = dayOf(g.clock())
	if limits.HourlyCents > 0 {
		// Cents refill at the hourly limit spread across the hour; the
		// burst allows the full hourly amount up front.
		g.limiter = rate.NewLimiter(rate.Limit(float64(limits.HourlyCents)/3600), int(limits.HourlyCents))
	}
	return g
}

// WithClock overrides the clock for deterministic testing. The rate limiter
// sees the injected time too, so tests can advance it.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	g.dayStart = dayOf(clock())
	return g
}

// WithMetrics attaches the telemetry provider.
func (g *Governor) WithMetrics(p *observability.Provider) *Governor {
	g.metrics = p
	return g
}

// Admit reserves op's estimate against the ledger or rejects it. A
// rejection trips the breaker.
func (g *Governor) Admit(ctx context.Context, op Op) (*Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	g.rolloverLocked(now)

	if g.open {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, g.reason)
	}
	// The per-event ceiling bounds the event's cumulative spend, not just
	// this one operation.
	if g.limits.PerEventCents > 0 && g.perEvent[op.EventID]+op.EstimateCents > g.limits.PerEventCents {
		g.tripLocked(ctx, now, fmt.Sprintf("per-event limit exceeded for %s: %d + %d > %d cents",
			op.EventID, g.perEvent[op.EventID], op.EstimateCents, g.limits.PerEventCents), op)
		return nil, fmt.Errorf("%w: per-event limit", ErrBudgetExceeded)
	}
	if g.limits.DailyCents > 0 && g.spent+op.EstimateCents > g.limits.DailyCents {
		g.tripLocked(ctx, now, fmt.Sprintf("daily limit exceeded: %d + %d > %d cents", g.spent, op.EstimateCents, g.limits.DailyCents), op)
		return nil, fmt.Errorf("%w: daily limit", ErrBudgetExceeded)
	}
	if g.limiter != nil && !g.limiter.AllowN(now, int(op.EstimateCents)) {
		g.tripLocked(ctx, now, "hourly spend rate exceeded", op)
		return nil, fmt.Errorf("%w: hourly rate", ErrBudgetExceeded)
	}

	g.spent += op.EstimateCents
	g.perEvent[op.EventID] += op.EstimateCents

	receipt := &Receipt{
		OpID:            uuid.New().String(),
		EventID:         op.EventID,
		Kind:            op.Kind,
		EstimateCents:   op.EstimateCents,
		SpentTodayCents: g.spent,
		RemainingCents:  g.limits.DailyCents - g.spent,
		AdmittedAt:      now,
	}
	g.reserved[receipt.OpID] = reservation{eventID: op.EventID, cents: op.EstimateCents}

	if g.limits.EmergencyCents > 0 && g.spent >= g.limits.EmergencyCents {
		g.tripLocked(ctx, now, EmergencyReason, op)
	}
	return receipt, nil
}

// RecordActual replaces an admission's reserved estimate with the measured
// cost once the operation finishes.
func (g *Governor) RecordActual(ctx context.Context, opID string, actualCents int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reserved[opID]
	if !ok {
		return fmt.Errorf("spend: unknown admission %q", opID)
	}
	delete(g.reserved, opID)
	g.spent += actualCents - res.cents
	if g.spent < 0 {
		g.spent = 0
	}
	g.perEvent[res.eventID] += actualCents - res.cents
	if g.perEvent[res.eventID] < 0 {
		g.perEvent[res.eventID] = 0
	}

	if !g.open && g.limits.DailyCents > 0 && g.spent > g.limits.DailyCents {
		g.tripLocked(ctx, g.clock(), fmt.Sprintf("actual spend exceeded daily limit: %d > %d cents", g.spent, g.limits.DailyCents), Op{})
	}
	return nil
}

// Reset closes the breaker. Operator-only.
func (g *Governor) Reset(ctx context.Context, operator, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return
	}
	g.open = false
	g.reason = ""
	g.trippedAt = time.Time{}
	g.logger.Info("circuit breaker reset", "operator", operator, "reason", reason)
	g.announce(ctx, bus.TypeBreakerReset, map[string]any{
		"operator": operator,
		"reason":   reason,
		"reset_at": g.clock().UTC().Format(time.RFC3339Nano),
	})
}

// Snapshot returns the current ledger for inspection.
func (g *Governor) Snapshot() Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.clock())

	per := make(map[string]int64, len(g.perEvent))
	for k, v := range g.perEvent {
		per[k] = v
	}
	return Ledger{
		SpentTodayCents: g.spent,
		DayStart:        g.dayStart,
		PerEventCents:   per,
		BreakerOpen:     g.open,
		BreakerReason:   g.reason,
		TrippedAt:       g.trippedAt,
	}
}

// rolloverLocked zeroes the ledger and closes the breaker at the UTC day
// boundary. An emergency trip survives rollover.
func (g *Governor) rolloverLocked(now time.Time) {
	day := dayOf(now)
	if !day.After(g.dayStart) {
		return
	}
	g.dayStart = day
	g.spent = 0
	g.perEvent = make(map[string]int64)
	g.reserved = make(map[string]reservation)
	if g.open && g.reason != EmergencyReason {
		g.open = false
		g.reason = ""
		g.trippedAt = time.Time{}
		g.logger.Info("circuit breaker closed by day rollover")
	}
}

func (g *Governor) tripLocked(ctx context.Context, now time.Time, reason string, op Op) {
	if g.open {
		return
	}
	g.open = true
	g.reason = reason
	g.trippedAt = now
	g.logger.Error("circuit breaker tripped",
		"reason", reason, "spent_cents", g.spent, "event_id", op.EventID)
	if g.metrics != nil {
		g.metrics.RecordBreakerTrip(ctx, reason)
	}
	g.announce(ctx, bus.TypeCostLimitExceeded, map[string]any{
		"reason":      reason,
		"event_id":    op.EventID,
		"kind":        op.Kind,
		"spent_cents": g.spent,
	})
	g.announce(ctx, bus.TypeBreakerTripped, map[string]any{
		"reason":      reason,
		"spent_cents": g.spent,
		"tripped_at":  now.UTC().Format(time.RFC3339Nano),
	})
}

func (g *Governor) announce(ctx context.Context, eventType string, body map[string]any) {
	if g.publisher == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		g.logger.Error("marshal breaker event", "error", err)
		return
	}
	if _, err := g.publisher.Publish(ctx, bus.StreamEmergency, eventType, payload, "cost-governor"); err != nil {
		g.logger.Error("publish breaker event", "error", err, "type", eventType)
	}
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
