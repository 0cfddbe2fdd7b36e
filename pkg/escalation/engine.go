package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/bidlock/bidlock/pkg/bus"
)

const lockStripes = 64

// Engine applies the transition policy over a Store. Per-user updates are
// serialized by striped locks so redundant gate workers cannot interleave a
// read-modify-write for the same user.
type Engine struct {
	policy    Policy
	store     Store
	publisher bus.Publisher
	logger    *slog.Logger
	clock     func() time.Time
	stripes   [lockStripes]sync.Mutex
}

func NewEngine(policy Policy, store Store, publisher bus.Publisher, logger *slog.Logger) *Engine {
	if policy.WindowDays <= 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:    policy,
		store:     store,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &e.stripes[h.Sum32()%lockStripes]
}

// RecordViolation records one blocked violation and applies the transition
// table. Banned users stay banned; the violation is still recorded for audit.
func (e *Engine) RecordViolation(ctx context.Context, userID, messageID string, score float64) (Transition, error) {
	mu := e.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.store.Get(ctx, userID)
	if err != nil {
		return Transition{}, fmt.Errorf("load escalation state: %w", err)
	}
	e.applyDecay(state)

	now := e.clock()
	state.History = append(state.History, ViolationRef{
		MessageID:  messageID,
		Score:      score,
		OccurredAt: now,
	})
	e.pruneHistory(state, now)

	from := state.Level
	to := from
	if from != Banned {
		to = e.policy.next(from, state.ViolationCount(now.Add(-e.policy.Window())))
	}
	if to != from {
		state.Level = to
		state.LevelEnteredAt = now
	}

	if err := e.store.Put(ctx, state); err != nil {
		return Transition{}, fmt.Errorf("store escalation state: %w", err)
	}

	tr := Transition{
		UserID:         userID,
		From:           from,
		To:             to,
		ViolationCount: state.ViolationCount(now.Add(-e.policy.Window())),
		MessageID:      messageID,
		Score:          score,
		OccurredAt:     now,
	}
	if tr.Changed() {
		e.logger.Warn("escalation level changed",
			"user_id", userID, "from", from.String(), "to", to.String(),
			"violations", tr.ViolationCount)
		e.announce(ctx, tr)
	}
	return tr, nil
}

// Status returns the user's current standing after applying decay: each full
// run of DecayDays clean days steps the level down by one, stopping at Clean.
// Banned never decays. The decayed state is written back so decay happens at
// most once per period regardless of how often Status is called.
func (e *Engine) Status(ctx context.Context, userID string) (*State, error) {
	mu := e.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load escalation state: %w", err)
	}
	if !e.applyDecay(state) {
		return state, nil
	}
	if err := e.store.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("store escalation state: %w", err)
	}
	e.logger.Info("escalation level decayed",
		"user_id", userID, "level", state.Level.String())
	return state, nil
}

// applyDecay steps the level down once per full clean period, stopping at
// Clean. Banned never decays. Reports whether the state changed.
func (e *Engine) applyDecay(state *State) bool {
	if e.policy.DecayDays <= 0 || state.Level == Clean || state.Level == Banned {
		return false
	}
	period := time.Duration(e.policy.DecayDays) * 24 * time.Hour
	changed := false
	for state.Level > Clean && e.clock().Sub(e.lastActivity(state)) >= period {
		state.Level--
		state.LevelEnteredAt = e.lastActivity(state).Add(period)
		changed = true
	}
	return changed
}

// Allowed reports whether the user may send messages at all. Banned users
// are rejected without re-evaluation.
func (e *Engine) Allowed(ctx context.Context, userID string) error {
	state, err := e.Status(ctx, userID)
	if err != nil {
		return err
	}
	if state.Level == Banned {
		return ErrUserBanned
	}
	return nil
}

// lastActivity is the later of the newest violation and the level entry
// time, so decay counts clean days, not calendar days at a level.
func (e *Engine) lastActivity(state *State) time.Time {
	last := state.LevelEnteredAt
	for _, v := range state.History {
		if v.OccurredAt.After(last) {
			last = v.OccurredAt
		}
	}
	return last
}

// pruneHistory drops violations older than twice the window; they can no
// longer influence any transition but recent ones stay for decay accounting.
func (e *Engine) pruneHistory(state *State, now time.Time) {
	cutoff := now.Add(-2 * e.policy.Window())
	kept := state.History[:0]
	for _, v := range state.History {
		if v.OccurredAt.After(cutoff) {
			kept = append(kept, v)
		}
	}
	state.History = kept
}

func (e *Engine) announce(ctx context.Context, tr Transition) {
	if e.publisher == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"user_id":         tr.UserID,
		"from":            tr.From.String(),
		"to":              tr.To.String(),
		"violation_count": tr.ViolationCount,
		"message_id":      tr.MessageID,
		"score":           tr.Score,
		"occurred_at":     tr.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		e.logger.Error("marshal escalation event", "error", err)
		return
	}
	if _, err := e.publisher.Publish(ctx, bus.StreamSecurityViolations, bus.TypeEscalationChanged, payload, "escalation-engine"); err != nil {
		e.logger.Error("publish escalation event", "error", err, "user_id", tr.UserID)
	}
	if tr.To == Warned && tr.From == Clean {
		warning, _ := json.Marshal(map[string]any{
			"user_id": tr.UserID,
			"notice":  "contact information is not allowed before payment; further violations restrict your account",
		})
		if _, err := e.publisher.Publish(ctx, bus.StreamNotifications, bus.TypeSecurityAlert, warning, "escalation-engine"); err != nil {
			e.logger.Error("publish warning notification", "error", err, "user_id", tr.UserID)
		}
	}
}
