// Package spend is the cost governor: a check-and-reserve ledger with a
// circuit breaker in front of every chargeable operation. All amounts are
// integer cents. Security filtering never consults the governor; only
// operations that cost real money do.
package spend

import (
	"errors"
	"time"
)

var (
	ErrBudgetExceeded = errors.New("spend: budget exceeded")
	ErrBreakerOpen    = errors.New("spend: circuit breaker open")
)

// EmergencyReason is the breaker reason recorded when total spend crosses
// the emergency ceiling. Operators look for this string.
const EmergencyReason = "emergency cost threshold exceeded; manual intervention required"

// Chargeable operation kinds.
const (
	KindLLMCall      = "llm_call"
	KindNotification = "notification"
	KindEnrichment   = "enrichment"
)

// Limits are the governor's ceilings, all in cents. A zero ceiling disables
// that check.
type Limits struct {
	PerEventCents  int64 `yaml:"per_event_cents"`
	DailyCents     int64 `yaml:"daily_cents"`
	HourlyCents    int64 `yaml:"hourly_cents"`
	EmergencyCents int64 `yaml:"emergency_cents"`
}

// DefaultLimits matches the production ceilings: $0.50 per event, $50 per
// day, $10 per hour smoothed, $100 emergency stop.
func DefaultLimits() Limits {
	return Limits{
		PerEventCents:  50,
		DailyCents:     5000,
		HourlyCents:    1000,
		EmergencyCents: 10000,
	}
}

// Op is one chargeable operation seeking admission.
type Op struct {
	EventID       string `json:"event_id"`
	Kind          string `json:"kind"`
	EstimateCents int64  `json:"estimate_cents"`
}

// Receipt proves an admission and carries the ledger position at that
// moment.
type Receipt struct {
	OpID            string    `json:"op_id"`
	EventID         string    `json:"event_id"`
	Kind            string    `json:"kind"`
	EstimateCents   int64     `json:"estimate_cents"`
	SpentTodayCents int64     `json:"spent_today_cents"`
	RemainingCents  int64     `json:"remaining_cents"`
	AdmittedAt      time.Time `json:"admitted_at"`
}

// Ledger is a point-in-time snapshot of the day's spend.
type Ledger struct {
	SpentTodayCents int64            `json:"spent_today_cents"`
	DayStart        time.Time        `json:"day_start"`
	PerEventCents   map[string]int64 `json:"per_event_cents"`
	BreakerOpen     bool             `json:"breaker_open"`
	BreakerReason   string           `json:"breaker_reason,omitempty"`
	TrippedAt       time.Time        `json:"tripped_at,omitzero"`
}
