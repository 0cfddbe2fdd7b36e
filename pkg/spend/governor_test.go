package spend

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/observability"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, typ string, _ []byte, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, typ)
	return "1-0", nil
}

func (p *recordingPublisher) has(typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.types {
		if t == typ {
			return true
		}
	}
	return false
}

func testLimits() Limits {
	return Limits{PerEventCents: 50, DailyCents: 200, EmergencyCents: 0, HourlyCents: 0}
}

func newTestGovernor(limits Limits) (*Governor, *recordingPublisher, *time.Time) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	g := NewGovernor(limits, pub, nil).WithClock(func() time.Time { return now })
	return g, pub, &now
}

func TestAdmitWithinLimits(t *testing.T) {
	g, _, _ := newTestGovernor(testLimits())

	r, err := g.Admit(context.Background(), Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(30), r.SpentTodayCents)
	assert.Equal(t, int64(170), r.RemainingCents)
	assert.NotEmpty(t, r.OpID)
}

func TestPerEventLimitTripsBreaker(t *testing.T) {
	g, pub, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 51})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, pub.has(bus.TypeBreakerTripped))
	assert.True(t, pub.has(bus.TypeCostLimitExceeded))

	// Breaker is open now; even a cheap op fails fast.
	_, err = g.Admit(ctx, Op{EventID: "e2", Kind: KindLLMCall, EstimateCents: 1})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestPerEventCeilingIsCumulative(t *testing.T) {
	g, _, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 30})
	require.NoError(t, err)

	// A second charge against the same event must count the 30 cents
	// already reserved: 30 + 30 > 50.
	_, err = g.Admit(ctx, Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 30})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.LessOrEqual(t, g.Snapshot().PerEventCents["e1"], int64(50))
	assert.True(t, g.Snapshot().BreakerOpen)
}

func TestRecordActualAdjustsPerEventTotal(t *testing.T) {
	g, _, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	r, err := g.Admit(ctx, Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 40})
	require.NoError(t, err)
	require.NoError(t, g.RecordActual(ctx, r.OpID, 10))
	assert.Equal(t, int64(10), g.Snapshot().PerEventCents["e1"])

	// The freed reserve makes room under the same event's ceiling again.
	_, err = g.Admit(ctx, Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 40})
	assert.NoError(t, err)
}

func TestDailyLimitEnforced(t *testing.T) {
	g, _, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := g.Admit(ctx, Op{EventID: fmt.Sprintf("e%d", i), Kind: KindLLMCall, EstimateCents: 50})
		require.NoError(t, err)
	}
	_, err := g.Admit(ctx, Op{EventID: "e5", Kind: KindLLMCall, EstimateCents: 1})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.LessOrEqual(t, g.Snapshot().SpentTodayCents, int64(200))
}

func TestResetClosesBreaker(t *testing.T) {
	g, pub, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", EstimateCents: 500})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	g.Reset(ctx, "ops-alice", "reviewed spend, false alarm")
	assert.True(t, pub.has(bus.TypeBreakerReset))

	_, err = g.Admit(ctx, Op{EventID: "e2", EstimateCents: 10})
	assert.NoError(t, err)
}

func TestDayRolloverZeroesLedgerAndClosesBreaker(t *testing.T) {
	g, _, now := newTestGovernor(testLimits())
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", EstimateCents: 500})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	*now = now.Add(24 * time.Hour)
	r, err := g.Admit(ctx, Op{EventID: "e2", EstimateCents: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.SpentTodayCents)
}

func TestEmergencyTripSurvivesRollover(t *testing.T) {
	limits := testLimits()
	limits.EmergencyCents = 40
	g, pub, now := newTestGovernor(limits)
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", EstimateCents: 45})
	require.NoError(t, err, "the crossing op itself is admitted")
	assert.True(t, pub.has(bus.TypeBreakerTripped))
	assert.Equal(t, EmergencyReason, g.Snapshot().BreakerReason)

	*now = now.Add(24 * time.Hour)
	_, err = g.Admit(ctx, Op{EventID: "e2", EstimateCents: 1})
	assert.ErrorIs(t, err, ErrBreakerOpen, "emergency stop needs an operator")

	g.Reset(ctx, "ops-alice", "incident resolved")
	_, err = g.Admit(ctx, Op{EventID: "e3", EstimateCents: 1})
	assert.NoError(t, err)
}

func TestRecordActualAdjustsLedger(t *testing.T) {
	g, _, _ := newTestGovernor(testLimits())
	ctx := context.Background()

	r, err := g.Admit(ctx, Op{EventID: "e1", EstimateCents: 50})
	require.NoError(t, err)

	require.NoError(t, g.RecordActual(ctx, r.OpID, 20))
	assert.Equal(t, int64(20), g.Snapshot().SpentTodayCents)

	assert.Error(t, g.RecordActual(ctx, r.OpID, 20), "an admission settles once")
	assert.Error(t, g.RecordActual(ctx, "bogus", 5))
}

func TestHourlySmoothing(t *testing.T) {
	limits := Limits{PerEventCents: 5000, DailyCents: 100000, HourlyCents: 100}
	g, _, now := newTestGovernor(limits)
	ctx := context.Background()

	_, err := g.Admit(ctx, Op{EventID: "e1", EstimateCents: 100})
	require.NoError(t, err, "burst up to the hourly amount is fine")

	_, err = g.Admit(ctx, Op{EventID: "e2", EstimateCents: 100})
	assert.ErrorIs(t, err, ErrBudgetExceeded, "second burst in the same instant is rate-limited")

	g.Reset(ctx, "ops-alice", "test")
	*now = now.Add(time.Hour)
	_, err = g.Admit(ctx, Op{EventID: "e3", EstimateCents: 100})
	assert.NoError(t, err, "tokens refill over the hour")
}

func TestConcurrentAdmissionsNeverExceedDailyLimit(t *testing.T) {
	g, _, _ := newTestGovernor(Limits{PerEventCents: 10, DailyCents: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.Admit(ctx, Op{EventID: fmt.Sprintf("e%d", i), EstimateCents: 7})
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, g.Snapshot().SpentTodayCents, int64(100))
}

func TestBreakerTripWithTelemetryAttached(t *testing.T) {
	g, pub, _ := newTestGovernor(testLimits())

	telemetry, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	g.WithMetrics(telemetry)

	_, err = g.Admit(context.Background(), Op{EventID: "e1", Kind: KindLLMCall, EstimateCents: 60})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, g.Snapshot().BreakerOpen)
	assert.True(t, pub.has(bus.TypeBreakerTripped))
}
