package rating

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/cache"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type serviceFixture struct {
	readings *deriver.MemoryStore
	tracker  *settlement.Tracker
	ledger   *adjustments.Ledger
	store    *MemoryStore
	lease    *Lease
	service  *Service
	policy   *Policy

	customerID uuid.UUID
	period     deriver.Window
	now        time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	f := &serviceFixture{
		readings:   deriver.NewMemoryStore(),
		tracker:    settlement.NewTracker(settlement.NewMemoryStore(), logger, bus).WithClock(func() time.Time { return now }),
		ledger:     adjustments.NewLedger(adjustments.NewMemoryStore(), logger, bus),
		store:      NewMemoryStore(),
		lease:      NewLease(cache.NewCacheFromClient(client), time.Minute),
		customerID: uuid.New(),
		period:     deriver.MonthOf(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)),
		now:        now,
	}
	f.policy = policyFor(t)
	policies := StaticPolicies{ByCustomer: map[uuid.UUID]*Policy{f.customerID: f.policy}}
	f.service = NewService(f.readings, f.tracker, f.ledger, f.store, f.lease, policies, nil, logger, bus).
		WithClock(func() time.Time { return f.now })
	return f
}

func policyFor(t *testing.T) *Policy {
	t.Helper()
	p := envelopePolicy()
	p.SuccessFees = []SuccessFeeRule{{OutcomeKey: "ticket.resolved", FeePerOutcome: dec("40"), SettlementDays: 7}}
	return &p
}

func (f *serviceFixture) seedReadings(t *testing.T, values map[string]string) {
	t.Helper()
	w := deriver.WindowFor(f.period.Start.Add(12*time.Hour), time.Hour)
	var rs []deriver.MeterReading
	for key, v := range values {
		rs = append(rs, deriver.MeterReading{
			CustomerID:  f.customerID,
			MeterKey:    key,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			Value:       dec(v),
		})
	}
	require.NoError(t, f.readings.ReplaceWindow(context.Background(), f.customerID, w, rs))
	_, err := f.readings.BumpInputVersion(context.Background(), f.customerID, f.period.Start)
	require.NoError(t, err)
}

func TestRunRatingPersistsVersionedResult(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "100", "llm.tokens": "4000000"})

	r, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, int64(1), r.InputVersion)
	assert.True(t, r.Subtotal.Equal(dec("50")))

	latest, stale, err := f.service.Latest(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, r.ID, latest.ID)

	// Re-rating supersedes, never mutates.
	r2, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Version)
}

func TestLatestReportsStaleAfterLateFacts(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "100"})

	_, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)

	// Derivation moves the period after the run.
	_, err = f.readings.BumpInputVersion(context.Background(), f.customerID, f.period.Start)
	require.NoError(t, err)

	_, stale, err := f.service.Latest(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestRunRatingConsumesAdjustmentsOnce(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "100"})

	_, err := f.ledger.Submit(context.Background(), f.customerID, "goodwill", adjustments.KindCredit, dec("15"), "outage", "ops@example.com")
	require.NoError(t, err)

	r, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.True(t, r.Subtotal.Equal(dec("35")))

	// The next run must not re-apply the same correction.
	r2, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.True(t, r2.Subtotal.Equal(dec("50")))
}

func TestRunRatingBillsAndCreditsOutcomesExactlyOnce(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "1"})

	occurred := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := f.tracker.Record(context.Background(), f.customerID, "run-1", "ticket.resolved", "", "", occurred, 0, nil, true)
	require.NoError(t, err)

	r, err := f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.True(t, r.Subtotal.Equal(dec("40.5")))
	require.Len(t, r.BilledOutcomeIDs, 1)

	// Reversal after billing: the next period owes exactly one credit.
	_, err = f.tracker.MarkReversed(context.Background(), "run-1/ticket.resolved", "chargeback")
	require.NoError(t, err)

	april := deriver.MonthOf(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))
	f.now = time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	c1, err := f.service.RunRating(context.Background(), f.customerID, april)
	require.NoError(t, err)
	assert.True(t, c1.Subtotal.Equal(dec("-40")))
	require.Len(t, c1.CreditedOutcomeIDs, 1)

	c2, err := f.service.RunRating(context.Background(), f.customerID, april)
	require.NoError(t, err)
	assert.True(t, c2.Subtotal.IsZero(), "credit must not repeat")
}

func TestRunRatingCreditsBilledAmountDespitePolicyChange(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "1"})

	occurred := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := f.tracker.Record(context.Background(), f.customerID, "run-1", "ticket.resolved", "", "", occurred, 0, nil, true)
	require.NoError(t, err)

	_, err = f.service.RunRating(context.Background(), f.customerID, f.period)
	require.NoError(t, err)

	_, err = f.tracker.MarkReversed(context.Background(), "run-1/ticket.resolved", "chargeback")
	require.NoError(t, err)

	// The fee drops before the credit period is rated.
	f.policy.SuccessFees[0].FeePerOutcome = dec("25")

	april := deriver.MonthOf(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))
	f.now = time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	c, err := f.service.RunRating(context.Background(), f.customerID, april)
	require.NoError(t, err)
	assert.True(t, c.Subtotal.Equal(dec("-40")), "credit must negate the fee that was billed, not the current one")
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "100"})

	_, err := f.ledger.Submit(context.Background(), f.customerID, "goodwill", adjustments.KindCredit, dec("15"), "outage", "ops@example.com")
	require.NoError(t, err)

	p, err := f.service.Preview(context.Background(), f.customerID, f.period)
	require.NoError(t, err)
	assert.True(t, p.Subtotal.Equal(dec("35")))

	_, _, err = f.service.Latest(context.Background(), f.customerID, f.period)
	assert.ErrorIs(t, err, ErrNoRatedUsage)

	unapplied, err := f.ledger.Unapplied(context.Background(), f.customerID)
	require.NoError(t, err)
	assert.Len(t, unapplied, 1, "previews must not consume adjustments")
}

func TestRunRatingRejectsConcurrentRun(t *testing.T) {
	f := newServiceFixture(t)
	f.seedReadings(t, map[string]string{"workflow.completed": "1"})

	token, err := f.lease.Acquire(context.Background(), f.customerID, f.period.Start)
	require.NoError(t, err)
	defer f.lease.Release(context.Background(), f.customerID, f.period.Start, token)

	_, err = f.service.RunRating(context.Background(), f.customerID, f.period)
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestRunRatingWithoutPolicy(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.RunRating(context.Background(), uuid.New(), f.period)
	assert.ErrorIs(t, err, ErrNoPolicy)
}
