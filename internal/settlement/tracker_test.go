package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(now time.Time) *Tracker {
	logger := zap.NewNop()
	return NewTracker(NewMemoryStore(), logger, events.NewBus(logger)).
		WithClock(func() time.Time { return now })
}

func TestRecordIsIdempotentByRef(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)
	customerID := uuid.New()

	first, err := tracker.Record(context.Background(), customerID, "run-1", "ticket.resolved", "zendesk", "zd-42", now, 7, nil, false)
	require.NoError(t, err)

	second, err := tracker.Record(context.Background(), customerID, "run-1", "ticket.resolved", "zendesk", "zd-42", now, 7, nil, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordDefaultsRefAndSystem(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)

	v, err := tracker.Record(context.Background(), uuid.New(), "run-1", "report.delivered", "", "", now, 7, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "run-1/report.delivered", v.ExternalRef)
	assert.Equal(t, "internal", v.ExternalSystem)
}

func TestVerifyStartsHoldback(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)

	_, err := tracker.Record(context.Background(), uuid.New(), "run-1", "ticket.resolved", "zendesk", "zd-42", now, 7, nil, false)
	require.NoError(t, err)

	verifiedAt := now.Add(24 * time.Hour)
	v, err := tracker.MarkVerified(context.Background(), "zd-42", verifiedAt, 5)
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, v.Status)
	assert.Equal(t, verifiedAt.AddDate(0, 0, 5), v.HoldbackUntil)

	// Billable only once the holdback elapses.
	assert.False(t, v.Settled(verifiedAt.AddDate(0, 0, 4)))
	assert.True(t, v.Settled(verifiedAt.AddDate(0, 0, 5)))
}

func TestVerifyRejectsInvalidTransitions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)

	_, err := tracker.Record(context.Background(), uuid.New(), "run-1", "ticket.resolved", "zendesk", "zd-42", now, 7, nil, false)
	require.NoError(t, err)
	_, err = tracker.MarkVerified(context.Background(), "zd-42", now, 7)
	require.NoError(t, err)

	// Verified twice.
	_, err = tracker.MarkVerified(context.Background(), "zd-42", now, 7)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Reversed is terminal.
	_, err = tracker.MarkReversed(context.Background(), "zd-42", "chargeback")
	require.NoError(t, err)
	_, err = tracker.MarkVerified(context.Background(), "zd-42", now, 7)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = tracker.MarkReversed(context.Background(), "zd-42", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown ref.
	_, err = tracker.MarkVerified(context.Background(), "zd-missing", now, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReverseAllowedFromPendingAndVerified(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)

	_, err := tracker.Record(context.Background(), uuid.New(), "run-1", "ticket.resolved", "zendesk", "zd-1", now, 7, nil, false)
	require.NoError(t, err)
	v, err := tracker.MarkReversed(context.Background(), "zd-1", "customer dispute")
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, v.Status)
	assert.Equal(t, "customer dispute", v.ReversalReason)
	assert.False(t, v.Settled(now.AddDate(0, 0, 30)), "reversed outcomes are never billable")
}

func TestReversedBilledOwesExactlyOneCredit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)
	customerID := uuid.New()

	v, err := tracker.Record(context.Background(), customerID, "run-1", "ticket.resolved", "zendesk", "zd-1", now, 7, nil, false)
	require.NoError(t, err)
	_, err = tracker.MarkVerified(context.Background(), "zd-1", now, 0)
	require.NoError(t, err)

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.MarkBilled(context.Background(), v.ID, periodStart, decimal.NewFromInt(40)))

	_, err = tracker.MarkReversed(context.Background(), "zd-1", "chargeback")
	require.NoError(t, err)

	owed, err := tracker.ReversedBilled(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	assert.True(t, owed[0].BilledAmount.Equal(decimal.NewFromInt(40)), "the owed credit carries the amount actually billed")

	creditPeriod := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.MarkCredited(context.Background(), owed[0].ID, creditPeriod))

	owed, err = tracker.ReversedBilled(context.Background(), customerID)
	require.NoError(t, err)
	assert.Empty(t, owed, "credited outcomes must not be credited again")
}

type flakyRefStore struct {
	*MemoryStore
	refErr error
}

func (s *flakyRefStore) ByRef(ctx context.Context, externalRef string) (*Verification, error) {
	if s.refErr != nil {
		return nil, s.refErr
	}
	return s.MemoryStore.ByRef(ctx, externalRef)
}

func TestRecordPropagatesStoreErrors(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &flakyRefStore{MemoryStore: NewMemoryStore(), refErr: errors.New("connection reset by peer")}
	logger := zap.NewNop()
	tracker := NewTracker(store, logger, events.NewBus(logger)).
		WithClock(func() time.Time { return now })

	// A transient lookup failure is not "not found" and must not fall
	// through to a duplicate create.
	_, err := tracker.Record(context.Background(), uuid.New(), "run-1", "ticket.resolved", "zendesk", "zd-9", now, 7, nil, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	store.refErr = nil
	_, err = store.ByRef(context.Background(), "zd-9")
	assert.ErrorIs(t, err, ErrNotFound, "nothing may be created while the lookup is failing")
}

func TestSettledFiltersByConditions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)
	customerID := uuid.New()

	_, err := tracker.Record(context.Background(), customerID, "run-1", "ticket.resolved", "", "", now, 0, map[string]string{"sla.met": "true"}, true)
	require.NoError(t, err)
	_, err = tracker.Record(context.Background(), customerID, "run-2", "ticket.resolved", "", "", now, 0, map[string]string{"sla.met": "false"}, true)
	require.NoError(t, err)

	settled, err := tracker.Settled(context.Background(), customerID, "ticket.resolved", now.Add(-time.Hour), now.Add(time.Hour), now, map[string]string{"sla.met": "true"})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "run-1", settled[0].RunID)
}
