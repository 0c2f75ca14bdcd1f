package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRecorder(t *testing.T) (*events.Bus, *MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	store := NewMemoryStore()
	NewRecorder(store, logger).Subscribe(bus)
	return bus, store
}

func TestRecorderWritesAdjustmentEntry(t *testing.T) {
	bus, store := newTestRecorder(t)
	customerID := uuid.New().String()

	err := bus.PublishAndWait(context.Background(), events.NewEvent(events.EventAdjustmentCreated, customerID, map[string]interface{}{
		"actor":   "ops@example.com",
		"subject": "llm.tokens",
		"kind":    "credit",
		"reason":  "outage",
	}))
	require.NoError(t, err)

	entries, err := store.ByCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "adjustment.created", e.Action)
	assert.Equal(t, "ops@example.com", e.Actor)
	assert.Equal(t, "llm.tokens", e.Subject)
	assert.Equal(t, "outage", e.Detail["reason"])
}

func TestRecorderDefaultsActorToSystem(t *testing.T) {
	bus, store := newTestRecorder(t)
	customerID := uuid.New().String()

	err := bus.PublishAndWait(context.Background(), events.NewEvent(events.EventOutcomeVerified, customerID, map[string]interface{}{
		"external_ref": "zd-441",
	}))
	require.NoError(t, err)

	entries, err := store.ByCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].Actor)
	assert.Equal(t, "zd-441", entries[0].Subject)
}

func TestRecorderIgnoresNonStringPayload(t *testing.T) {
	bus, store := newTestRecorder(t)
	customerID := uuid.New().String()

	err := bus.PublishAndWait(context.Background(), events.NewEvent(events.EventRatingCompleted, customerID, map[string]interface{}{
		"subtotal": "42.5",
		"version":  int64(3),
	}))
	require.NoError(t, err)

	entries, err := store.ByCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "42.5", entries[0].Detail["subtotal"])
	_, present := entries[0].Detail["version"]
	assert.False(t, present)
}

func TestByCustomerReturnsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	customerID := uuid.New().String()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"outcome.recorded", "outcome.verified", "outcome.reversed"} {
		require.NoError(t, store.Append(context.Background(), Entry{
			ID:         uuid.New(),
			CustomerID: customerID,
			Action:     action,
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, store.Append(context.Background(), Entry{
		ID:         uuid.New(),
		CustomerID: uuid.New().String(),
		Action:     "adjustment.created",
		OccurredAt: base.Add(10 * time.Hour),
	}))

	entries, err := store.ByCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "outcome.reversed", entries[0].Action)
	assert.Equal(t, "outcome.recorded", entries[2].Action)
}
