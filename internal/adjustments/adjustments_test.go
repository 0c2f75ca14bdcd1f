package adjustments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger() *Ledger {
	logger := zap.NewNop()
	return NewLedger(NewMemoryStore(), logger, events.NewBus(logger))
}

func TestSubmitValidates(t *testing.T) {
	ledger := newTestLedger()
	customerID := uuid.New()

	tests := []struct {
		name    string
		kind    Kind
		amount  decimal.Decimal
		reason  string
		actor   string
		wantErr bool
	}{
		{"valid credit", KindCredit, decimal.NewFromInt(10), "outage", "ops@example.com", false},
		{"freeze without amount", KindFreeze, decimal.Zero, "dispute", "ops@example.com", false},
		{"unknown kind", Kind("refund"), decimal.NewFromInt(10), "outage", "ops@example.com", true},
		{"missing reason", KindCredit, decimal.NewFromInt(10), "", "ops@example.com", true},
		{"missing actor", KindCredit, decimal.NewFromInt(10), "outage", "", true},
		{"negative amount", KindDebit, decimal.NewFromInt(-5), "typo", "ops@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Submit(context.Background(), customerID, "llm.tokens", tt.kind, tt.amount, tt.reason, tt.actor)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnappliedReturnsCreationOrder(t *testing.T) {
	ledger := newTestLedger()
	customerID := uuid.New()

	first, err := ledger.Submit(context.Background(), customerID, "llm.tokens", KindCredit, decimal.NewFromInt(5), "first", "ops@example.com")
	require.NoError(t, err)
	second, err := ledger.Submit(context.Background(), customerID, "llm.tokens", KindDebit, decimal.NewFromInt(3), "second", "ops@example.com")
	require.NoError(t, err)

	unapplied, err := ledger.Unapplied(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, unapplied, 2)
	assert.Equal(t, first.ID, unapplied[0].ID)
	assert.Equal(t, second.ID, unapplied[1].ID)
}

func TestMarkAppliedConsumesOnce(t *testing.T) {
	ledger := newTestLedger()
	customerID := uuid.New()

	a, err := ledger.Submit(context.Background(), customerID, "llm.tokens", KindCredit, decimal.NewFromInt(5), "outage", "ops@example.com")
	require.NoError(t, err)

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.MarkApplied(context.Background(), a.ID, periodStart))

	unapplied, err := ledger.Unapplied(context.Background(), customerID)
	require.NoError(t, err)
	assert.Empty(t, unapplied)

	// History keeps the applied record.
	all, err := ledger.ByCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].AppliedPeriodStart)
	assert.True(t, all[0].AppliedPeriodStart.Equal(periodStart))

	assert.ErrorIs(t, ledger.MarkApplied(context.Background(), uuid.New(), periodStart), ErrNotFound)
}
