package adjustments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the operator-facing entry point for manual corrections.
type Ledger struct {
	store  Store
	logger *zap.Logger
	bus    *events.Bus
}

// NewLedger creates an adjustment ledger.
func NewLedger(store Store, logger *zap.Logger, bus *events.Bus) *Ledger {
	return &Ledger{store: store, logger: logger, bus: bus}
}

// Submit records a correction. The adjustment takes effect at the next rating
// pass for the customer; it never edits an existing rated period.
func (l *Ledger) Submit(ctx context.Context, customerID uuid.UUID, subject string, kind Kind, amount decimal.Decimal, reason, actor string) (*Adjustment, error) {
	a := Adjustment{
		ID:         uuid.New(),
		CustomerID: customerID,
		Subject:    subject,
		Kind:       kind,
		Amount:     amount,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	if err := l.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create adjustment: %w", err)
	}

	l.logger.Info("adjustment submitted",
		zap.String("customer_id", customerID.String()),
		zap.String("subject", subject),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()),
		zap.String("actor", actor),
	)
	l.bus.Publish(ctx, events.NewEvent(events.EventAdjustmentCreated, customerID.String(), map[string]interface{}{
		"adjustment_id": a.ID.String(),
		"subject":       subject,
		"kind":          string(kind),
		"amount":        amount.String(),
		"actor":         actor,
		"reason":        reason,
	}))
	return &a, nil
}

// Unapplied returns adjustments awaiting the next rating pass.
func (l *Ledger) Unapplied(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	return l.store.Unapplied(ctx, customerID)
}

// MarkApplied records that a rating run for the given period consumed the
// adjustment.
func (l *Ledger) MarkApplied(ctx context.Context, id uuid.UUID, periodStart time.Time) error {
	return l.store.MarkApplied(ctx, id, periodStart)
}

// ByCustomer lists a customer's adjustment history.
func (l *Ledger) ByCustomer(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	return l.store.ByCustomer(ctx, customerID)
}
