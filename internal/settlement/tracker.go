package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tracker is the state machine over outcome verifications. Transitions are
// triggered by the outcome oracle (polled or pushed) and only gate what the
// rating engine may count as billable; they never block ingestion or
// derivation.
type Tracker struct {
	store  Store
	logger *zap.Logger
	bus    *events.Bus

	// now is injectable for tests.
	now func() time.Time
}

// NewTracker creates a settlement tracker.
func NewTracker(store Store, logger *zap.Logger, bus *events.Bus) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the tracker's clock, for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record creates a pending verification for an outcome fact. When the
// success-fee rule does not require external verification the outcome is
// verified immediately, with the holdback still applied.
func (t *Tracker) Record(ctx context.Context, customerID uuid.UUID, runID, outcomeKey, externalSystem, externalRef string, occurredAt time.Time, settlementDays int, attributes map[string]string, autoVerify bool) (*Verification, error) {
	if externalRef == "" {
		externalRef = runID + "/" + outcomeKey
	}
	if externalSystem == "" {
		externalSystem = "internal"
	}

	// An outcome fact replayed through re-derivation must not spawn a
	// second verification.
	existing, err := t.store.ByRef(ctx, externalRef)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up outcome verification: %w", err)
	}

	v := Verification{
		ID:             uuid.New(),
		CustomerID:     customerID,
		RunID:          runID,
		OutcomeKey:     outcomeKey,
		ExternalSystem: externalSystem,
		ExternalRef:    externalRef,
		Status:         StatusPending,
		OccurredAt:     occurredAt.UTC(),
		SettlementDays: settlementDays,
		HoldbackUntil:  t.now().AddDate(0, 0, settlementDays),
		Attributes:     attributes,
	}

	if err := t.store.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to create outcome verification: %w", err)
	}

	t.logger.Info("recorded outcome",
		zap.String("customer_id", customerID.String()),
		zap.String("outcome_key", outcomeKey),
		zap.String("external_ref", externalRef),
		zap.Int("settlement_days", settlementDays),
	)
	t.bus.Publish(ctx, events.NewEvent(events.EventOutcomeRecorded, customerID.String(), map[string]interface{}{
		"outcome_key":  outcomeKey,
		"external_ref": externalRef,
	}))

	if autoVerify {
		return t.MarkVerified(ctx, externalRef, t.now(), settlementDays)
	}
	return &v, nil
}

// MarkVerified transitions a pending outcome to verified and starts the
// holdback clock. Verifying a reversed or already-verified outcome is an
// invalid transition.
func (t *Tracker) MarkVerified(ctx context.Context, externalRef string, at time.Time, holdbackDays int) (*Verification, error) {
	v, err := t.store.ByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot verify outcome in status %s", ErrInvalidTransition, v.Status)
	}

	at = at.UTC()
	v.Status = StatusVerified
	v.VerifiedAt = &at
	v.HoldbackUntil = at.AddDate(0, 0, holdbackDays)
	v.SettlementDays = holdbackDays

	if err := t.store.Update(ctx, *v); err != nil {
		return nil, fmt.Errorf("failed to update outcome verification: %w", err)
	}

	t.logger.Info("outcome verified",
		zap.String("external_ref", externalRef),
		zap.Time("holdback_until", v.HoldbackUntil),
	)
	t.bus.Publish(ctx, events.NewEvent(events.EventOutcomeVerified, v.CustomerID.String(), map[string]interface{}{
		"outcome_key":  v.OutcomeKey,
		"external_ref": externalRef,
	}))
	return v, nil
}

// MarkReversed transitions an outcome to reversed. Reversed is terminal and
// is allowed from both pending and verified, including after billing; the
// rating engine then owes a compensating credit in the period the reversal
// is observed.
func (t *Tracker) MarkReversed(ctx context.Context, externalRef, reason string) (*Verification, error) {
	v, err := t.store.ByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if v.Status == StatusReversed {
		return nil, fmt.Errorf("%w: outcome already reversed", ErrInvalidTransition)
	}

	v.Status = StatusReversed
	v.ReversalReason = reason

	if err := t.store.Update(ctx, *v); err != nil {
		return nil, fmt.Errorf("failed to update outcome verification: %w", err)
	}

	t.logger.Info("outcome reversed",
		zap.String("external_ref", externalRef),
		zap.String("reason", reason),
		zap.Bool("was_billed", v.BilledPeriodStart != nil),
	)
	t.bus.Publish(ctx, events.NewEvent(events.EventOutcomeReversed, v.CustomerID.String(), map[string]interface{}{
		"outcome_key":  v.OutcomeKey,
		"external_ref": externalRef,
		"reason":       reason,
	}))
	return v, nil
}

// Settled returns verifications for the customer and outcome key that
// occurred within [start, end), are verified, past holdback as of asOf, and
// match the rule's conditions.
func (t *Tracker) Settled(ctx context.Context, customerID uuid.UUID, outcomeKey string, start, end, asOf time.Time, conditions map[string]string) ([]Verification, error) {
	all, err := t.store.InPeriod(ctx, customerID, outcomeKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load verifications: %w", err)
	}

	var out []Verification
	for _, v := range all {
		if v.Settled(asOf) && v.MatchesConditions(conditions) {
			out = append(out, v)
		}
	}
	return out, nil
}

// OutcomesInPeriod returns all verifications for the customer and outcome key
// occurring in [start, end), regardless of status.
func (t *Tracker) OutcomesInPeriod(ctx context.Context, customerID uuid.UUID, outcomeKey string, start, end time.Time) ([]Verification, error) {
	return t.store.InPeriod(ctx, customerID, outcomeKey, start, end)
}

// ReversedBilled returns billed-then-reversed verifications that still owe a
// compensating credit.
func (t *Tracker) ReversedBilled(ctx context.Context, customerID uuid.UUID) ([]Verification, error) {
	return t.store.ReversedBilled(ctx, customerID)
}

// MarkBilled records the period that billed the outcome and the fee it
// charged, so the compensating credit after a reversal negates exactly that
// amount.
func (t *Tracker) MarkBilled(ctx context.Context, id uuid.UUID, periodStart time.Time, amount decimal.Decimal) error {
	return t.updateBookkeeping(ctx, id, func(v *Verification) {
		ps := periodStart.UTC()
		v.BilledPeriodStart = &ps
		v.BilledAmount = amount
	})
}

// MarkCredited records the period that emitted the compensating credit.
func (t *Tracker) MarkCredited(ctx context.Context, id uuid.UUID, periodStart time.Time) error {
	return t.updateBookkeeping(ctx, id, func(v *Verification) {
		ps := periodStart.UTC()
		v.CreditedPeriodStart = &ps
	})
}

// Pending returns outcomes awaiting external confirmation, for oracle polling.
func (t *Tracker) Pending(ctx context.Context, externalSystem string) ([]Verification, error) {
	return t.store.Pending(ctx, externalSystem)
}

// Bookkeeping fields are only ever set once, by the single rater holding the
// period lease.
func (t *Tracker) updateBookkeeping(ctx context.Context, id uuid.UUID, mutate func(*Verification)) error {
	v, err := t.store.ByID(ctx, id)
	if err != nil {
		return err
	}
	mutate(v)
	if err := t.store.Update(ctx, *v); err != nil {
		return fmt.Errorf("failed to update outcome bookkeeping: %w", err)
	}
	return nil
}
