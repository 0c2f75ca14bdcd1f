package rating

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/ratecraft/metering-plane/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotQuiescent is returned when derivation touched the period while a
// rating run was computing; the caller retries once derivation settles.
var ErrNotQuiescent = errors.New("period inputs changed during rating run")

// ErrNoPolicy is returned when no policy covers the customer and period.
var ErrNoPolicy = errors.New("no policy for this customer and period")

// PolicyProvider resolves the policy version binding a rating run.
type PolicyProvider interface {
	PolicyFor(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (*Policy, error)
}

// StaticPolicies is a PolicyProvider backed by a fixed per-customer map,
// with an optional default.
type StaticPolicies struct {
	ByCustomer map[uuid.UUID]*Policy
	Default    *Policy
}

// PolicyFor resolves the customer's policy.
func (s StaticPolicies) PolicyFor(_ context.Context, customerID uuid.UUID, _ time.Time) (*Policy, error) {
	if p, ok := s.ByCustomer[customerID]; ok {
		return p, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return nil, ErrNoPolicy
}

// SettlementSource is what the rating run needs from the settlement tracker.
type SettlementSource interface {
	OutcomesInPeriod(ctx context.Context, customerID uuid.UUID, outcomeKey string, start, end time.Time) ([]settlement.Verification, error)
	ReversedBilled(ctx context.Context, customerID uuid.UUID) ([]settlement.Verification, error)
	MarkBilled(ctx context.Context, id uuid.UUID, periodStart time.Time, amount decimal.Decimal) error
	MarkCredited(ctx context.Context, id uuid.UUID, periodStart time.Time) error
}

// AdjustmentSource is what the rating run needs from the adjustment ledger.
type AdjustmentSource interface {
	Unapplied(ctx context.Context, customerID uuid.UUID) ([]adjustments.Adjustment, error)
	MarkApplied(ctx context.Context, id uuid.UUID, periodStart time.Time) error
}

// CostAttacher augments a run with COGS and margin. Satisfied by
// cogs.Attacher.
type CostAttacher interface {
	Attach(ctx context.Context, r *RatedUsage) error
}

// Service runs authoritative rating: snapshot inputs under the period lease,
// rate, persist a new version, then settle bookkeeping. Previews share the
// same computation without any of the side effects.
type Service struct {
	readings deriver.ReadingStore
	outcomes SettlementSource
	ledger   AdjustmentSource
	store    Store
	lease    *Lease
	policies PolicyProvider
	costs    CostAttacher
	logger   *zap.Logger
	bus      *events.Bus

	now func() time.Time
}

// NewService creates a rating service. costs may be nil when margin is not
// wanted, e.g. in previews.
func NewService(readings deriver.ReadingStore, outcomes SettlementSource, ledger AdjustmentSource, store Store, lease *Lease, policies PolicyProvider, costs CostAttacher, logger *zap.Logger, bus *events.Bus) *Service {
	return &Service{
		readings: readings,
		outcomes: outcomes,
		ledger:   ledger,
		store:    store,
		lease:    lease,
		policies: policies,
		costs:    costs,
		logger:   logger,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunRating produces the authoritative RatedUsage for the period. The run
// holds the period lease, binds one policy version and one input version, and
// refuses to persist if derivation moved underneath it.
func (s *Service) RunRating(ctx context.Context, customerID uuid.UUID, period deriver.Window) (*RatedUsage, error) {
	started := s.now()

	token, err := s.lease.Acquire(ctx, customerID, period.Start)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			metrics.RecordRatingRun("rejected", 0)
		}
		return nil, err
	}
	defer func() {
		if err := s.lease.Release(ctx, customerID, period.Start, token); err != nil {
			s.logger.Warn("failed to release rating lease", zap.Error(err))
		}
	}()

	policy, err := s.policies.PolicyFor(ctx, customerID, period.Start)
	if err != nil {
		metrics.RecordRatingRun("no_policy", 0)
		return nil, err
	}

	versionBefore, err := s.readings.InputVersion(ctx, customerID, period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to read input version: %w", err)
	}

	input, err := s.buildInput(ctx, customerID, period, versionBefore, *policy)
	if err != nil {
		return nil, err
	}

	result, err := Rate(*input, *policy)
	if err != nil {
		metrics.RecordRatingRun("invalid_policy", s.now().Sub(started).Seconds())
		return nil, err
	}

	// The snapshot is only authoritative if the period stayed quiescent.
	versionAfter, err := s.readings.InputVersion(ctx, customerID, period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read input version: %w", err)
	}
	if versionAfter != versionBefore {
		metrics.RecordRatingRun("not_quiescent", s.now().Sub(started).Seconds())
		return nil, ErrNotQuiescent
	}

	if s.costs != nil {
		if err := s.costs.Attach(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to attach costs: %w", err)
		}
	}

	if err := s.store.Save(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist rated usage: %w", err)
	}

	for _, id := range result.BilledOutcomeIDs {
		if err := s.outcomes.MarkBilled(ctx, id, period.Start, result.BilledOutcomeFees[id]); err != nil {
			s.logger.Error("failed to mark outcome billed", zap.String("id", id.String()), zap.Error(err))
		}
	}
	for _, id := range result.CreditedOutcomeIDs {
		if err := s.outcomes.MarkCredited(ctx, id, period.Start); err != nil {
			s.logger.Error("failed to mark outcome credited", zap.String("id", id.String()), zap.Error(err))
		}
	}
	for _, id := range result.AppliedAdjustmentIDs {
		if err := s.ledger.MarkApplied(ctx, id, period.Start); err != nil {
			s.logger.Error("failed to mark adjustment applied", zap.String("id", id.String()), zap.Error(err))
		}
	}

	elapsed := s.now().Sub(started).Seconds()
	metrics.RecordRatingRun("success", elapsed)
	metrics.UpdateCustomerFinancials(customerID.String(), result.Subtotal.InexactFloat64(), result.Margin.InexactFloat64())

	s.logger.Info("rating run completed",
		zap.String("customer_id", customerID.String()),
		zap.String("period", period.String()),
		zap.Int64("version", result.Version),
		zap.Int64("input_version", result.InputVersion),
		zap.String("subtotal", result.Subtotal.String()),
		zap.Int("lines", len(result.Lines)),
	)
	s.bus.Publish(ctx, events.NewEvent(events.EventRatingCompleted, customerID.String(), map[string]interface{}{
		"period_start": period.Start,
		"version":      result.Version,
		"subtotal":     result.Subtotal.String(),
	}))
	return result, nil
}

// Preview computes the period identically to a billing run but persists
// nothing: no lease, no version, no settlement or adjustment bookkeeping.
func (s *Service) Preview(ctx context.Context, customerID uuid.UUID, period deriver.Window) (*RatedUsage, error) {
	policy, err := s.policies.PolicyFor(ctx, customerID, period.Start)
	if err != nil {
		return nil, err
	}

	version, err := s.readings.InputVersion(ctx, customerID, period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to read input version: %w", err)
	}

	input, err := s.buildInput(ctx, customerID, period, version, *policy)
	if err != nil {
		return nil, err
	}

	result, err := Rate(*input, *policy)
	if err != nil {
		return nil, err
	}
	if s.costs != nil {
		if err := s.costs.Attach(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to attach costs: %w", err)
		}
	}
	return result, nil
}

// Latest returns the period's most recent run and whether it is stale, i.e.
// derivation has advanced the input version past the one it was rated under.
func (s *Service) Latest(ctx context.Context, customerID uuid.UUID, period deriver.Window) (*RatedUsage, bool, error) {
	r, err := s.store.Latest(ctx, customerID, period.Start)
	if err != nil {
		return nil, false, err
	}

	current, err := s.readings.InputVersion(ctx, customerID, period.Start)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read input version: %w", err)
	}

	stale := current != r.InputVersion
	if stale {
		s.bus.Publish(ctx, events.NewEvent(events.EventRatingStale, customerID.String(), map[string]interface{}{
			"period_start":  period.Start,
			"rated_version": r.InputVersion,
			"input_version": current,
		}))
	}
	return r, stale, nil
}

func (s *Service) buildInput(ctx context.Context, customerID uuid.UUID, period deriver.Window, inputVersion int64, policy Policy) (*Input, error) {
	readings, err := s.readings.ReadingsInPeriod(ctx, customerID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}

	// Rules can share an outcome key; load each key once.
	seenKeys := make(map[string]bool)
	byID := make(map[uuid.UUID]settlement.Verification)
	for _, rule := range policy.SuccessFees {
		if seenKeys[rule.OutcomeKey] {
			continue
		}
		seenKeys[rule.OutcomeKey] = true
		vs, err := s.outcomes.OutcomesInPeriod(ctx, customerID, rule.OutcomeKey, period.Start, period.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load outcomes: %w", err)
		}
		for _, v := range vs {
			byID[v.ID] = v
		}
	}
	outcomes := make([]settlement.Verification, 0, len(byID))
	for _, v := range byID {
		outcomes = append(outcomes, v)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if !outcomes[i].OccurredAt.Equal(outcomes[j].OccurredAt) {
			return outcomes[i].OccurredAt.Before(outcomes[j].OccurredAt)
		}
		return outcomes[i].ExternalRef < outcomes[j].ExternalRef
	})

	reversed, err := s.outcomes.ReversedBilled(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reversed outcomes: %w", err)
	}

	unapplied, err := s.ledger.Unapplied(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load adjustments: %w", err)
	}

	return &Input{
		CustomerID:     customerID,
		PeriodStart:    period.Start.UTC(),
		PeriodEnd:      period.End.UTC(),
		AsOf:           s.now(),
		InputVersion:   inputVersion,
		Readings:       readings,
		Outcomes:       outcomes,
		ReversedBilled: reversed,
		Adjustments:    unapplied,
	}, nil
}
