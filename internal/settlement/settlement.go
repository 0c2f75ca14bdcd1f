package settlement

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of an outcome verification.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusReversed Status = "reversed"
)

// Verification tracks whether a conditional outcome is confirmed. Only
// verified outcomes past their holdback are eligible for success-fee billing;
// reversed is terminal and forces a compensating credit if the outcome was
// already billed.
type Verification struct {
	ID             uuid.UUID
	CustomerID     uuid.UUID
	RunID          string
	OutcomeKey     string
	ExternalSystem string
	ExternalRef    string
	Status         Status
	OccurredAt     time.Time
	VerifiedAt     *time.Time
	HoldbackUntil  time.Time
	SettlementDays int
	ReversalReason string
	Attributes     map[string]string

	// BilledPeriodStart is set when a rating run bills this outcome, and
	// CreditedPeriodStart when a later run emits the compensating credit
	// after a reversal. Each transition happens at most once.
	BilledPeriodStart   *time.Time
	CreditedPeriodStart *time.Time

	// BilledAmount is the fee the billing run charged. The compensating
	// credit negates this amount, not whatever the policy says at credit
	// time.
	BilledAmount decimal.Decimal
}

// Settled reports whether the verification can be counted as a billable
// outcome as of the given instant.
func (v Verification) Settled(asOf time.Time) bool {
	return v.Status == StatusVerified && !v.HoldbackUntil.After(asOf)
}

// MatchesConditions reports whether the verification's attributes satisfy
// every condition of a success-fee rule.
func (v Verification) MatchesConditions(conditions map[string]string) bool {
	for key, want := range conditions {
		if v.Attributes[key] != want {
			return false
		}
	}
	return true
}

// ErrInvalidTransition is returned for a transition the state machine
// forbids, e.g. verifying a reversed outcome.
var ErrInvalidTransition = errors.New("invalid settlement transition")

// ErrNotFound is returned when no verification matches the reference.
var ErrNotFound = errors.New("outcome verification not found")
