package adjustments

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind of manual correction.
type Kind string

const (
	// KindFreeze zeroes out the subject's charge for the period.
	KindFreeze Kind = "freeze"
	// KindCredit subtracts a flat amount.
	KindCredit Kind = "credit"
	// KindDebit adds a flat amount.
	KindDebit Kind = "debit"
	// KindOverride forces the subject's total to the given amount.
	KindOverride Kind = "override"
)

// Adjustment is a manual correction recorded by an operator. History is never
// edited; an adjustment surfaces as an explicit extra line at the next rating
// pass, in creation order when several target the same subject.
type Adjustment struct {
	ID         uuid.UUID
	CustomerID uuid.UUID

	// Subject names what the adjustment targets, usually a meter key.
	Subject string

	Kind   Kind
	Amount decimal.Decimal
	Reason string
	Actor  string

	CreatedAt time.Time

	// AppliedPeriodStart is set once a rating run has consumed the
	// adjustment; it is never applied twice.
	AppliedPeriodStart *time.Time
}

// ErrNotFound is returned when no adjustment matches the id.
var ErrNotFound = errors.New("adjustment not found")

// Validate checks the adjustment is attributable and well-formed.
func (a Adjustment) Validate() error {
	switch a.Kind {
	case KindFreeze, KindCredit, KindDebit, KindOverride:
	default:
		return fmt.Errorf("unknown adjustment kind %q", a.Kind)
	}
	if a.CustomerID == uuid.Nil {
		return fmt.Errorf("adjustment missing customer id")
	}
	if a.Subject == "" {
		return fmt.Errorf("adjustment missing subject")
	}
	if a.Reason == "" {
		return fmt.Errorf("adjustment missing reason")
	}
	if a.Actor == "" {
		return fmt.Errorf("adjustment missing actor")
	}
	if a.Kind != KindFreeze && a.Amount.IsNegative() {
		return fmt.Errorf("adjustment amount must be non-negative, kind %s carries the sign", a.Kind)
	}
	return nil
}
