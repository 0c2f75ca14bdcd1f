package rating

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineKind classifies a rated line item.
type LineKind string

const (
	LineBaseFee        LineKind = "base_fee"
	LineIncluded       LineKind = "included"
	LineOverage        LineKind = "overage"
	LineSuccessFee     LineKind = "success_fee"
	LineReversalCredit LineKind = "reversal_credit"
	LineAdjustment     LineKind = "adjustment"
	LineCap            LineKind = "cap"
	LineDiscount       LineKind = "discount"
	LineCredit         LineKind = "credit"
	LineRevenueShare   LineKind = "revenue_share"
)

// Line is one priced line item. Negative amounts are explicit credit lines;
// nothing is ever discounted by editing another line.
type Line struct {
	MeterKey    string          `json:"meter_key,omitempty"`
	Description string          `json:"description"`
	Kind        LineKind        `json:"kind"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`

	// CustomerFacing lines sum to the subtotal; partner revenue-share
	// lines are excluded.
	CustomerFacing bool `json:"customer_facing"`

	// Ref ties the line back to its source, e.g. the external ref of a
	// reversed outcome or an adjustment id.
	Ref string `json:"ref,omitempty"`
}

// RatedUsage is the priced output for one customer and one billing period.
// Re-rating supersedes, never mutates: each run gets a higher Version, and a
// run bound to an outdated InputVersion is stale.
type RatedUsage struct {
	ID         uuid.UUID
	CustomerID uuid.UUID

	PeriodStart time.Time
	PeriodEnd   time.Time

	PolicyID      string
	PolicyVersion int
	InputVersion  int64
	Version       int64

	Lines    []Line
	Subtotal decimal.Decimal

	COGS            decimal.Decimal
	UnallocatedCOGS decimal.Decimal
	Margin          decimal.Decimal

	// MeterCOGS breaks the attributed cost down by meter family for
	// per-meter margin analysis.
	MeterCOGS map[string]decimal.Decimal

	// Bookkeeping consumed by the settlement tracker and adjustment
	// ledger after the run persists.
	BilledOutcomeIDs     []uuid.UUID
	CreditedOutcomeIDs   []uuid.UUID
	AppliedAdjustmentIDs []uuid.UUID

	// BilledOutcomeFees holds the fee charged per billed outcome. The
	// tracker stores it on the verification; a later reversal credit
	// negates the stored amount, not the fee of whatever policy is current
	// then.
	BilledOutcomeFees map[uuid.UUID]decimal.Decimal

	ComputedAt time.Time

	// Synced tracks the push to the external billing backend; InvoiceRef
	// is annotated by the invoice-finalized webhook.
	Synced     bool
	SyncedAt   *time.Time
	InvoiceRef string
}

// RecomputeSubtotal sums the customer-facing line amounts.
func (r *RatedUsage) RecomputeSubtotal() {
	subtotal := decimal.Zero
	for _, l := range r.Lines {
		if l.CustomerFacing {
			subtotal = subtotal.Add(l.Amount)
		}
	}
	r.Subtotal = subtotal
}
