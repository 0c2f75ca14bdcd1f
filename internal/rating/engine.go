package rating

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/adjustments"
	"github.com/ratecraft/metering-plane/internal/deriver"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/shopspring/decimal"
)

// Input is everything a rating run depends on. Rate is a pure function of
// this snapshot plus the policy: same input, same output.
type Input struct {
	CustomerID  uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time

	// AsOf gates settlement holdbacks and stamps the result.
	AsOf time.Time

	// InputVersion is the period's derivation version at snapshot time.
	InputVersion int64

	Readings []deriver.MeterReading

	// Outcomes are all verifications that occurred in the period.
	Outcomes []settlement.Verification

	// ReversedBilled are outcomes billed in an earlier period and since
	// reversed, still owed a compensating credit.
	ReversedBilled []settlement.Verification

	// Adjustments are unapplied operator corrections, in creation order.
	Adjustments []adjustments.Adjustment
}

var hundred = decimal.NewFromInt(100)

// Rate prices one customer period. Steps run in fixed order: base fee,
// exclusions, work settlement, envelope allocation, edge spill, success fees,
// reversal credits, adjustments, cap, discount, flat credits, revenue share.
func Rate(in Input, policy Policy) (*RatedUsage, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	totals := make(map[string]decimal.Decimal)
	for _, r := range in.Readings {
		totals[r.MeterKey] = totals[r.MeterKey].Add(r.Value)
	}

	out := &RatedUsage{
		ID:            uuid.New(),
		CustomerID:    in.CustomerID,
		PeriodStart:   in.PeriodStart.UTC(),
		PeriodEnd:     in.PeriodEnd.UTC(),
		PolicyID:      policy.ID,
		PolicyVersion: policy.Version,
		InputVersion:  in.InputVersion,
		ComputedAt:    in.AsOf.UTC(),

		BilledOutcomeFees: make(map[uuid.UUID]decimal.Decimal),
	}

	if policy.BaseFee.IsPositive() {
		out.Lines = append(out.Lines, Line{
			Description:    "base fee",
			Kind:           LineBaseFee,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      policy.BaseFee,
			Amount:         policy.BaseFee,
			CustomerFacing: true,
		})
	}

	excluded := make(map[string]bool)
	for _, x := range policy.Exclusions {
		if totals[x.WhenWorkMeter].IsPositive() {
			for _, key := range x.DropEdgeMeters {
				excluded[key] = true
			}
		}
	}

	meterKeys := make([]string, 0, len(policy.Meters))
	for key := range policy.Meters {
		meterKeys = append(meterKeys, key)
	}
	sort.Strings(meterKeys)

	// Work settlement. A meter with no readings is zero usage, not absent.
	for _, key := range meterKeys {
		mp := policy.Meters[key]
		if mp.Kind != MeterWork {
			continue
		}
		appendUsageLines(out, key, totals[key], mp.Included, decimal.Zero, mp.Tiers)
	}

	// Envelope allocation from consumed work units. With edges_over_work
	// precedence envelopes are ignored and edges rate independently.
	envelopes := make(map[string]decimal.Decimal)
	if policy.Precedence == PrecedenceWorkOverEdges {
		for _, e := range policy.Envelopes {
			grant := e.CapPerWorkUnit.Mul(totals[e.WorkMeter])
			envelopes[e.EdgeMeter] = envelopes[e.EdgeMeter].Add(grant)
		}
	}

	// Edge spill.
	for _, key := range meterKeys {
		mp := policy.Meters[key]
		if mp.Kind != MeterEdge || excluded[key] {
			continue
		}
		appendUsageLines(out, key, totals[key], mp.Included, envelopes[key], mp.Tiers)
	}

	rateSuccessFees(out, in, policy)
	rateReversalCredits(out, in)
	applyAdjustments(out, in)
	applyCapDiscountCredits(out, policy)
	rateRevenueShares(out, policy)

	out.RecomputeSubtotal()
	out.Margin = out.Subtotal.Sub(out.COGS)
	return out, nil
}

// appendUsageLines emits the included line (zero amount, for auditability)
// and the overage line for one meter. Included allowance and envelope are
// consumed before any unit spills; every unit lands in exactly one bucket.
func appendUsageLines(out *RatedUsage, key string, total, included, envelope decimal.Decimal, tiers []PriceTier) {
	free := included.Add(envelope)
	covered := decimal.Min(total, free)
	spill := total.Sub(covered)

	if covered.IsPositive() {
		out.Lines = append(out.Lines, Line{
			MeterKey:       key,
			Description:    fmt.Sprintf("%s (included)", key),
			Kind:           LineIncluded,
			Quantity:       covered,
			UnitPrice:      decimal.Zero,
			Amount:         decimal.Zero,
			CustomerFacing: true,
		})
	}
	if spill.IsPositive() {
		out.Lines = append(out.Lines, Line{
			MeterKey:       key,
			Description:    fmt.Sprintf("%s (overage)", key),
			Kind:           LineOverage,
			Quantity:       spill,
			UnitPrice:      unitPriceFor(spill, tiers),
			Amount:         tierCharge(spill, tiers),
			CustomerFacing: true,
		})
	}
}

// rateSuccessFees bills settled outcomes per rule. An outcome reversed after
// being billed by an earlier version of this same period stays billed here;
// the compensating credit lands in a later period exactly once.
func rateSuccessFees(out *RatedUsage, in Input, policy Policy) {
	for _, rule := range policy.SuccessFees {
		count := decimal.Zero
		for _, v := range in.Outcomes {
			if v.OutcomeKey != rule.OutcomeKey || !v.MatchesConditions(rule.Conditions) {
				continue
			}
			if v.OccurredAt.Before(in.PeriodStart) || !v.OccurredAt.Before(in.PeriodEnd) {
				continue
			}
			billedHere := v.BilledPeriodStart != nil && v.BilledPeriodStart.Equal(in.PeriodStart)
			billedElsewhere := v.BilledPeriodStart != nil && !billedHere
			if billedElsewhere {
				continue
			}
			if !v.Settled(in.AsOf) && !(v.Status == settlement.StatusReversed && billedHere) {
				continue
			}
			count = count.Add(decimal.NewFromInt(1))
			out.BilledOutcomeIDs = append(out.BilledOutcomeIDs, v.ID)
			out.BilledOutcomeFees[v.ID] = rule.FeePerOutcome
		}
		if count.IsPositive() {
			out.Lines = append(out.Lines, Line{
				MeterKey:       rule.OutcomeKey,
				Description:    fmt.Sprintf("%s success fee", rule.OutcomeKey),
				Kind:           LineSuccessFee,
				Quantity:       count,
				UnitPrice:      rule.FeePerOutcome,
				Amount:         count.Mul(rule.FeePerOutcome),
				CustomerFacing: true,
			})
		}
	}
}

// rateReversalCredits emits one compensating credit per billed-then-reversed
// outcome, exactly negating the amount the billing run charged. The current
// policy is not consulted: a fee change or rule removal since the billing
// period must not alter the credit or strand the outcome uncredited. The
// original period is never rewritten.
func rateReversalCredits(out *RatedUsage, in Input) {
	for _, v := range in.ReversedBilled {
		if v.BilledPeriodStart != nil && v.BilledPeriodStart.Equal(in.PeriodStart) {
			continue
		}
		out.Lines = append(out.Lines, Line{
			MeterKey:       v.OutcomeKey,
			Description:    fmt.Sprintf("%s reversal credit", v.OutcomeKey),
			Kind:           LineReversalCredit,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      v.BilledAmount.Neg(),
			Amount:         v.BilledAmount.Neg(),
			CustomerFacing: true,
			Ref:            v.ExternalRef,
		})
		out.CreditedOutcomeIDs = append(out.CreditedOutcomeIDs, v.ID)
	}
}

// applyAdjustments layers operator corrections on top, in creation order.
// Two adjustments on the same subject both apply; nothing is overwritten.
func applyAdjustments(out *RatedUsage, in Input) {
	meterAmounts := make(map[string]decimal.Decimal)
	for _, l := range out.Lines {
		if l.CustomerFacing && l.MeterKey != "" {
			meterAmounts[l.MeterKey] = meterAmounts[l.MeterKey].Add(l.Amount)
		}
	}

	for _, a := range in.Adjustments {
		var amount decimal.Decimal
		switch a.Kind {
		case adjustments.KindCredit:
			amount = a.Amount.Neg()
		case adjustments.KindDebit:
			amount = a.Amount
		case adjustments.KindFreeze:
			amount = meterAmounts[a.Subject].Neg()
		case adjustments.KindOverride:
			amount = a.Amount.Sub(meterAmounts[a.Subject])
		default:
			continue
		}
		meterAmounts[a.Subject] = meterAmounts[a.Subject].Add(amount)

		out.Lines = append(out.Lines, Line{
			MeterKey:       a.Subject,
			Description:    fmt.Sprintf("adjustment (%s): %s", a.Kind, a.Reason),
			Kind:           LineAdjustment,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      amount,
			Amount:         amount,
			CustomerFacing: true,
			Ref:            a.ID.String(),
		})
		out.AppliedAdjustmentIDs = append(out.AppliedAdjustmentIDs, a.ID)
	}
}

// applyCapDiscountCredits truncates at the spend cap, then discounts, then
// applies flat credits, in that fixed order, each as an explicit negative
// line. Credits never push the subtotal below zero.
func applyCapDiscountCredits(out *RatedUsage, policy Policy) {
	subtotal := decimal.Zero
	for _, l := range out.Lines {
		if l.CustomerFacing {
			subtotal = subtotal.Add(l.Amount)
		}
	}

	if policy.SpendCap != nil && subtotal.GreaterThan(*policy.SpendCap) {
		truncation := policy.SpendCap.Sub(subtotal)
		out.Lines = append(out.Lines, Line{
			Description:    "monthly spend cap",
			Kind:           LineCap,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      truncation,
			Amount:         truncation,
			CustomerFacing: true,
		})
		subtotal = *policy.SpendCap
	}

	if policy.DiscountPercent.IsPositive() && subtotal.IsPositive() {
		discount := subtotal.Mul(policy.DiscountPercent).Div(hundred).Neg()
		out.Lines = append(out.Lines, Line{
			Description:    fmt.Sprintf("%s%% discount", policy.DiscountPercent.String()),
			Kind:           LineDiscount,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      discount,
			Amount:         discount,
			CustomerFacing: true,
		})
		subtotal = subtotal.Add(discount)
	}

	for _, credit := range policy.FlatCredits {
		effective := decimal.Min(credit.Amount, subtotal)
		if !effective.IsPositive() {
			continue
		}
		out.Lines = append(out.Lines, Line{
			Description:    credit.Description,
			Kind:           LineCredit,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      effective.Neg(),
			Amount:         effective.Neg(),
			CustomerFacing: true,
		})
		subtotal = subtotal.Sub(effective)
	}
}

// rateRevenueShares computes partner splits over the chosen basis as
// non-customer-facing lines.
func rateRevenueShares(out *RatedUsage, policy Policy) {
	successFees := decimal.Zero
	subtotal := decimal.Zero
	for _, l := range out.Lines {
		if l.Kind == LineSuccessFee || l.Kind == LineReversalCredit {
			successFees = successFees.Add(l.Amount)
		}
		if l.CustomerFacing {
			subtotal = subtotal.Add(l.Amount)
		}
	}

	for _, r := range policy.RevenueShares {
		basis := successFees
		if r.Basis == "subtotal" {
			basis = subtotal
		}

		var amount decimal.Decimal
		switch {
		case r.Percent != nil:
			amount = basis.Mul(*r.Percent).Div(hundred)
		case r.FlatAmount != nil:
			amount = *r.FlatAmount
		}
		if amount.IsZero() {
			continue
		}
		out.Lines = append(out.Lines, Line{
			Description:    fmt.Sprintf("revenue share: %s (%s)", r.Partner, r.Basis),
			Kind:           LineRevenueShare,
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      amount,
			Amount:         amount,
			CustomerFacing: false,
			Ref:            r.Partner,
		})
	}
}
