package rating

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precedence decides who absorbs edge usage bundled with work.
type Precedence string

const (
	// PrecedenceWorkOverEdges bundles edge usage into per-work envelopes;
	// only the spill beyond included plus envelope is billed.
	PrecedenceWorkOverEdges Precedence = "work_over_edges"

	// PrecedenceEdgesOverWork rates edges independently and ignores work
	// envelopes entirely.
	PrecedenceEdgesOverWork Precedence = "edges_over_work"
)

// MeterKind separates completed units of work from raw consumption.
type MeterKind string

const (
	MeterWork MeterKind = "work"
	MeterEdge MeterKind = "edge"
)

// PriceTier is one step of a graduated price curve. UpTo is the cumulative
// upper bound of the tier; nil marks the final open-ended tier. FlatFee is
// charged once when any quantity lands in the tier.
type PriceTier struct {
	UpTo      *decimal.Decimal `json:"up_to,omitempty"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	FlatFee   decimal.Decimal  `json:"flat_fee"`
}

// MeterPricing governs one meter: its kind, the included allowance, and the
// graduated overage curve.
type MeterPricing struct {
	Kind     MeterKind       `json:"kind"`
	Included decimal.Decimal `json:"included"`
	Tiers    []PriceTier     `json:"tiers"`
}

// EnvelopeRule bundles edge usage free with work: each consumed unit of
// WorkMeter grants CapPerWorkUnit units of EdgeMeter before spill is billed.
type EnvelopeRule struct {
	WorkMeter      string          `json:"work_meter"`
	EdgeMeter      string          `json:"edge_meter"`
	CapPerWorkUnit decimal.Decimal `json:"cap_per_work_unit"`
}

// ExclusionRule drops edge meters from rating entirely while the named work
// meter has any usage, for plans where work pricing subsumes those edges.
type ExclusionRule struct {
	WhenWorkMeter  string   `json:"when_work_meter"`
	DropEdgeMeters []string `json:"drop_edge_meters"`
}

// SuccessFeeRule bills settled outcomes. Conditions must all match the
// outcome's attributes; SettlementDays is the holdback after verification.
// Without RequiresExternalVerification the outcome verifies on arrival.
type SuccessFeeRule struct {
	OutcomeKey                   string            `json:"outcome_key"`
	FeePerOutcome                decimal.Decimal   `json:"fee_per_outcome"`
	Conditions                   map[string]string `json:"conditions,omitempty"`
	SettlementDays               int               `json:"settlement_days"`
	RequiresExternalVerification bool              `json:"requires_external_verification"`
}

// RevenueShareRule computes a partner split over a named basis, as either a
// percentage or a flat amount. Share lines are not customer facing.
type RevenueShareRule struct {
	Partner string `json:"partner"`

	// Basis is "success_fees" or "subtotal".
	Basis string `json:"basis"`

	Percent    *decimal.Decimal `json:"percent,omitempty"`
	FlatAmount *decimal.Decimal `json:"flat_amount,omitempty"`
}

// FlatCredit is a recurring flat credit applied after discounts.
type FlatCredit struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Policy is the versioned, declarative pricing configuration for a customer.
// A rating run binds to exactly one policy version; historical runs never see
// later edits.
type Policy struct {
	ID      string `json:"id"`
	Version int    `json:"version"`

	Precedence Precedence              `json:"precedence"`
	BaseFee    decimal.Decimal         `json:"base_fee"`
	Meters     map[string]MeterPricing `json:"meters"`
	Envelopes  []EnvelopeRule          `json:"envelopes,omitempty"`
	Exclusions []ExclusionRule         `json:"exclusions,omitempty"`

	SuccessFees   []SuccessFeeRule   `json:"success_fees,omitempty"`
	RevenueShares []RevenueShareRule `json:"revenue_shares,omitempty"`

	// SpendCap truncates the subtotal; nil means uncapped. Discounts and
	// credits apply after capping, in that order.
	SpendCap        *decimal.Decimal `json:"spend_cap,omitempty"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	FlatCredits     []FlatCredit     `json:"flat_credits,omitempty"`
}

// Validate fails fast on a policy that references unknown meters or carries a
// malformed price curve, so a misconfigured customer is never silently
// zero-priced.
func (p Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy missing id")
	}
	switch p.Precedence {
	case PrecedenceWorkOverEdges, PrecedenceEdgesOverWork:
	default:
		return fmt.Errorf("policy %s: unknown precedence %q", p.ID, p.Precedence)
	}

	for key, mp := range p.Meters {
		if mp.Kind != MeterWork && mp.Kind != MeterEdge {
			return fmt.Errorf("policy %s: meter %s has unknown kind %q", p.ID, key, mp.Kind)
		}
		if mp.Included.IsNegative() {
			return fmt.Errorf("policy %s: meter %s has negative included allowance", p.ID, key)
		}
		var prev *decimal.Decimal
		for i, tier := range mp.Tiers {
			if tier.UpTo == nil {
				if i != len(mp.Tiers)-1 {
					return fmt.Errorf("policy %s: meter %s has open-ended tier before the last", p.ID, key)
				}
				continue
			}
			if prev != nil && !tier.UpTo.GreaterThan(*prev) {
				return fmt.Errorf("policy %s: meter %s tiers are not strictly increasing", p.ID, key)
			}
			prev = tier.UpTo
		}
	}

	for _, e := range p.Envelopes {
		if err := p.requireMeter(e.WorkMeter, MeterWork); err != nil {
			return fmt.Errorf("envelope rule: %w", err)
		}
		if err := p.requireMeter(e.EdgeMeter, MeterEdge); err != nil {
			return fmt.Errorf("envelope rule: %w", err)
		}
		if e.CapPerWorkUnit.IsNegative() {
			return fmt.Errorf("policy %s: envelope on %s has negative cap", p.ID, e.EdgeMeter)
		}
	}

	for _, x := range p.Exclusions {
		if err := p.requireMeter(x.WhenWorkMeter, MeterWork); err != nil {
			return fmt.Errorf("exclusion rule: %w", err)
		}
		for _, key := range x.DropEdgeMeters {
			if err := p.requireMeter(key, MeterEdge); err != nil {
				return fmt.Errorf("exclusion rule: %w", err)
			}
		}
	}

	for _, r := range p.RevenueShares {
		if r.Basis != "success_fees" && r.Basis != "subtotal" {
			return fmt.Errorf("policy %s: revenue share for %s has unknown basis %q", p.ID, r.Partner, r.Basis)
		}
		if (r.Percent == nil) == (r.FlatAmount == nil) {
			return fmt.Errorf("policy %s: revenue share for %s must set exactly one of percent or flat amount", p.ID, r.Partner)
		}
	}

	if p.DiscountPercent.IsNegative() || p.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("policy %s: discount percent out of range", p.ID)
	}
	return nil
}

func (p Policy) requireMeter(key string, kind MeterKind) error {
	mp, ok := p.Meters[key]
	if !ok {
		return fmt.Errorf("policy %s references unknown meter %s", p.ID, key)
	}
	if mp.Kind != kind {
		return fmt.Errorf("policy %s: meter %s is %s, expected %s", p.ID, key, mp.Kind, kind)
	}
	return nil
}
