package cogs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Attacher joins rated usage with recorded unit costs to produce margin.
type Attacher struct {
	costs  Store
	facts  facts.Store
	logger *zap.Logger
}

// NewAttacher creates a cost attacher.
func NewAttacher(costs Store, factStore facts.Store, logger *zap.Logger) *Attacher {
	return &Attacher{costs: costs, facts: factStore, logger: logger}
}

// Attach augments the run with COGS and margin. Costs join to the customer
// through the workflow runs seen in the period; run-less cost is reported as
// the unallocated pool, never folded into a customer's margin. Margin is
// computed against the post-adjustment subtotal, since caps and discounts
// reduce realized revenue without reducing cost.
func (a *Attacher) Attach(ctx context.Context, r *rating.RatedUsage) error {
	runIDs, err := a.facts.RunIDsInPeriod(ctx, r.CustomerID, r.PeriodStart, r.PeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to load run ids: %w", err)
	}

	attributed, err := a.costs.ByRunIDs(ctx, runIDs)
	if err != nil {
		return fmt.Errorf("failed to load cost records: %w", err)
	}

	total := decimal.Zero
	byMeter := make(map[string]decimal.Decimal)
	for _, c := range attributed {
		total = total.Add(c.Amount)
		if family := meterFamily(c.CostType); family != "" {
			byMeter[family] = byMeter[family].Add(c.Amount)
		}
	}

	unattributed, err := a.costs.UnattributedInWindow(ctx, r.PeriodStart, r.PeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to load unattributed costs: %w", err)
	}
	unallocated := decimal.Zero
	for _, c := range unattributed {
		unallocated = unallocated.Add(c.Amount)
	}

	r.COGS = total
	r.UnallocatedCOGS = unallocated
	r.MeterCOGS = byMeter
	r.Margin = r.Subtotal.Sub(total)

	metrics.UnallocatedCOGS.Set(unallocated.InexactFloat64())

	a.logger.Info("cogs attached",
		zap.String("customer_id", r.CustomerID.String()),
		zap.String("cogs", total.String()),
		zap.String("margin", r.Margin.String()),
		zap.String("unallocated", unallocated.String()),
		zap.Int("cost_records", len(attributed)),
	)
	return nil
}

// MeterMargin reports the margin for one meter family: revenue from lines
// under the family prefix minus the family's attributed cost.
func MeterMargin(r *rating.RatedUsage, family string) decimal.Decimal {
	revenue := decimal.Zero
	for _, l := range r.Lines {
		if l.CustomerFacing && strings.HasPrefix(l.MeterKey, family) {
			revenue = revenue.Add(l.Amount)
		}
	}
	return revenue.Sub(r.MeterCOGS[family])
}
