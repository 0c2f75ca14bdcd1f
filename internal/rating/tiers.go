package rating

import "github.com/shopspring/decimal"

// tierCharge prices a quantity against a graduated curve: each tier bills the
// units falling between the previous bound and its own, at its unit price,
// plus its flat fee once any unit lands in it. Quantity above the last finite
// bound uses the final open-ended tier. An empty curve prices everything at
// zero.
func tierCharge(quantity decimal.Decimal, tiers []PriceTier) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}

	total := decimal.Zero
	lower := decimal.Zero
	remaining := quantity
	for _, tier := range tiers {
		var inTier decimal.Decimal
		if tier.UpTo == nil {
			inTier = remaining
		} else {
			width := tier.UpTo.Sub(lower)
			inTier = decimal.Min(remaining, width)
			lower = *tier.UpTo
		}
		if !inTier.IsPositive() {
			continue
		}
		total = total.Add(inTier.Mul(tier.UnitPrice)).Add(tier.FlatFee)
		remaining = remaining.Sub(inTier)
		if !remaining.IsPositive() {
			break
		}
	}
	return total
}

// unitPriceFor reports the effective unit price billed for the last unit of
// the quantity, for line display. Zero when the curve is empty.
func unitPriceFor(quantity decimal.Decimal, tiers []PriceTier) decimal.Decimal {
	if len(tiers) == 0 {
		return decimal.Zero
	}
	for _, tier := range tiers {
		if tier.UpTo == nil || quantity.LessThanOrEqual(*tier.UpTo) {
			return tier.UnitPrice
		}
	}
	return tiers[len(tiers)-1].UnitPrice
}
