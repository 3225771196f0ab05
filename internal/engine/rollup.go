package engine

import (
	"github.com/shopspring/decimal"
)

// yieldThreshold is the minimum declared yield honored as a divisor: one base
// unit. Anything at or below it falls back to the sum of input quantities.
var yieldThreshold = decimal.NewFromInt(1)

// RollupResult is the outcome of one composite cost computation.
type RollupResult struct {
	UnitCost decimal.Decimal
	// Yield is the divisor that was used. When the declared yield was absent
	// or too small this is the computed sum of input quantities, and the
	// caller persists it back as the new declared yield.
	Yield            decimal.Decimal
	YieldWasDeclared bool
}

// RollupCost computes a composite's cost per base unit from its direct
// components: sum(edge qty * component unit cost) divided by the yield. The
// division is never skipped: a composite's unit cost is always cost per base
// unit, never the lump cost of one batch.
func RollupCost(edges []CompositionEdge, childCost func(int64) decimal.Decimal, declaredYield decimal.Decimal) RollupResult {
	totalCost := decimal.Zero
	totalQty := decimal.Zero
	for _, e := range edges {
		totalCost = totalCost.Add(e.Quantity.Mul(childCost(e.ChildID)))
		totalQty = totalQty.Add(e.Quantity)
	}

	yield := totalQty
	declared := false
	if declaredYield.GreaterThan(yieldThreshold) {
		yield = declaredYield
		declared = true
	}

	unitCost := decimal.Zero
	if yield.IsPositive() {
		unitCost = totalCost.Div(yield)
	}
	return RollupResult{UnitCost: unitCost, Yield: yield, YieldWasDeclared: declared}
}
