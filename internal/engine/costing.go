package engine

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// WeightedAverageCost re-bases the moving weighted-average unit cost after an
// entry: (stock*cost + qty*entryCost) / (stock+qty). When the resulting stock
// is not positive the previous cost is kept unchanged.
func WeightedAverageCost(stock, cost, qty, entryCost decimal.Decimal) decimal.Decimal {
	newStock := stock.Add(qty)
	if newStock.LessThanOrEqual(decimal.Zero) {
		return cost
	}
	held := stock.Mul(cost)
	purchased := qty.Mul(entryCost)
	return held.Add(purchased).Div(newStock)
}

// PurchaseUnitCost derives the effective cost of one base unit from purchase
// master data: (price / packageSize) / (1 - waste/100). A waste factor at or
// above 100% has no finite cost and is rejected.
func PurchaseUnitCost(price, packageSize, wastePercent decimal.Decimal) (decimal.Decimal, error) {
	if packageSize.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidPackageSize
	}
	if wastePercent.GreaterThanOrEqual(hundred) || wastePercent.IsNegative() {
		return decimal.Zero, ErrInvalidWastePercent
	}
	usable := decimal.NewFromInt(1).Sub(wastePercent.Div(hundred))
	return price.Div(packageSize).Div(usable), nil
}
