package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// InventoryReportLine is one ingredient of the valuation snapshot. LowStock
// flags stock at or below the configured minimum.
type InventoryReportLine struct {
	Ingredient
	StockValue decimal.Decimal `json:"stock_value"`
	LowStock   bool            `json:"low_stock"`
}

// InventoryReport is the current valuation of everything held: per-ingredient
// stock value at the running average cost, plus the grand total.
type InventoryReport struct {
	Lines      []InventoryReportLine `json:"ingredients"`
	TotalValue decimal.Decimal       `json:"total_value"`
}

// InventoryValuation builds the read-only valuation snapshot.
func (e *Engine) InventoryValuation(ctx context.Context) (*InventoryReport, error) {
	ings, err := e.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}

	report := &InventoryReport{
		Lines:      make([]InventoryReportLine, 0, len(ings)),
		TotalValue: decimal.Zero,
	}
	for _, ing := range ings {
		value := ing.StockQuantity.Mul(ing.UnitCost)
		report.TotalValue = report.TotalValue.Add(value)
		report.Lines = append(report.Lines, InventoryReportLine{
			Ingredient: ing,
			StockValue: value,
			LowStock:   ing.MinStock.IsPositive() && ing.StockQuantity.LessThanOrEqual(ing.MinStock),
		})
	}
	return report, nil
}
