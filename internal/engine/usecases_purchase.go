package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EntryRequest is one purchase intake. Quantity is expressed in Unit (empty
// means base units already). The observed cost is resolved in this order:
// an explicit per-base-unit cost, the invoice total divided by the quantity,
// or the ingredient's purchase master data (price / package, waste-adjusted).
type EntryRequest struct {
	IngredientID int64            `json:"ingredient_id"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Unit         string           `json:"unit,omitempty"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty"`
	TotalPrice   *decimal.Decimal `json:"total_price,omitempty"`
	Actor        string           `json:"actor"`
	Note         string           `json:"note"`
}

// AdjustmentRequest removes stock outside a sale: shrinkage, breakage, a
// physical count correction. Force permits writing off more than is held,
// clamping the movement to the available stock; it is never the default and
// it requires an actor and a note for the audit trail.
type AdjustmentRequest struct {
	IngredientID int64           `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit,omitempty"`
	Force        bool            `json:"force,omitempty"`
	Actor        string          `json:"actor"`
	Note         string          `json:"note"`
}

// RecordEntry applies one purchase: the leaf's stock and weighted-average
// cost move, then every composite that depends on it is recomputed in
// topological order, all inside one transaction.
func (e *Engine) RecordEntry(ctx context.Context, req EntryRequest) (*StockMovement, *Ingredient, error) {
	ctx, span := e.tracer.Start(ctx, "engine.record_entry")
	defer span.End()

	qtyBase, err := e.toBase(req.Quantity, req.Unit)
	if err != nil {
		return nil, nil, err
	}
	if !qtyBase.IsPositive() {
		return nil, nil, fmt.Errorf("entry quantity must be positive, got %s", qtyBase)
	}

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	locked, g, err := e.lockCascadeScope(ctx, tx, []int64{req.IngredientID})
	if err != nil {
		return nil, nil, err
	}
	ing := locked[req.IngredientID]

	unitCost, err := resolveEntryCost(req, qtyBase, ing)
	if err != nil {
		return nil, nil, err
	}

	movement, err := e.applyMovement(ctx, tx, ing, MovementEntry, qtyBase, &unitCost, req.Actor, req.Note, false)
	if err != nil {
		return nil, nil, err
	}

	if err := e.cascadeFrom(ctx, tx, g, locked, req.IngredientID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit entry: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"ingredient_id": ing.ID,
		"quantity":      qtyBase,
		"unit_cost":     unitCost,
		"new_stock":     ing.StockQuantity,
		"new_avg_cost":  ing.UnitCost,
	}).Info("entry recorded")
	return movement, ing, nil
}

func resolveEntryCost(req EntryRequest, qtyBase decimal.Decimal, ing *Ingredient) (decimal.Decimal, error) {
	switch {
	case req.UnitCost != nil:
		if req.UnitCost.IsNegative() {
			return decimal.Zero, fmt.Errorf("entry unit cost cannot be negative")
		}
		return *req.UnitCost, nil
	case req.TotalPrice != nil:
		if req.TotalPrice.IsNegative() {
			return decimal.Zero, fmt.Errorf("entry total price cannot be negative")
		}
		return req.TotalPrice.Div(qtyBase), nil
	case ing.IsComposite:
		// Composite stock normally arrives via production; a direct entry is
		// valued at the current rolled-up cost.
		return ing.UnitCost, nil
	default:
		return PurchaseUnitCost(ing.PurchasePrice, ing.PackageSize, ing.WastePercent)
	}
}

// RecordAdjustment removes stock without touching the unit cost. The
// non-negative invariant holds here exactly as for exits.
func (e *Engine) RecordAdjustment(ctx context.Context, req AdjustmentRequest) (*StockMovement, *Ingredient, error) {
	ctx, span := e.tracer.Start(ctx, "engine.record_adjustment")
	defer span.End()

	if req.Force && (req.Actor == "" || req.Note == "") {
		return nil, nil, fmt.Errorf("forced adjustment requires an actor and a note")
	}

	qtyBase, err := e.toBase(req.Quantity, req.Unit)
	if err != nil {
		return nil, nil, err
	}

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := e.lockIngredients(ctx, tx, []int64{req.IngredientID})
	if err != nil {
		return nil, nil, err
	}
	ing := locked[req.IngredientID]

	movement, err := e.applyMovement(ctx, tx, ing, MovementAdjustment, qtyBase, nil, req.Actor, req.Note, req.Force)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit adjustment: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"ingredient_id": ing.ID,
		"quantity":      movement.Quantity,
		"forced":        req.Force,
		"new_stock":     ing.StockQuantity,
	}).Info("adjustment recorded")
	return movement, ing, nil
}
