package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Fulfill applies a multi-line stock withdrawal as one all-or-nothing unit.
// Phase one locks every touched row in ascending id order and validates every
// line, collecting all shortfalls. Phase two runs only when phase one passed
// for every line, and cannot fail on stock: the locks held since validation
// guarantee nothing moved in between.
func (e *Engine) Fulfill(ctx context.Context, req FulfillmentRequest) (*FulfillmentResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.fulfill")
	defer span.End()
	span.SetAttributes(
		attribute.String("reason", req.Reason),
		attribute.Int("lines", len(req.Requirements)),
	)

	switch req.Reason {
	case ReasonSale, ReasonProduction, ReasonInternalConsumption:
	default:
		return nil, fmt.Errorf("unknown fulfillment reason %q", req.Reason)
	}

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	requirements := req.Requirements
	var g *Graph
	if req.Reason == ReasonProduction {
		if !req.Batches.IsPositive() {
			return nil, fmt.Errorf("production batches must be positive, got %s", req.Batches)
		}
		edges, err := e.repo.ListEdgesTx(ctx, tx)
		if err != nil {
			return nil, err
		}
		g = NewGraph(edges)
		if !g.HasChildren(req.ProducedID) {
			return nil, fmt.Errorf("%w: ingredient %d has no recipe", ErrNotComposite, req.ProducedID)
		}
		requirements = append(append([]Requirement(nil), requirements...), ProductionInputs(g, req.ProducedID, req.Batches)...)
	}
	if len(requirements) == 0 {
		return nil, fmt.Errorf("fulfillment has no requirement lines")
	}

	lockIDs := make([]int64, 0, len(requirements)+1)
	for _, r := range requirements {
		lockIDs = append(lockIDs, r.IngredientID)
	}
	if req.Reason == ReasonProduction {
		lockIDs = append(lockIDs, req.ProducedID)
	}
	locked, err := e.lockIngredients(ctx, tx, lockIDs)
	if err != nil {
		return nil, err
	}

	// Validate every line before touching anything, so the caller gets the
	// complete picture, not just the first missing ingredient.
	merged := mergeRequirements(requirements)
	var shortfalls []Shortfall
	for _, r := range merged {
		ing := locked[r.IngredientID]
		if ing.StockQuantity.LessThan(r.Quantity) {
			shortfalls = append(shortfalls, Shortfall{
				IngredientID: ing.ID,
				Name:         ing.Name,
				Have:         ing.StockQuantity,
				Need:         r.Quantity,
			})
		}
	}
	if len(shortfalls) > 0 {
		e.fulfillmentsRejected.Add(ctx, 1)
		e.log.WithFields(logrus.Fields{
			"reason":     req.Reason,
			"shortfalls": len(shortfalls),
		}).Info("fulfillment rejected, insufficient stock")
		return nil, &InsufficientStockError{Shortfalls: shortfalls}
	}

	result := &FulfillmentResult{}
	for _, r := range merged {
		m, err := e.applyMovement(ctx, tx, locked[r.IngredientID], MovementExit, r.Quantity, nil, req.Actor, req.Note, false)
		if err != nil {
			return nil, err
		}
		result.Movements = append(result.Movements, *m)
	}

	if req.Reason == ReasonProduction {
		produced := locked[req.ProducedID]
		yield := produced.DeclaredYield
		if !yield.GreaterThan(yieldThreshold) {
			yield = decimal.Zero
			for _, edge := range g.Children(req.ProducedID) {
				yield = yield.Add(edge.Quantity)
			}
		}
		producedQty := req.Batches.Mul(yield)
		if !producedQty.IsPositive() {
			return nil, fmt.Errorf("production of ingredient %d yields nothing", req.ProducedID)
		}
		// Valued at the current rolled-up recipe cost, not re-derived from
		// this particular run's inputs.
		cost := produced.UnitCost
		m, err := e.applyMovement(ctx, tx, produced, MovementEntry, producedQty, &cost, req.Actor, req.Note, false)
		if err != nil {
			return nil, err
		}
		result.Movements = append(result.Movements, *m)
		result.ProducedQuantity = producedQty
		result.ProducedUnitCost = produced.UnitCost
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit fulfillment: %w", err)
	}

	e.fulfillmentsCommitted.Add(ctx, 1)
	e.log.WithFields(logrus.Fields{
		"reason":    req.Reason,
		"movements": len(result.Movements),
	}).Info("fulfillment committed")
	return result, nil
}

// mergeRequirements sums duplicate ingredient lines so validation and apply
// see one figure per ingredient.
func mergeRequirements(reqs []Requirement) []Requirement {
	byID := make(map[int64]decimal.Decimal, len(reqs))
	order := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := byID[r.IngredientID]; !ok {
			order = append(order, r.IngredientID)
		}
		byID[r.IngredientID] = byID[r.IngredientID].Add(r.Quantity)
	}
	out := make([]Requirement, 0, len(order))
	for _, id := range order {
		out = append(out, Requirement{IngredientID: id, Quantity: byID[id]})
	}
	return out
}

// ExpandSaleLines turns POS sale lines into merged ingredient requirements
// using the current composition graph. This is a plain read: the stock checks
// happen later, under locks, inside Fulfill.
func (e *Engine) ExpandSaleLines(ctx context.Context, lines []SaleLine) ([]Requirement, error) {
	edges, err := e.repo.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := NewGraph(edges)

	idSet := make(map[int64]bool)
	for _, l := range lines {
		idSet[l.IngredientID] = true
		for _, extra := range l.Extras {
			idSet[extra] = true
		}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	ingredients, err := e.repo.GetIngredients(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := ingredients[id]; !ok {
			return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, id)
		}
	}
	return ExpandSale(g, ingredients, lines)
}

// VoidSale compensates a previously fulfilled sale: one entry per line,
// valued at the ingredient's current average cost, in one transaction. The
// original exit rows remain untouched; the ledger keeps both sides.
func (e *Engine) VoidSale(ctx context.Context, lines []Requirement, actor, note string) ([]StockMovement, error) {
	ctx, span := e.tracer.Start(ctx, "engine.void_sale")
	defer span.End()

	if len(lines) == 0 {
		return nil, fmt.Errorf("void has no lines")
	}

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	merged := mergeRequirements(lines)
	ids := make([]int64, 0, len(merged))
	for _, r := range merged {
		ids = append(ids, r.IngredientID)
	}
	locked, err := e.lockIngredients(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	movements := make([]StockMovement, 0, len(merged))
	for _, r := range merged {
		ing := locked[r.IngredientID]
		cost := ing.UnitCost
		m, err := e.applyMovement(ctx, tx, ing, MovementEntry, r.Quantity, &cost, actor, note, false)
		if err != nil {
			return nil, err
		}
		movements = append(movements, *m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit void: %w", err)
	}

	e.log.WithFields(logrus.Fields{"lines": len(movements)}).Info("sale voided, stock restored")
	return movements, nil
}
