package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CreateIngredient registers a new catalog item with zero stock and cost.
func (e *Engine) CreateIngredient(ctx context.Context, ing *Ingredient) error {
	if ing.Name == "" {
		return fmt.Errorf("ingredient name is required")
	}
	if _, err := e.units.Lookup(ing.BaseUnit); err != nil {
		return err
	}
	return e.repo.CreateIngredient(ctx, ing)
}

// UpdateIngredientMaster edits catalog fields. Purchase data changes affect
// the valuation of future entries only; the running average is left alone.
func (e *Engine) UpdateIngredientMaster(ctx context.Context, ing *Ingredient) error {
	if _, err := e.units.Lookup(ing.BaseUnit); err != nil {
		return err
	}
	return e.repo.UpdateIngredientMaster(ctx, ing)
}

// AddEdge adds or updates one recipe line: parent requires quantity base
// units of child per unit produced. The edge is validated against cycles
// before acceptance, and the parent's cost (plus everything depending on it)
// is recomputed in the same transaction.
func (e *Engine) AddEdge(ctx context.Context, edge CompositionEdge) error {
	ctx, span := e.tracer.Start(ctx, "engine.add_edge")
	defer span.End()

	if !edge.Quantity.IsPositive() {
		return fmt.Errorf("edge quantity must be positive, got %s", edge.Quantity)
	}
	if edge.ParentID == edge.ChildID {
		return ErrSelfReference
	}

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	locked, g, err := e.lockCascadeScope(ctx, tx, []int64{edge.ParentID, edge.ChildID})
	if err != nil {
		return err
	}
	if !locked[edge.ParentID].IsComposite {
		return fmt.Errorf("%w: id %d", ErrNotComposite, edge.ParentID)
	}
	if err := g.WouldCycle(edge.ParentID, edge.ChildID); err != nil {
		return err
	}

	if err := e.repo.InsertEdge(ctx, tx, edge); err != nil {
		return err
	}

	updated := NewGraph(append(g.Edges(), edge))
	if err := e.recomputeComposite(ctx, tx, updated, locked, edge.ParentID); err != nil {
		return err
	}
	if err := e.cascadeFrom(ctx, tx, updated, locked, edge.ParentID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit edge: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"parent_id": edge.ParentID,
		"child_id":  edge.ChildID,
		"quantity":  edge.Quantity,
	}).Info("composition edge saved")
	return nil
}

// RemoveEdge deletes one recipe line and recomputes the affected costs.
func (e *Engine) RemoveEdge(ctx context.Context, parentID, childID int64) error {
	ctx, span := e.tracer.Start(ctx, "engine.remove_edge")
	defer span.End()

	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	locked, g, err := e.lockCascadeScope(ctx, tx, []int64{parentID, childID})
	if err != nil {
		return err
	}
	if !locked[parentID].IsComposite {
		return fmt.Errorf("%w: id %d", ErrNotComposite, parentID)
	}

	if err := e.repo.DeleteEdge(ctx, tx, parentID, childID); err != nil {
		return err
	}

	remaining := make([]CompositionEdge, 0)
	for _, edge := range g.Edges() {
		if edge.ParentID == parentID && edge.ChildID == childID {
			continue
		}
		remaining = append(remaining, edge)
	}
	updated := NewGraph(remaining)
	if err := e.recomputeComposite(ctx, tx, updated, locked, parentID); err != nil {
		return err
	}
	if err := e.cascadeFrom(ctx, tx, updated, locked, parentID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit edge removal: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"parent_id": parentID,
		"child_id":  childID,
	}).Info("composition edge removed")
	return nil
}

// GetIngredient is a read-only lookup for the API boundary.
func (e *Engine) GetIngredient(ctx context.Context, id int64) (*Ingredient, error) {
	return e.repo.GetIngredient(ctx, id)
}

// ListIngredients is a read-only snapshot listing for reports.
func (e *Engine) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	return e.repo.ListIngredients(ctx)
}

// ListMovements is a read-only ledger query for reports.
func (e *Engine) ListMovements(ctx context.Context, f MovementFilter) ([]StockMovement, error) {
	return e.repo.ListMovements(ctx, f)
}

// ListEdges returns every composition edge, for recipe views.
func (e *Engine) ListEdges(ctx context.Context) ([]CompositionEdge, error) {
	return e.repo.ListEdges(ctx)
}
