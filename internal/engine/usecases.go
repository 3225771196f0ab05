package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine owns every mutation of stock and cost. It is the single
// writer-of-record: no other component updates stock_quantity or unit_cost.
type Engine struct {
	repo   Repository
	units  *UnitTable
	log    *logrus.Logger
	tracer trace.Tracer

	movementsApplied      metric.Int64Counter
	fulfillmentsCommitted metric.Int64Counter
	fulfillmentsRejected  metric.Int64Counter
}

func NewEngine(repo Repository, units *UnitTable, log *logrus.Logger) (*Engine, error) {
	meter := otel.Meter("inventory-engine")
	movements, err := meter.Int64Counter("ledger.movements.applied")
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter("fulfillments.committed")
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("fulfillments.rejected")
	if err != nil {
		return nil, err
	}
	return &Engine{
		repo:                  repo,
		units:                 units,
		log:                   log,
		tracer:                otel.Tracer("inventory-engine"),
		movementsApplied:      movements,
		fulfillmentsCommitted: committed,
		fulfillmentsRejected:  rejected,
	}, nil
}

// Units exposes the static conversion table to the API boundary.
func (e *Engine) Units() *UnitTable {
	return e.units
}

// toBase normalizes a quantity to base units. An empty unit means the caller
// already speaks base units.
func (e *Engine) toBase(qty decimal.Decimal, unit string) (decimal.Decimal, error) {
	if unit == "" {
		return qty, nil
	}
	return e.units.ToBase(qty, unit)
}

// lockIngredients acquires FOR UPDATE row locks in ascending id order. The
// deterministic order is what prevents deadlock between concurrent purchases
// and fulfillments touching overlapping ingredients.
func (e *Engine) lockIngredients(ctx context.Context, tx Tx, ids []int64) (map[int64]*Ingredient, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locked := make(map[int64]*Ingredient, len(sorted))
	for _, id := range sorted {
		if _, done := locked[id]; done {
			continue
		}
		ing, err := e.repo.GetIngredientForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = ing
	}
	return locked, nil
}

// lockCascadeScope locks everything one cost-changing operation on the seed
// ingredients can touch: the seeds, every composite that transitively depends
// on them, and every component those composites read during recompute. The
// composition graph is re-read after the locks are held; if it changed in the
// window between planning and locking, the plan is recomputed from scratch.
func (e *Engine) lockCascadeScope(ctx context.Context, tx Tx, seeds []int64) (map[int64]*Ingredient, *Graph, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		edges, err := e.repo.ListEdgesTx(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		g := NewGraph(edges)

		scope := make(map[int64]bool, len(seeds))
		for _, id := range seeds {
			scope[id] = true
		}
		affected := g.AffectedComposites(seeds...)
		for _, id := range affected {
			scope[id] = true
		}
		// Snapshot the keys before sweeping in components, so the sweep never
		// ranges over a map it is growing.
		members := make([]int64, 0, len(scope))
		for id := range scope {
			members = append(members, id)
		}
		for _, id := range members {
			for _, edge := range g.Children(id) {
				scope[edge.ChildID] = true
			}
		}

		ids := make([]int64, 0, len(scope))
		for id := range scope {
			ids = append(ids, id)
		}
		locked, err := e.lockIngredients(ctx, tx, ids)
		if err != nil {
			return nil, nil, err
		}

		after, err := e.repo.ListEdgesTx(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		if sameEdges(edges, after) {
			return locked, g, nil
		}
		e.log.WithField("attempt", attempt+1).Warn("composition graph changed while acquiring locks, replanning")
	}
	return nil, nil, fmt.Errorf("composition graph kept changing while acquiring locks")
}

func sameEdges(a, b []CompositionEdge) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(e CompositionEdge) string {
		return fmt.Sprintf("%d/%d/%s", e.ParentID, e.ChildID, e.Quantity)
	}
	seen := make(map[string]int, len(a))
	for _, e := range a {
		seen[key(e)]++
	}
	for _, e := range b {
		seen[key(e)]--
		if seen[key(e)] < 0 {
			return false
		}
	}
	return true
}

// applyMovement writes one immutable ledger row and the matching snapshot
// update inside tx. ing must be a row the caller has locked; its fields are
// updated in place so later steps of the same operation see fresh values.
func (e *Engine) applyMovement(ctx context.Context, tx Tx, ing *Ingredient, kind string, qty decimal.Decimal, unitCost *decimal.Decimal, actor, note string, force bool) (*StockMovement, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("movement quantity must be positive, got %s", qty)
	}

	switch kind {
	case MovementEntry:
		if unitCost == nil {
			return nil, fmt.Errorf("entry movement requires a unit cost")
		}
		if ing.IsComposite {
			// Only the rollup may set a composite's cost; an entry just adds
			// stock valued at the current rolled-up cost.
			ing.StockQuantity = ing.StockQuantity.Add(qty)
		} else {
			ing.UnitCost = WeightedAverageCost(ing.StockQuantity, ing.UnitCost, qty, *unitCost)
			ing.StockQuantity = ing.StockQuantity.Add(qty)
		}

	case MovementExit, MovementAdjustment:
		remaining := ing.StockQuantity.Sub(qty)
		if remaining.IsNegative() {
			if !(force && kind == MovementAdjustment) {
				anomaly := &NegativeStockAnomalyError{
					IngredientID: ing.ID,
					Have:         ing.StockQuantity,
					Requested:    qty,
				}
				e.log.WithFields(logrus.Fields{
					"ingredient_id": ing.ID,
					"have":          ing.StockQuantity,
					"requested":     qty,
					"kind":          kind,
				}).Error("negative stock anomaly, aborting transaction")
				return nil, anomaly
			}
			// Forced write-off: the ledger records what actually left stock,
			// the note keeps the requested figure for the audit trail.
			e.log.WithFields(logrus.Fields{
				"ingredient_id": ing.ID,
				"have":          ing.StockQuantity,
				"requested":     qty,
				"actor":         actor,
			}).Warn("forced adjustment clamped to available stock")
			note = fmt.Sprintf("%s (forced: requested %s, wrote off %s)", note, qty, ing.StockQuantity)
			qty = ing.StockQuantity
			if !qty.IsPositive() {
				return nil, fmt.Errorf("forced adjustment on ingredient %d: no stock to write off", ing.ID)
			}
			remaining = decimal.Zero
		}
		ing.StockQuantity = remaining
		// Exits consume at the running average; the cost never moves here.
		unitCost = nil

	default:
		return nil, fmt.Errorf("unknown movement kind %q", kind)
	}

	m := &StockMovement{
		ID:           uuid.New().String(),
		IngredientID: ing.ID,
		Kind:         kind,
		Quantity:     qty,
		UnitCost:     unitCost,
		Actor:        actor,
		Note:         note,
	}
	if err := e.repo.InsertMovement(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateIngredientState(ctx, tx, ing.ID, ing.StockQuantity, ing.UnitCost); err != nil {
		return nil, err
	}
	e.movementsApplied.Add(ctx, 1)
	return m, nil
}

// recomputeComposite rolls up one composite's cost from its locked components
// and persists it. When the yield fell back to the sum of input quantities,
// the computed total is cached as the new declared yield.
func (e *Engine) recomputeComposite(ctx context.Context, tx Tx, g *Graph, locked map[int64]*Ingredient, id int64) error {
	ing, ok := locked[id]
	if !ok {
		return fmt.Errorf("composite %d not in locked scope", id)
	}
	res := RollupCost(g.Children(id), func(childID int64) decimal.Decimal {
		if child, ok := locked[childID]; ok {
			return child.UnitCost
		}
		return decimal.Zero
	}, ing.DeclaredYield)

	ing.UnitCost = res.UnitCost
	if err := e.repo.UpdateIngredientState(ctx, tx, id, ing.StockQuantity, res.UnitCost); err != nil {
		return err
	}
	if !res.YieldWasDeclared {
		ing.DeclaredYield = res.Yield
		if err := e.repo.UpdateDeclaredYield(ctx, tx, id, res.Yield); err != nil {
			return err
		}
	}
	return nil
}

// cascadeFrom propagates a cost change upward: every composite that depends
// on any seed is recomputed, children before parents, inside the same
// transaction that changed the seed. No stale value is ever read because the
// order is topological and every row involved is already locked.
func (e *Engine) cascadeFrom(ctx context.Context, tx Tx, g *Graph, locked map[int64]*Ingredient, seeds ...int64) error {
	for _, id := range g.AffectedComposites(seeds...) {
		if err := e.recomputeComposite(ctx, tx, g, locked, id); err != nil {
			return err
		}
	}
	return nil
}
