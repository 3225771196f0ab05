package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Graph is an in-memory index of the composition edges: which ingredients a
// recipe consumes, and which recipes depend on an ingredient. Ingredients are
// addressed by id so traversal never follows object references.
type Graph struct {
	children map[int64][]CompositionEdge
	parents  map[int64][]int64
}

func NewGraph(edges []CompositionEdge) *Graph {
	g := &Graph{
		children: make(map[int64][]CompositionEdge),
		parents:  make(map[int64][]int64),
	}
	for _, e := range edges {
		g.children[e.ParentID] = append(g.children[e.ParentID], e)
		g.parents[e.ChildID] = append(g.parents[e.ChildID], e.ParentID)
	}
	return g
}

// Edges returns every edge in the graph.
func (g *Graph) Edges() []CompositionEdge {
	var out []CompositionEdge
	for _, edges := range g.children {
		out = append(out, edges...)
	}
	return out
}

// Children returns the direct recipe components of an ingredient.
func (g *Graph) Children(id int64) []CompositionEdge {
	return g.children[id]
}

// HasChildren reports whether the ingredient is defined as a recipe.
func (g *Graph) HasChildren(id int64) bool {
	return len(g.children[id]) > 0
}

// WouldCycle validates a prospective edge (parent requires child) against the
// current edge set. It fails if the edge is a self reference or if the child
// already requires the parent, directly or transitively.
func (g *Graph) WouldCycle(parentID, childID int64) error {
	if parentID == childID {
		return ErrSelfReference
	}
	seen := make(map[int64]bool)
	stack := []int64{childID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == parentID {
			return fmt.Errorf("%w: %d already depends on %d", ErrCycleDetected, childID, parentID)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range g.children[cur] {
			stack = append(stack, e.ChildID)
		}
	}
	return nil
}

// AffectedComposites returns every ingredient that transitively depends on
// any of the seeds, ordered so that a recipe always appears after every
// component of it in the result (children before parents). Recomputing costs
// in this order guarantees no composite ever reads a stale component cost.
func (g *Graph) AffectedComposites(seeds ...int64) []int64 {
	seedSet := make(map[int64]bool, len(seeds))
	for _, id := range seeds {
		seedSet[id] = true
	}

	// Walk upward to collect everything that depends on a seed.
	affected := make(map[int64]bool)
	stack := append([]int64(nil), seeds...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range g.parents[cur] {
			if !affected[p] {
				affected[p] = true
				stack = append(stack, p)
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	// Kahn ordering restricted to the affected set: a node is ready once all
	// of its affected components have been emitted.
	pending := make(map[int64]int, len(affected))
	for id := range affected {
		n := 0
		for _, e := range g.children[id] {
			if affected[e.ChildID] {
				n++
			}
		}
		pending[id] = n
	}

	ready := make([]int64, 0, len(affected))
	for id, n := range pending {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]int64, 0, len(affected))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		next := make([]int64, 0)
		for _, p := range g.parents[cur] {
			if !affected[p] {
				continue
			}
			pending[p]--
			if pending[p] == 0 {
				next = append(next, p)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		ready = append(ready, next...)
	}
	return order
}

// ExpandSale merges sale lines into ingredient-level requirements. A line for
// a recipe consumes its direct components; a line for a plain stocked item
// consumes itself. Extras add their configured per-portion quantity, and
// take-away lines consume the product's packaging item, one per unit sold.
func ExpandSale(g *Graph, ingredients map[int64]Ingredient, lines []SaleLine) ([]Requirement, error) {
	needed := make(map[int64]decimal.Decimal)
	add := func(id int64, qty decimal.Decimal) {
		needed[id] = needed[id].Add(qty)
	}

	for _, line := range lines {
		ing, ok := ingredients[line.IngredientID]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, line.IngredientID)
		}
		if edges := g.children[line.IngredientID]; len(edges) > 0 {
			for _, e := range edges {
				add(e.ChildID, e.Quantity.Mul(line.Quantity))
			}
		} else {
			add(line.IngredientID, line.Quantity)
		}
		for _, extraID := range line.Extras {
			extra, ok := ingredients[extraID]
			if !ok {
				return nil, fmt.Errorf("%w: extra id %d", ErrIngredientNotFound, extraID)
			}
			if extra.PortionQuantity.IsPositive() {
				add(extraID, extra.PortionQuantity.Mul(line.Quantity))
			}
		}
		if line.TakeAway && ing.PackagingID != nil {
			add(*ing.PackagingID, line.Quantity)
		}
	}

	ids := make([]int64, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reqs := make([]Requirement, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, Requirement{IngredientID: id, Quantity: needed[id]})
	}
	return reqs, nil
}

// ProductionInputs returns what one production run consumes: the composite's
// direct components scaled by the number of batches.
func ProductionInputs(g *Graph, compositeID int64, batches decimal.Decimal) []Requirement {
	edges := g.children[compositeID]
	reqs := make([]Requirement, 0, len(edges))
	for _, e := range edges {
		reqs = append(reqs, Requirement{IngredientID: e.ChildID, Quantity: e.Quantity.Mul(batches)})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].IngredientID < reqs[j].IngredientID })
	return reqs
}
