package engine

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeRepository is an in-memory Repository with real transaction semantics:
// writes go to a staging area and reach the base maps only on Commit. That is
// what lets the tests assert all-or-nothing behavior without a database.
type fakeRepository struct {
	ingredients map[int64]Ingredient
	edges       []CompositionEdge
	movements   []StockMovement
	units       []Unit
	nextID      int64

	// lockOrder records every GetIngredientForUpdate call, in call order.
	lockOrder []int64
}

type fakeTx struct {
	repo   *fakeRepository
	staged map[int64]*Ingredient
	edges  []CompositionEdge
	moves  []StockMovement
	done   bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		ingredients: make(map[int64]Ingredient),
		units: []Unit{
			{Code: "g", Name: "gram", Factor: decimal.NewFromInt(1)},
			{Code: "kg", Name: "kilogram", Factor: decimal.NewFromInt(1000)},
			{Code: "ml", Name: "milliliter", Factor: decimal.NewFromInt(1)},
			{Code: "l", Name: "liter", Factor: decimal.NewFromInt(1000)},
			{Code: "unit", Name: "unit", Factor: decimal.NewFromInt(1)},
		},
		nextID: 1,
	}
}

func (r *fakeRepository) BeginTx(ctx context.Context) (Tx, error) {
	return &fakeTx{
		repo:   r,
		staged: make(map[int64]*Ingredient),
		edges:  append([]CompositionEdge(nil), r.edges...),
	}, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	for id, ing := range t.staged {
		t.repo.ingredients[id] = *ing
	}
	t.repo.edges = t.edges
	t.repo.movements = append(t.repo.movements, t.moves...)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

// working returns the transaction-local copy of an ingredient, creating it
// from the committed state on first access. The engine mutates this copy in
// place; nothing leaks out before Commit.
func (t *fakeTx) working(id int64) (*Ingredient, error) {
	if ing, ok := t.staged[id]; ok {
		return ing, nil
	}
	base, ok := t.repo.ingredients[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, id)
	}
	copied := base
	t.staged[id] = &copied
	return &copied, nil
}

func (r *fakeRepository) GetIngredient(ctx context.Context, id int64) (*Ingredient, error) {
	ing, ok := r.ingredients[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, id)
	}
	copied := ing
	return &copied, nil
}

func (r *fakeRepository) GetIngredients(ctx context.Context, ids []int64) (map[int64]Ingredient, error) {
	out := make(map[int64]Ingredient, len(ids))
	for _, id := range ids {
		if ing, ok := r.ingredients[id]; ok {
			out[id] = ing
		}
	}
	return out, nil
}

func (r *fakeRepository) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	out := make([]Ingredient, 0, len(r.ingredients))
	for _, ing := range r.ingredients {
		out = append(out, ing)
	}
	return out, nil
}

func (r *fakeRepository) CreateIngredient(ctx context.Context, ing *Ingredient) error {
	ing.ID = r.nextID
	r.nextID++
	ing.CreatedAt = time.Now()
	ing.UpdatedAt = ing.CreatedAt
	r.ingredients[ing.ID] = *ing
	return nil
}

func (r *fakeRepository) UpdateIngredientMaster(ctx context.Context, ing *Ingredient) error {
	current, ok := r.ingredients[ing.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrIngredientNotFound, ing.ID)
	}
	// Master edits never touch the engine-owned state.
	ing.StockQuantity = current.StockQuantity
	ing.UnitCost = current.UnitCost
	ing.UpdatedAt = time.Now()
	r.ingredients[ing.ID] = *ing
	return nil
}

func (r *fakeRepository) GetIngredientForUpdate(ctx context.Context, tx Tx, id int64) (*Ingredient, error) {
	r.lockOrder = append(r.lockOrder, id)
	return tx.(*fakeTx).working(id)
}

func (r *fakeRepository) UpdateIngredientState(ctx context.Context, tx Tx, id int64, stock, cost decimal.Decimal) error {
	ing, err := tx.(*fakeTx).working(id)
	if err != nil {
		return err
	}
	ing.StockQuantity = stock
	ing.UnitCost = cost
	return nil
}

func (r *fakeRepository) UpdateDeclaredYield(ctx context.Context, tx Tx, id int64, yield decimal.Decimal) error {
	ing, err := tx.(*fakeTx).working(id)
	if err != nil {
		return err
	}
	ing.DeclaredYield = yield
	return nil
}

func (r *fakeRepository) InsertMovement(ctx context.Context, tx Tx, m *StockMovement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	t := tx.(*fakeTx)
	t.moves = append(t.moves, *m)
	return nil
}

func (r *fakeRepository) ListEdges(ctx context.Context) ([]CompositionEdge, error) {
	return append([]CompositionEdge(nil), r.edges...), nil
}

func (r *fakeRepository) ListEdgesTx(ctx context.Context, tx Tx) ([]CompositionEdge, error) {
	return append([]CompositionEdge(nil), tx.(*fakeTx).edges...), nil
}

func (r *fakeRepository) InsertEdge(ctx context.Context, tx Tx, e CompositionEdge) error {
	t := tx.(*fakeTx)
	for i, existing := range t.edges {
		if existing.ParentID == e.ParentID && existing.ChildID == e.ChildID {
			t.edges[i] = e
			return nil
		}
	}
	t.edges = append(t.edges, e)
	return nil
}

func (r *fakeRepository) DeleteEdge(ctx context.Context, tx Tx, parentID, childID int64) error {
	t := tx.(*fakeTx)
	kept := t.edges[:0]
	for _, e := range t.edges {
		if e.ParentID == parentID && e.ChildID == childID {
			continue
		}
		kept = append(kept, e)
	}
	t.edges = kept
	return nil
}

func (r *fakeRepository) ListUnits(ctx context.Context) ([]Unit, error) {
	return r.units, nil
}

func (r *fakeRepository) ListMovements(ctx context.Context, f MovementFilter) ([]StockMovement, error) {
	var out []StockMovement
	for i := len(r.movements) - 1; i >= 0; i-- {
		m := r.movements[i]
		if f.IngredientID != 0 && m.IngredientID != f.IngredientID {
			continue
		}
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
			continue
		}
		// To is exclusive, matching the created_at < $n production query.
		if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// addIngredient seeds one committed catalog row and returns its id.
func (r *fakeRepository) addIngredient(ing Ingredient) int64 {
	ing.ID = r.nextID
	r.nextID++
	r.ingredients[ing.ID] = ing
	return ing.ID
}

func (r *fakeRepository) addEdge(parentID, childID int64, qty string) {
	r.edges = append(r.edges, CompositionEdge{
		ParentID: parentID,
		ChildID:  childID,
		Quantity: decimal.RequireFromString(qty),
	})
}

func newTestEngine(t *testing.T, repo *fakeRepository) *Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	units, err := repo.ListUnits(context.Background())
	require.NoError(t, err)
	eng, err := NewEngine(repo, NewUnitTable(units), log)
	require.NoError(t, err)
	return eng
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
