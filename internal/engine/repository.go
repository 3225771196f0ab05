package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Tx is the unit of atomicity for ledger mutations. One logical operation
// (one purchase, one fulfillment, one edge change) runs entirely inside one
// Tx or not at all.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MovementFilter narrows reporting queries over the ledger.
type MovementFilter struct {
	IngredientID int64
	Kind         string
	From         time.Time
	To           time.Time
	Limit        int
}

// Repository defines the persistence operations of the engine. Methods that
// take a Tx participate in the caller's transaction; the *ForUpdate variants
// acquire a row lock held until commit or rollback.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetIngredient(ctx context.Context, id int64) (*Ingredient, error)
	GetIngredients(ctx context.Context, ids []int64) (map[int64]Ingredient, error)
	ListIngredients(ctx context.Context) ([]Ingredient, error)
	CreateIngredient(ctx context.Context, ing *Ingredient) error
	UpdateIngredientMaster(ctx context.Context, ing *Ingredient) error

	GetIngredientForUpdate(ctx context.Context, tx Tx, id int64) (*Ingredient, error)
	UpdateIngredientState(ctx context.Context, tx Tx, id int64, stock, cost decimal.Decimal) error
	UpdateDeclaredYield(ctx context.Context, tx Tx, id int64, yield decimal.Decimal) error
	InsertMovement(ctx context.Context, tx Tx, m *StockMovement) error

	ListEdges(ctx context.Context) ([]CompositionEdge, error)
	ListEdgesTx(ctx context.Context, tx Tx) ([]CompositionEdge, error)
	InsertEdge(ctx context.Context, tx Tx, e CompositionEdge) error
	DeleteEdge(ctx context.Context, tx Tx, parentID, childID int64) error

	ListUnits(ctx context.Context) ([]Unit, error)

	ListMovements(ctx context.Context, f MovementFilter) ([]StockMovement, error)
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// PostgresTx wraps a pgx transaction behind the Tx interface.
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *PostgresTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

const ingredientColumns = `
	id, name, base_unit, is_composite,
	unit_cost::text, stock_quantity::text,
	purchase_price::text, purchase_package_size::text, waste_percent::text,
	portion_quantity::text, declared_yield::text, packaging_id,
	min_stock::text, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIngredient(row rowScanner) (*Ingredient, error) {
	var (
		ing                                Ingredient
		unitCost, stock, price, pkg, waste string
		portion, declaredYield, minStock   string
	)
	err := row.Scan(
		&ing.ID, &ing.Name, &ing.BaseUnit, &ing.IsComposite,
		&unitCost, &stock,
		&price, &pkg, &waste,
		&portion, &declaredYield, &ing.PackagingID,
		&minStock, &ing.CreatedAt, &ing.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ing.UnitCost, unitCost}, {&ing.StockQuantity, stock},
		{&ing.PurchasePrice, price}, {&ing.PackageSize, pkg}, {&ing.WastePercent, waste},
		{&ing.PortionQuantity, portion}, {&ing.DeclaredYield, declaredYield}, {&ing.MinStock, minStock},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("failed to decode numeric column: %w", err)
		}
		*pair.dst = d
	}
	return &ing, nil
}

func (r *PostgresRepository) GetIngredient(ctx context.Context, id int64) (*Ingredient, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = $1`, id)
	ing, err := scanIngredient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingredient: %w", err)
	}
	return ing, nil
}

func (r *PostgresRepository) GetIngredients(ctx context.Context, ids []int64) (map[int64]Ingredient, error) {
	rows, err := r.db.Query(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get ingredients: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Ingredient, len(ids))
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingredient: %w", err)
		}
		out[ing.ID] = *ing
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	rows, err := r.db.Query(ctx, `SELECT `+ingredientColumns+` FROM ingredients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingredients: %w", err)
	}
	defer rows.Close()

	var out []Ingredient
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingredient: %w", err)
		}
		out = append(out, *ing)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateIngredient(ctx context.Context, ing *Ingredient) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO ingredients (
			name, base_unit, is_composite,
			unit_cost, stock_quantity,
			purchase_price, purchase_package_size, waste_percent,
			portion_quantity, declared_yield, packaging_id, min_stock
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`,
		ing.Name, ing.BaseUnit, ing.IsComposite,
		ing.UnitCost.String(), ing.StockQuantity.String(),
		ing.PurchasePrice.String(), ing.PackageSize.String(), ing.WastePercent.String(),
		ing.PortionQuantity.String(), ing.DeclaredYield.String(), ing.PackagingID, ing.MinStock.String(),
	).Scan(&ing.ID, &ing.CreatedAt, &ing.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ingredient: %w", err)
	}
	return nil
}

// UpdateIngredientMaster writes catalog fields only. Stock and unit cost are
// owned by the ledger and are never written here.
func (r *PostgresRepository) UpdateIngredientMaster(ctx context.Context, ing *Ingredient) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingredients
		SET name = $2, base_unit = $3,
		    purchase_price = $4, purchase_package_size = $5, waste_percent = $6,
		    portion_quantity = $7, declared_yield = $8, packaging_id = $9,
		    min_stock = $10, updated_at = NOW()
		WHERE id = $1
	`,
		ing.ID, ing.Name, ing.BaseUnit,
		ing.PurchasePrice.String(), ing.PackageSize.String(), ing.WastePercent.String(),
		ing.PortionQuantity.String(), ing.DeclaredYield.String(), ing.PackagingID,
		ing.MinStock.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update ingredient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrIngredientNotFound, ing.ID)
	}
	return nil
}

func (r *PostgresRepository) GetIngredientForUpdate(ctx context.Context, tx Tx, id int64) (*Ingredient, error) {
	pgTx := tx.(*PostgresTx).tx
	row := pgTx.QueryRow(ctx, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = $1 FOR UPDATE`, id)
	ing, err := scanIngredient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrIngredientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingredient with lock: %w", err)
	}
	return ing, nil
}

func (r *PostgresRepository) UpdateIngredientState(ctx context.Context, tx Tx, id int64, stock, cost decimal.Decimal) error {
	pgTx := tx.(*PostgresTx).tx
	_, err := pgTx.Exec(ctx, `
		UPDATE ingredients
		SET stock_quantity = $2, unit_cost = $3, updated_at = NOW()
		WHERE id = $1
	`, id, stock.String(), cost.String())
	if err != nil {
		return fmt.Errorf("failed to update ingredient state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateDeclaredYield(ctx context.Context, tx Tx, id int64, yield decimal.Decimal) error {
	pgTx := tx.(*PostgresTx).tx
	_, err := pgTx.Exec(ctx, `
		UPDATE ingredients SET declared_yield = $2, updated_at = NOW() WHERE id = $1
	`, id, yield.String())
	if err != nil {
		return fmt.Errorf("failed to update declared yield: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertMovement(ctx context.Context, tx Tx, m *StockMovement) error {
	pgTx := tx.(*PostgresTx).tx
	var unitCost *string
	if m.UnitCost != nil {
		s := m.UnitCost.String()
		unitCost = &s
	}
	err := pgTx.QueryRow(ctx, `
		INSERT INTO stock_movements (id, ingredient_id, kind, quantity, unit_cost, actor, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, m.ID, m.IngredientID, m.Kind, m.Quantity.String(), unitCost, m.Actor, m.Note).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

const edgeColumns = `parent_id, child_id, quantity::text`

func scanEdges(rows pgx.Rows) ([]CompositionEdge, error) {
	defer rows.Close()
	var out []CompositionEdge
	for rows.Next() {
		var (
			e   CompositionEdge
			qty string
		)
		if err := rows.Scan(&e.ParentID, &e.ChildID, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("failed to decode edge quantity: %w", err)
		}
		e.Quantity = d
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListEdges(ctx context.Context) ([]CompositionEdge, error) {
	rows, err := r.db.Query(ctx, `SELECT `+edgeColumns+` FROM composition_edges`)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return scanEdges(rows)
}

func (r *PostgresRepository) ListEdgesTx(ctx context.Context, tx Tx) ([]CompositionEdge, error) {
	pgTx := tx.(*PostgresTx).tx
	rows, err := pgTx.Query(ctx, `SELECT `+edgeColumns+` FROM composition_edges`)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return scanEdges(rows)
}

func (r *PostgresRepository) InsertEdge(ctx context.Context, tx Tx, e CompositionEdge) error {
	pgTx := tx.(*PostgresTx).tx
	_, err := pgTx.Exec(ctx, `
		INSERT INTO composition_edges (parent_id, child_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (parent_id, child_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, e.ParentID, e.ChildID, e.Quantity.String())
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteEdge(ctx context.Context, tx Tx, parentID, childID int64) error {
	pgTx := tx.(*PostgresTx).tx
	_, err := pgTx.Exec(ctx, `
		DELETE FROM composition_edges WHERE parent_id = $1 AND child_id = $2
	`, parentID, childID)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := r.db.Query(ctx, `SELECT code, name, factor::text FROM units ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		var (
			u      Unit
			factor string
		)
		if err := rows.Scan(&u.Code, &u.Name, &factor); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		d, err := decimal.NewFromString(factor)
		if err != nil {
			return nil, fmt.Errorf("failed to decode unit factor: %w", err)
		}
		u.Factor = d
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListMovements is a read-only reporting query over the append-only ledger.
func (r *PostgresRepository) ListMovements(ctx context.Context, f MovementFilter) ([]StockMovement, error) {
	query := `
		SELECT id, ingredient_id, kind, quantity::text, unit_cost::text, actor, note, created_at
		FROM stock_movements
		WHERE 1=1`
	args := []any{}
	n := 0
	next := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.IngredientID != 0 {
		query += ` AND ingredient_id = ` + next(f.IngredientID)
	}
	if f.Kind != "" {
		query += ` AND kind = ` + next(f.Kind)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ` + next(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ` + next(f.To)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + next(f.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	defer rows.Close()

	var out []StockMovement
	for rows.Next() {
		var (
			m        StockMovement
			qty      string
			unitCost *string
		)
		if err := rows.Scan(&m.ID, &m.IngredientID, &m.Kind, &qty, &unitCost, &m.Actor, &m.Note, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("failed to decode movement quantity: %w", err)
		}
		m.Quantity = d
		if unitCost != nil {
			c, err := decimal.NewFromString(*unitCost)
			if err != nil {
				return nil, fmt.Errorf("failed to decode movement unit cost: %w", err)
			}
			m.UnitCost = &c
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
