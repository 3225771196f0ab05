package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementKind classifies a stock movement in the ledger.
const (
	MovementEntry      = "ENTRY"
	MovementExit       = "EXIT"
	MovementAdjustment = "ADJUSTMENT"
)

// Fulfillment reasons.
const (
	ReasonSale                = "SALE"
	ReasonProduction          = "PRODUCTION"
	ReasonInternalConsumption = "INTERNAL_CONSUMPTION"
)

// Unit is a static reference row mapping a unit code to the scalar factor
// that converts it to the canonical base unit (grams, milliliters or count).
type Unit struct {
	Code   string          `json:"code" db:"code"`
	Name   string          `json:"name" db:"name"`
	Factor decimal.Decimal `json:"factor" db:"factor"`
}

// Ingredient is the current snapshot of one stocked item. StockQuantity and
// UnitCost are a materialized cache of the movement ledger: only the ledger
// code paths may write them.
type Ingredient struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	BaseUnit    string `json:"base_unit" db:"base_unit"`
	IsComposite bool   `json:"is_composite" db:"is_composite"`

	UnitCost      decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	StockQuantity decimal.Decimal `json:"stock_quantity" db:"stock_quantity"`

	// Purchase intake data, meaningful for non-composite ingredients only.
	PurchasePrice   decimal.Decimal `json:"purchase_price" db:"purchase_price"`
	PackageSize     decimal.Decimal `json:"purchase_package_size" db:"purchase_package_size"`
	WastePercent    decimal.Decimal `json:"waste_percent" db:"waste_percent"`
	PortionQuantity decimal.Decimal `json:"portion_quantity" db:"portion_quantity"`

	// DeclaredYield overrides the rollup divisor for composite ingredients.
	// Zero means not declared; the rollup falls back to the sum of input
	// quantities and caches it here.
	DeclaredYield decimal.Decimal `json:"declared_yield" db:"declared_yield"`

	// PackagingID is the item consumed per unit sold take-away, if any.
	PackagingID *int64 `json:"packaging_id,omitempty" db:"packaging_id"`

	MinStock  decimal.Decimal `json:"min_stock" db:"min_stock"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CompositionEdge states that one unit of the parent recipe requires
// Quantity base units of the child ingredient. The edge set over all
// ingredients must stay acyclic.
type CompositionEdge struct {
	ParentID int64           `json:"parent_id" db:"parent_id"`
	ChildID  int64           `json:"child_id" db:"child_id"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
}

// StockMovement is one immutable row of the append-only ledger. UnitCost is
// set for entries only: exits consume at the running average and never carry
// an observed cost of their own.
type StockMovement struct {
	ID           string           `json:"id" db:"id"`
	IngredientID int64            `json:"ingredient_id" db:"ingredient_id"`
	Kind         string           `json:"kind" db:"kind"`
	Quantity     decimal.Decimal  `json:"quantity" db:"quantity"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty" db:"unit_cost"`
	Actor        string           `json:"actor" db:"actor"`
	Note         string           `json:"note" db:"note"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// Requirement is one validated line of a fulfillment: consume Quantity base
// units of the ingredient.
type Requirement struct {
	IngredientID int64           `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// SaleLine is one unexpanded line of a sale as the POS submits it: a product
// (modelled as a composite ingredient) or a directly-stocked item, plus any
// add-on extras chosen for that line.
type SaleLine struct {
	IngredientID int64           `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Extras       []int64         `json:"extras,omitempty"`
	TakeAway     bool            `json:"take_away,omitempty"`
}

// FulfillmentRequest is the transient input of one atomic fulfillment. It is
// never persisted; only the movements it produces are.
type FulfillmentRequest struct {
	Reason       string          `json:"reason"`
	Requirements []Requirement   `json:"requirements"`
	Actor        string          `json:"actor"`
	Note         string          `json:"note"`
	ProducedID   int64           `json:"produced_id,omitempty"`
	Batches      decimal.Decimal `json:"batches,omitempty"`
}

// FulfillmentResult reports what one committed fulfillment did.
type FulfillmentResult struct {
	Movements        []StockMovement `json:"movements"`
	ProducedQuantity decimal.Decimal `json:"produced_quantity,omitempty"`
	ProducedUnitCost decimal.Decimal `json:"produced_unit_cost,omitempty"`
}

// Shortfall describes one insufficient line: have X, need Y.
type Shortfall struct {
	IngredientID int64           `json:"ingredient_id"`
	Name         string          `json:"name"`
	Have         decimal.Decimal `json:"have"`
	Need         decimal.Decimal `json:"need"`
}
