package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownUnit is returned when a unit code has no conversion factor.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrSelfReference is returned when a composition edge would make an
	// ingredient a component of itself.
	ErrSelfReference = errors.New("ingredient cannot be a component of itself")

	// ErrCycleDetected is returned when a composition edge would create a
	// cycle in the graph.
	ErrCycleDetected = errors.New("composition edge would create a cycle")

	// ErrInvalidWastePercent is returned when the waste factor would make the
	// derived purchase cost infinite or negative.
	ErrInvalidWastePercent = errors.New("waste percent must be below 100")

	// ErrInvalidPackageSize is returned when purchase data has no positive
	// package size to divide by.
	ErrInvalidPackageSize = errors.New("purchase package size must be positive")

	// ErrIngredientNotFound is returned for references to unknown ingredients.
	ErrIngredientNotFound = errors.New("ingredient not found")

	// ErrNotComposite is returned when a production or rollup operation
	// targets a non-composite ingredient.
	ErrNotComposite = errors.New("ingredient is not composite")
)

// InsufficientStockError carries the complete list of shortfalls of a failed
// fulfillment, not just the first, so the caller can show the full picture.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: have %s, need %s", s.Name, s.Have, s.Need))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// NegativeStockAnomalyError reports a movement that would breach the
// non-negative stock invariant despite prior validation. It indicates a
// concurrency or logic bug and always aborts the transaction: the stock is
// never silently clamped to zero.
type NegativeStockAnomalyError struct {
	IngredientID int64
	Have         decimal.Decimal
	Requested    decimal.Decimal
}

func (e *NegativeStockAnomalyError) Error() string {
	return fmt.Sprintf("negative stock anomaly on ingredient %d: have %s, movement requests %s",
		e.IngredientID, e.Have, e.Requested)
}
