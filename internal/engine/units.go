package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// UnitTable holds the static unit conversion reference data. It is loaded
// once at startup and never mutated afterwards.
type UnitTable struct {
	units map[string]Unit
}

func NewUnitTable(units []Unit) *UnitTable {
	t := &UnitTable{units: make(map[string]Unit, len(units))}
	for _, u := range units {
		t.units[u.Code] = u
	}
	return t
}

// ToBase converts a quantity expressed in the given unit to base units.
func (t *UnitTable) ToBase(qty decimal.Decimal, unit string) (decimal.Decimal, error) {
	u, ok := t.units[unit]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	return qty.Mul(u.Factor), nil
}

// List returns every unit, ordered by code.
func (t *UnitTable) List() []Unit {
	out := make([]Unit, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Lookup returns the unit row for a code.
func (t *UnitTable) Lookup(unit string) (Unit, error) {
	u, ok := t.units[unit]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	return u, nil
}
