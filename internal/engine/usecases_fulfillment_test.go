package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFulfill_SaleConsumesEveryLine(t *testing.T) {
	// Arrange
	repo := newFakeRepository()
	flourID, _, cheeseID, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act
	result, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason: ReasonSale,
		Requirements: []Requirement{
			{IngredientID: flourID, Quantity: dec("200")},
			{IngredientID: cheeseID, Quantity: dec("50")},
		},
		Actor: "pos",
	})

	// Assert: exits carry no observed cost of their own
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	for _, m := range result.Movements {
		assert.Equal(t, MovementExit, m.Kind)
		assert.Nil(t, m.UnitCost)
	}

	flour, err := repo.GetIngredient(context.Background(), flourID)
	require.NoError(t, err)
	assert.True(t, flour.StockQuantity.Equal(dec("800")))
	assert.True(t, flour.UnitCost.Equal(dec("0.01")), "exit must not move the average")

	cheese, err := repo.GetIngredient(context.Background(), cheeseID)
	require.NoError(t, err)
	assert.True(t, cheese.StockQuantity.Equal(dec("1950")))
}

func TestFulfill_ShortfallLeavesEverythingUntouched(t *testing.T) {
	// Arrange: three lines, two of them short
	repo := newFakeRepository()
	flourID, waterID, cheeseID, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act
	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason: ReasonSale,
		Requirements: []Requirement{
			{IngredientID: flourID, Quantity: dec("5000")},
			{IngredientID: waterID, Quantity: dec("100")},
			{IngredientID: cheeseID, Quantity: dec("9000")},
		},
		Actor: "pos",
	})

	// Assert: the error reports every short line, not just the first
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortfalls, 2)
	assert.Equal(t, flourID, insufficient.Shortfalls[0].IngredientID)
	assert.True(t, insufficient.Shortfalls[0].Have.Equal(dec("1000")))
	assert.True(t, insufficient.Shortfalls[0].Need.Equal(dec("5000")))
	assert.Equal(t, cheeseID, insufficient.Shortfalls[1].IngredientID)

	// And nothing moved, including the line that had enough stock
	water, err := repo.GetIngredient(context.Background(), waterID)
	require.NoError(t, err)
	assert.True(t, water.StockQuantity.Equal(dec("100000")))

	movements, err := repo.ListMovements(context.Background(), MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestFulfill_MergesDuplicateLines(t *testing.T) {
	// Arrange
	repo := newFakeRepository()
	flourID, _, _, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act: the same ingredient twice collapses into one movement
	result, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason: ReasonInternalConsumption,
		Requirements: []Requirement{
			{IngredientID: flourID, Quantity: dec("100")},
			{IngredientID: flourID, Quantity: dec("150")},
		},
		Actor: "kitchen",
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, result.Movements, 1)
	assert.True(t, result.Movements[0].Quantity.Equal(dec("250")))
}

func TestFulfill_MergedLinesValidateAgainstTheSum(t *testing.T) {
	// 600 + 600 exceeds the 1000 held even though each line alone fits.
	repo := newFakeRepository()
	flourID, _, _, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason: ReasonSale,
		Requirements: []Requirement{
			{IngredientID: flourID, Quantity: dec("600")},
			{IngredientID: flourID, Quantity: dec("600")},
		},
	})

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortfalls, 1)
	assert.True(t, insufficient.Shortfalls[0].Need.Equal(dec("1200")))
}

func TestFulfill_UnknownReason(t *testing.T) {
	repo := newFakeRepository()
	flourID, _, _, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:       "GIFT",
		Requirements: []Requirement{{IngredientID: flourID, Quantity: dec("1")}},
	})

	assert.Error(t, err)
}

func TestFulfill_ProductionConsumesInputsAndStocksOutput(t *testing.T) {
	// Arrange
	repo := newFakeRepository()
	flourID, waterID, _, doughID, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act: two batches of dough
	result, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:     ReasonProduction,
		ProducedID: doughID,
		Batches:    dec("2"),
		Actor:      "kitchen",
	})

	// Assert: inputs consumed per recipe times batches
	require.NoError(t, err)
	flour, err := repo.GetIngredient(context.Background(), flourID)
	require.NoError(t, err)
	assert.True(t, flour.StockQuantity.IsZero(), "got %s", flour.StockQuantity)
	water, err := repo.GetIngredient(context.Background(), waterID)
	require.NoError(t, err)
	assert.True(t, water.StockQuantity.Equal(dec("99600")))

	// Output stocked at declared yield times batches, at the recipe cost
	dough, err := repo.GetIngredient(context.Background(), doughID)
	require.NoError(t, err)
	assert.True(t, dough.StockQuantity.Equal(dec("1400")))
	assert.True(t, result.ProducedQuantity.Equal(dec("1400")))
	assert.True(t, result.ProducedUnitCost.Equal(dec("5").Div(dec("700"))))

	// Ledger holds two exits and one entry
	movements, err := repo.ListMovements(context.Background(), MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	entries, err := repo.ListMovements(context.Background(), MovementFilter{Kind: MovementEntry})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, doughID, entries[0].IngredientID)
	require.NotNil(t, entries[0].UnitCost)
	assert.True(t, entries[0].UnitCost.Equal(dec("5").Div(dec("700"))))
}

func TestFulfill_ProductionShortfallRejected(t *testing.T) {
	// Arrange: three batches need 1500g flour, only 1000 held
	repo := newFakeRepository()
	flourID, _, _, doughID, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act
	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:     ReasonProduction,
		ProducedID: doughID,
		Batches:    dec("3"),
	})

	// Assert
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	dough, err := repo.GetIngredient(context.Background(), doughID)
	require.NoError(t, err)
	assert.True(t, dough.StockQuantity.IsZero(), "no output on a rejected run")
	flour, err := repo.GetIngredient(context.Background(), flourID)
	require.NoError(t, err)
	assert.True(t, flour.StockQuantity.Equal(dec("1000")))
}

func TestFulfill_ProductionNeedsRecipe(t *testing.T) {
	repo := newFakeRepository()
	flourID, _, _, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:     ReasonProduction,
		ProducedID: flourID,
		Batches:    dec("1"),
	})

	assert.ErrorIs(t, err, ErrNotComposite)
}

func TestFulfill_ProductionNeedsPositiveBatches(t *testing.T) {
	repo := newFakeRepository()
	_, _, _, doughID, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:     ReasonProduction,
		ProducedID: doughID,
		Batches:    dec("0"),
	})

	assert.Error(t, err)
}

func TestExpandSaleLines_UsesCurrentGraph(t *testing.T) {
	// Arrange: a pizza sale expands one level, into dough and cheese
	repo := newFakeRepository()
	_, _, cheeseID, doughID, pizzaID := seedPizzeria(repo)
	eng := newTestEngine(t, repo)

	// Act
	reqs, err := eng.ExpandSaleLines(context.Background(), []SaleLine{
		{IngredientID: pizzaID, Quantity: dec("2")},
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, cheeseID, reqs[0].IngredientID)
	assert.True(t, reqs[0].Quantity.Equal(dec("200")))
	assert.Equal(t, doughID, reqs[1].IngredientID)
	assert.True(t, reqs[1].Quantity.Equal(dec("700")))
}

func TestVoidSale_RestoresStockAtCurrentCost(t *testing.T) {
	// Arrange: sell 200g flour first
	repo := newFakeRepository()
	flourID, _, _, _, _ := seedPizzeria(repo)
	eng := newTestEngine(t, repo)
	_, err := eng.Fulfill(context.Background(), FulfillmentRequest{
		Reason:       ReasonSale,
		Requirements: []Requirement{{IngredientID: flourID, Quantity: dec("200")}},
		Actor:        "pos",
	})
	require.NoError(t, err)

	// Act
	movements, err := eng.VoidSale(context.Background(), []Requirement{
		{IngredientID: flourID, Quantity: dec("200")},
	}, "manager", "table 4 voided")

	// Assert: stock back, average unchanged, both ledger sides kept
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, MovementEntry, movements[0].Kind)
	require.NotNil(t, movements[0].UnitCost)
	assert.True(t, movements[0].UnitCost.Equal(dec("0.01")))

	flour, err := repo.GetIngredient(context.Background(), flourID)
	require.NoError(t, err)
	assert.True(t, flour.StockQuantity.Equal(dec("1000")))
	assert.True(t, flour.UnitCost.Equal(dec("0.01")))

	all, err := repo.ListMovements(context.Background(), MovementFilter{IngredientID: flourID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
