package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dicatia/inventory-engine/internal/engine"
	"github.com/dicatia/inventory-engine/internal/rates"
)

// Handler wires the HTTP surface to the engine use cases.
type Handler struct {
	engine *engine.Engine
	rates  *rates.Fetcher
	log    *logrus.Logger
	tracer trace.Tracer
}

func NewHandler(eng *engine.Engine, ratesFetcher *rates.Fetcher, log *logrus.Logger) *Handler {
	return &Handler{
		engine: eng,
		rates:  ratesFetcher,
		log:    log,
		tracer: otel.Tracer("inventory-engine/api"),
	}
}

// Register mounts every route on the given router group.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	{
		api.GET("/units", h.ListUnits)

		api.POST("/ingredients", h.CreateIngredient)
		api.GET("/ingredients", h.ListIngredients)
		api.GET("/ingredients/:id", h.GetIngredient)
		api.PUT("/ingredients/:id", h.UpdateIngredient)

		api.GET("/recipes/edges", h.ListEdges)
		api.POST("/recipes/edges", h.AddEdge)
		api.DELETE("/recipes/:parent/edges/:child", h.RemoveEdge)

		api.POST("/movements/entries", h.RecordEntry)
		api.POST("/movements/adjustments", h.RecordAdjustment)
		api.GET("/movements", h.ListMovements)

		api.POST("/fulfillments", h.Fulfill)
		api.POST("/sales", h.RecordSale)
		api.POST("/sales/void", h.VoidSale)

		api.GET("/reports/inventory", h.InventoryReport)
	}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) ListUnits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"units": h.engine.Units().List()})
}

func (h *Handler) CreateIngredient(c *gin.Context) {
	var ing engine.Ingredient
	if err := c.ShouldBindJSON(&ing); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.CreateIngredient(c.Request.Context(), &ing); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ing)
}

func (h *Handler) ListIngredients(c *gin.Context) {
	ings, err := h.engine.ListIngredients(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ingredients": ings})
}

func (h *Handler) GetIngredient(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ing, err := h.engine.GetIngredient(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ing)
}

func (h *Handler) UpdateIngredient(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var ing engine.Ingredient
	if err := c.ShouldBindJSON(&ing); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ing.ID = id

	if err := h.engine.UpdateIngredientMaster(c.Request.Context(), &ing); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ing)
}

func (h *Handler) ListEdges(c *gin.Context) {
	edges, err := h.engine.ListEdges(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

func (h *Handler) AddEdge(c *gin.Context) {
	var edge engine.CompositionEdge
	if err := c.ShouldBindJSON(&edge); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.AddEdge(c.Request.Context(), edge); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

func (h *Handler) RemoveEdge(c *gin.Context) {
	parentID, err := pathID(c, "parent")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	childID, err := pathID(c, "child")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.RemoveEdge(c.Request.Context(), parentID, childID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "removed"})
}

func (h *Handler) RecordEntry(c *gin.Context) {
	var req engine.EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	movement, ing, err := h.engine.RecordEntry(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement": movement, "ingredient": ing})
}

func (h *Handler) RecordAdjustment(c *gin.Context) {
	var req engine.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	movement, ing, err := h.engine.RecordAdjustment(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement": movement, "ingredient": ing})
}

func (h *Handler) ListMovements(c *gin.Context) {
	filter, err := movementFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	movements, err := h.engine.ListMovements(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

// Fulfill runs one atomic multi-line withdrawal: production runs and internal
// consumption submit explicit requirements here. Sales go through RecordSale.
func (h *Handler) Fulfill(c *gin.Context) {
	var req engine.FulfillmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.engine.Fulfill(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type saleRequest struct {
	Lines []engine.SaleLine `json:"lines"`
	Actor string            `json:"actor"`
	Note  string            `json:"note"`
}

// RecordSale expands POS sale lines into stock requirements and fulfills
// them atomically.
func (h *Handler) RecordSale(c *gin.Context) {
	var req saleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sale needs at least one line"})
		return
	}

	ctx := c.Request.Context()
	requirements, err := h.engine.ExpandSaleLines(ctx, req.Lines)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.engine.Fulfill(ctx, engine.FulfillmentRequest{
		Reason:       engine.ReasonSale,
		Requirements: requirements,
		Actor:        req.Actor,
		Note:         req.Note,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type voidSaleRequest struct {
	Lines []engine.Requirement `json:"lines"`
	Actor string               `json:"actor"`
	Note  string               `json:"note"`
}

// VoidSale returns the stock a voided sale consumed, valued at current
// average cost.
func (h *Handler) VoidSale(c *gin.Context) {
	var req voidSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "void needs at least one line"})
		return
	}

	movements, err := h.engine.VoidSale(c.Request.Context(), req.Lines, req.Actor, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movements": movements})
}

// InventoryReport returns a valuation snapshot: per-ingredient stock value at
// current average cost, low-stock flags, and totals. When the exchange rate
// is reachable the grand total is also given in local currency.
func (h *Handler) InventoryReport(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "api.inventory_report")
	defer span.End()

	report, err := h.engine.InventoryValuation(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gin.H{
		"ingredients": report.Lines,
		"total_value": report.TotalValue,
	}
	if rate, err := h.rates.Rate(ctx); err == nil {
		resp["exchange_rate"] = rate
		resp["total_value_local"] = report.TotalValue.Mul(rate)
	} else {
		h.log.WithError(err).Warn("inventory report served without exchange rate")
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps engine errors onto HTTP statuses. Shortfalls and stock
// anomalies are conflicts with a structured body so the caller can render
// the full list of blocking lines.
func (h *Handler) respondError(c *gin.Context, err error) {
	var insufficient *engine.InsufficientStockError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "insufficient stock",
			"shortfalls": insufficient.Shortfalls,
		})
		return
	}

	var anomaly *engine.NegativeStockAnomalyError
	if errors.As(err, &anomaly) {
		c.JSON(http.StatusConflict, gin.H{
			"error":         err.Error(),
			"ingredient_id": anomaly.IngredientID,
			"have":          anomaly.Have,
			"requested":     anomaly.Requested,
		})
		return
	}

	switch {
	case errors.Is(err, engine.ErrIngredientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownUnit),
		errors.Is(err, engine.ErrSelfReference),
		errors.Is(err, engine.ErrCycleDetected),
		errors.Is(err, engine.ErrInvalidWastePercent),
		errors.Is(err, engine.ErrInvalidPackageSize),
		errors.Is(err, engine.ErrNotComposite):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func movementFilter(c *gin.Context) (engine.MovementFilter, error) {
	var f engine.MovementFilter
	if v := c.Query("ingredient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, err
		}
		f.IngredientID = id
	}
	f.Kind = c.Query("kind")
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.To = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}
