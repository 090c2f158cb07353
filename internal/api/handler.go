package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultMovementLimit = 100
	maxMovementLimit     = 1000
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	ledger       *service.StockLedger
	reservations *service.ReservationManager
	warehouses   *service.WarehouseRegistry
	checks       map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	ledger *service.StockLedger,
	reservations *service.ReservationManager,
	warehouses *service.WarehouseRegistry,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ledger:       ledger,
		reservations: reservations,
		warehouses:   warehouses,
		checks:       make(map[string]Pinger),
		logger:       logger,
	}
}

// AddReadinessCheck registers a dependency that must answer Ping for /health/ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// SetupRoutes sets up HTTP routes. limiter may be nil.
func (h *Handler) SetupRoutes(router *gin.Engine, limiter *RateLimiter) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/health/ready", h.readinessCheck)
	router.GET("/health/live", h.livenessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1/inventory")
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	{
		v1.POST("/warehouses", h.createWarehouse)
		v1.GET("/warehouses", h.listWarehouses)
		v1.GET("/warehouses/:id", h.getWarehouse)
		v1.DELETE("/warehouses/:id", h.deactivateWarehouse)

		v1.POST("/levels/initialize", h.initializeLevel)
		v1.GET("/levels/product/:productId", h.levelsForProduct)
		v1.GET("/levels/:productId/:warehouseId", h.getLevel)
		v1.PUT("/levels/:productId/:warehouseId", h.updateLevel)

		v1.POST("/reservations/reserve", h.reserve)
		v1.POST("/reservations/confirm", h.confirm)
		v1.POST("/reservations/cancel", h.cancel)
		v1.GET("/reservations/order/:orderId", h.reservationsByOrder)
		v1.GET("/reservations/:id", h.getReservation)

		v1.POST("/adjustments", h.adjust)
		v1.GET("/low-stock", h.lowStock)
		v1.GET("/movements/:productId", h.movements)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": results,
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"time":   time.Now().Unix(),
	})
}

// Warehouses

func (h *Handler) createWarehouse(c *gin.Context) {
	var req service.CreateWarehouseRequest
	if !bindJSON(c, &req) {
		return
	}

	w, err := h.warehouses.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	created(c, w)
}

func (h *Handler) listWarehouses(c *gin.Context) {
	list, err := h.warehouses.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	okList(c, list, len(list))
}

func (h *Handler) getWarehouse(c *gin.Context) {
	w, err := h.warehouses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, w)
}

func (h *Handler) deactivateWarehouse(c *gin.Context) {
	w, err := h.warehouses.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, w)
}

// Levels

type initializeLevelRequest struct {
	ProductID   string `json:"product_id" binding:"required"`
	WarehouseID string `json:"warehouse_id" binding:"required"`
	Quantity    int    `json:"quantity"`
	SKU         string `json:"sku,omitempty"`
}

func (h *Handler) initializeLevel(c *gin.Context) {
	var req initializeLevelRequest
	if !bindJSON(c, &req) {
		return
	}

	level, err := h.ledger.InitializeLevel(c.Request.Context(), req.ProductID, req.WarehouseID, req.Quantity, req.SKU)
	if err != nil {
		h.respondError(c, err)
		return
	}
	created(c, level)
}

func (h *Handler) getLevel(c *gin.Context) {
	level, err := h.ledger.GetLevel(c.Request.Context(), c.Param("productId"), c.Param("warehouseId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, level)
}

func (h *Handler) levelsForProduct(c *gin.Context) {
	levels, err := h.ledger.LevelsForProduct(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	okList(c, levels, len(levels))
}

func (h *Handler) updateLevel(c *gin.Context) {
	var req service.LevelUpdate
	if !bindJSON(c, &req) {
		return
	}

	level, err := h.ledger.UpdateLevel(c.Request.Context(), c.Param("productId"), c.Param("warehouseId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, level)
}

// Reservations

func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if !bindJSON(c, &req) {
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	r, err := h.reservations.Reserve(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	created(c, r)
}

type confirmRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
}

// confirm is safe to retry: an already confirmed reservation is returned as is
func (h *Handler) confirm(c *gin.Context) {
	var req confirmRequest
	if !bindJSON(c, &req) {
		return
	}

	r, replayed, err := h.reservations.EnsureConfirmed(c.Request.Context(), req.ReservationID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": r, "replayed": replayed})
}

func (h *Handler) cancel(c *gin.Context) {
	var req service.CancelRequest
	if !bindJSON(c, &req) {
		return
	}

	r, replayed, err := h.reservations.EnsureCancelled(c.Request.Context(), req.ReservationID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": r, "replayed": replayed})
}

func (h *Handler) reservationsByOrder(c *gin.Context) {
	list, err := h.reservations.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	okList(c, list, len(list))
}

func (h *Handler) getReservation(c *gin.Context) {
	r, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, r)
}

// Adjustments and reporting

func (h *Handler) adjust(c *gin.Context) {
	var req service.AdjustRequest
	if !bindJSON(c, &req) {
		return
	}
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		req.UserID = userID
	}

	result, err := h.ledger.Adjust(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	created(c, result)
}

func (h *Handler) lowStock(c *gin.Context) {
	levels, err := h.ledger.ListLowStock(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	okList(c, levels, len(levels))
}

// movements drains the lazy history up to limit entries
func (h *Handler) movements(c *gin.Context) {
	days, err := queryInt(c, "days", 30)
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultMovementLimit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if limit <= 0 || limit > maxMovementLimit {
		limit = maxMovementLimit
	}

	out := make([]models.StockMovement, 0)
	for m, err := range h.ledger.ListMovements(c.Request.Context(), c.Param("productId"), c.Query("warehouseId"), days) {
		if err != nil {
			h.respondError(c, err)
			return
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	okList(c, out, len(out))
}

// Responses

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func okList(c *gin.Context, data interface{}, total int) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data, "total": total})
}

func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "INVALID_ARGUMENT",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidArgument, key)
	}
	return v, nil
}

// respondError maps the error taxonomy onto HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"details": err.Error(),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, models.ErrInvalidAdjustment):
		return http.StatusUnprocessableEntity, "INVALID_ADJUSTMENT"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
