package service

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultMovementDays = 30
	movementPageSize    = 100
)

// EventPublisher stages a stock event inside the mutation's transaction.
// Delivery happens only after the transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, tx store.Tx, event *models.StockEvent) error
}

// LevelCache is a read-through cache of committed inventory levels
type LevelCache interface {
	GetLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, bool, error)
	SetLevel(ctx context.Context, level *models.InventoryLevel) error
	DeleteLevel(ctx context.Context, productID, warehouseID string) error
}

// LevelDefaults apply to newly initialized levels
type LevelDefaults struct {
	MinimumThreshold int
	MaximumCapacity  int
}

// StockLedger owns inventory levels and the append-only movement log
type StockLedger struct {
	repo      store.Repository
	publisher EventPublisher
	cache     LevelCache
	defaults  LevelDefaults
	logger    *zap.Logger
	now       func() time.Time
	pageSize  int
}

// NewStockLedger creates a new stock ledger. cache may be nil.
func NewStockLedger(
	repo store.Repository,
	publisher EventPublisher,
	cache LevelCache,
	defaults LevelDefaults,
	logger *zap.Logger,
) *StockLedger {
	return &StockLedger{
		repo:      repo,
		publisher: publisher,
		cache:     cache,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
		pageSize:  movementPageSize,
	}
}

// AdjustRequest describes a manual stock change
type AdjustRequest struct {
	ProductID   string                 `json:"product_id" binding:"required"`
	WarehouseID string                 `json:"warehouse_id" binding:"required"`
	Delta       int                    `json:"quantity" binding:"required"`
	Type        models.MovementType    `json:"type" binding:"required"`
	Reason      string                 `json:"reason,omitempty"`
	Reference   string                 `json:"reference,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AdjustResult is the ledger entry and the level it produced
type AdjustResult struct {
	Movement *models.StockMovement  `json:"movement"`
	Level    *models.InventoryLevel `json:"level"`
}

// LevelUpdate changes any subset of a level's quantity and limits
type LevelUpdate struct {
	Quantity         *int `json:"quantity,omitempty"`
	MinimumThreshold *int `json:"minimum_threshold,omitempty"`
	MaximumCapacity  *int `json:"maximum_capacity,omitempty"`
}

// mutation is one change to a locked level together with its ledger entry
type mutation struct {
	movementType models.MovementType
	delta        int
	quantity     int
	reserved     int
	reference    string
	reason       string
	userID       string
	metadata     map[string]interface{}
}

// InitializeLevel creates the level for a (product, warehouse) key
func (l *StockLedger) InitializeLevel(ctx context.Context, productID, warehouseID string, quantity int, sku string) (*models.InventoryLevel, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.InitializeLevel")
	defer span.End()

	if productID == "" || warehouseID == "" {
		return nil, fmt.Errorf("%w: product_id and warehouse_id are required", models.ErrInvalidArgument)
	}
	if quantity < 0 || quantity > l.defaults.MaximumCapacity {
		return nil, fmt.Errorf("%w: initial quantity %d outside [0, %d]",
			models.ErrInvalidAdjustment, quantity, l.defaults.MaximumCapacity)
	}

	var level *models.InventoryLevel
	err := l.repo.InTx(ctx, func(tx store.Tx) error {
		warehouse, err := tx.GetWarehouse(ctx, warehouseID)
		if err != nil {
			return err
		}
		if !warehouse.IsActive {
			return fmt.Errorf("%w: warehouse %s is inactive", models.ErrNotFound, warehouseID)
		}

		now := l.timestamp(time.Time{})
		level = &models.InventoryLevel{
			ID:               uuid.New().String(),
			ProductID:        productID,
			WarehouseID:      warehouseID,
			Quantity:         quantity,
			Reserved:         0,
			Available:        quantity,
			MinimumThreshold: l.defaults.MinimumThreshold,
			MaximumCapacity:  l.defaults.MaximumCapacity,
			SKU:              models.StringPtr(sku),
			IsActive:         true,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertLevel(ctx, level); err != nil {
			return err
		}

		event := models.NewStockEvent(models.EventTypeStockUpdated, level)
		if quantity > 0 {
			movement, err := newMovement(level, mutation{
				movementType: models.MovementInbound,
				delta:        quantity,
				quantity:     quantity,
				reason:       "Initial stock",
			}, 0, now)
			if err != nil {
				return err
			}
			if err := tx.InsertMovement(ctx, movement); err != nil {
				return err
			}
			event.WithMovement(movement)
		}
		return l.publish(ctx, tx, level, event)
	})
	if err != nil {
		return nil, fmt.Errorf("initialize inventory %s: %w", models.LevelKey(productID, warehouseID), err)
	}

	l.refreshCache(ctx, level)
	l.logger.Info("Inventory initialized",
		zap.String("product_id", productID),
		zap.String("warehouse_id", warehouseID),
		zap.Int("quantity", quantity))
	return level, nil
}

// Adjust applies a signed delta to on-hand quantity and records one movement
func (l *StockLedger) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Adjust",
		attribute.String("product_id", req.ProductID),
		attribute.String("warehouse_id", req.WarehouseID),
		attribute.String("movement_type", string(req.Type)))
	defer span.End()

	if err := validateAdjustment(req); err != nil {
		util.AdjustmentsTotal.WithLabelValues(string(req.Type), "invalid").Inc()
		return nil, err
	}

	result := &AdjustResult{}
	err := l.repo.InTx(ctx, func(tx store.Tx) error {
		level, err := tx.LockLevel(ctx, req.ProductID, req.WarehouseID)
		if err != nil {
			return err
		}

		newQuantity := level.Quantity + req.Delta
		switch {
		case newQuantity < 0:
			return fmt.Errorf("%w: adjustment would result in negative stock (%d %+d)",
				models.ErrInvalidAdjustment, level.Quantity, req.Delta)
		case newQuantity < level.Reserved:
			return fmt.Errorf("%w: adjustment would leave quantity %d below reserved %d",
				models.ErrInvalidAdjustment, newQuantity, level.Reserved)
		case newQuantity > level.MaximumCapacity:
			return fmt.Errorf("%w: adjustment exceeds maximum capacity %d",
				models.ErrInvalidAdjustment, level.MaximumCapacity)
		}

		movement, err := l.applyLocked(ctx, tx, level, mutation{
			movementType: req.Type,
			delta:        req.Delta,
			quantity:     newQuantity,
			reserved:     level.Reserved,
			reference:    req.Reference,
			reason:       req.Reason,
			userID:       req.UserID,
			metadata:     req.Metadata,
		})
		if err != nil {
			return err
		}

		result.Movement = movement
		result.Level = level
		event := models.NewStockEvent(models.EventTypeStockAdjusted, level).WithMovement(movement)
		event.Reason = req.Reason
		return l.publish(ctx, tx, level, event)
	})
	if err != nil {
		util.AdjustmentsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, fmt.Errorf("adjust stock %s: %w", models.LevelKey(req.ProductID, req.WarehouseID), err)
	}

	util.AdjustmentsTotal.WithLabelValues(string(req.Type), "applied").Inc()
	l.refreshCache(ctx, result.Level)
	l.logger.Info("Stock adjusted",
		zap.String("product_id", req.ProductID),
		zap.String("warehouse_id", req.WarehouseID),
		zap.String("type", string(req.Type)),
		zap.Int("delta", req.Delta),
		zap.Int("quantity", result.Level.Quantity))
	return result, nil
}

func validateAdjustment(req AdjustRequest) error {
	if req.ProductID == "" || req.WarehouseID == "" {
		return fmt.Errorf("%w: product_id and warehouse_id are required", models.ErrInvalidArgument)
	}
	if _, err := models.ParseMovementType(string(req.Type)); err != nil {
		return err
	}
	if !req.Type.IsManual() {
		return fmt.Errorf("%w: movement type %q cannot be submitted as an adjustment", models.ErrInvalidArgument, req.Type)
	}
	if req.Delta == 0 {
		return fmt.Errorf("%w: adjustment quantity must be non-zero", models.ErrInvalidArgument)
	}
	switch req.Type {
	case models.MovementInbound, models.MovementReturn:
		if req.Delta < 0 {
			return fmt.Errorf("%w: %s adjustments must be positive", models.ErrInvalidArgument, req.Type)
		}
	case models.MovementOutbound, models.MovementDamage:
		if req.Delta > 0 {
			return fmt.Errorf("%w: %s adjustments must be negative", models.ErrInvalidArgument, req.Type)
		}
	}
	return nil
}

// UpdateLevel overwrites quantity and/or limits. A quantity change is recorded
// as an ADJUSTMENT movement.
func (l *StockLedger) UpdateLevel(ctx context.Context, productID, warehouseID string, upd LevelUpdate) (*models.InventoryLevel, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.UpdateLevel")
	defer span.End()

	for name, v := range map[string]*int{
		"quantity":          upd.Quantity,
		"minimum_threshold": upd.MinimumThreshold,
		"maximum_capacity":  upd.MaximumCapacity,
	} {
		if v != nil && *v < 0 {
			return nil, fmt.Errorf("%w: %s must not be negative", models.ErrInvalidArgument, name)
		}
	}

	var level *models.InventoryLevel
	err := l.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		level, err = tx.LockLevel(ctx, productID, warehouseID)
		if err != nil {
			return err
		}

		if upd.MinimumThreshold != nil {
			level.MinimumThreshold = *upd.MinimumThreshold
		}
		if upd.MaximumCapacity != nil {
			level.MaximumCapacity = *upd.MaximumCapacity
		}

		var event *models.StockEvent
		if upd.Quantity != nil && *upd.Quantity != level.Quantity {
			if *upd.Quantity < level.Reserved {
				return fmt.Errorf("%w: quantity %d below reserved %d", models.ErrInvalidAdjustment, *upd.Quantity, level.Reserved)
			}
			movement, err := l.applyLocked(ctx, tx, level, mutation{
				movementType: models.MovementAdjustment,
				delta:        *upd.Quantity - level.Quantity,
				quantity:     *upd.Quantity,
				reserved:     level.Reserved,
				reason:       "Inventory adjustment",
			})
			if err != nil {
				return err
			}
			event = models.NewStockEvent(models.EventTypeStockUpdated, level).WithMovement(movement)
		} else {
			if err := level.Validate(); err != nil {
				return fmt.Errorf("%w: %v", models.ErrInvalidAdjustment, err)
			}
			level.Version++
			level.UpdatedAt = l.timestamp(level.UpdatedAt)
			if err := tx.UpdateLevel(ctx, level); err != nil {
				return err
			}
			event = models.NewStockEvent(models.EventTypeStockUpdated, level)
		}
		return l.publish(ctx, tx, level, event)
	})
	if err != nil {
		return nil, fmt.Errorf("update inventory %s: %w", models.LevelKey(productID, warehouseID), err)
	}

	l.refreshCache(ctx, level)
	return level, nil
}

// GetLevel returns the current level, consulting the cache first
func (l *StockLedger) GetLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error) {
	if l.cache != nil {
		level, ok, err := l.cache.GetLevel(ctx, productID, warehouseID)
		if err != nil {
			util.CacheRequestsTotal.WithLabelValues("error").Inc()
			l.logger.Warn("Level cache read failed, falling back to DB",
				zap.String("product_id", productID),
				zap.String("warehouse_id", warehouseID),
				zap.Error(err))
		} else if ok {
			util.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return level, nil
		} else {
			util.CacheRequestsTotal.WithLabelValues("miss").Inc()
		}
	}

	level, err := l.repo.GetLevel(ctx, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, level)
	return level, nil
}

// LevelsForProduct returns active levels for a product across warehouses
func (l *StockLedger) LevelsForProduct(ctx context.Context, productID string) ([]models.InventoryLevel, error) {
	return l.repo.ListLevelsByProduct(ctx, productID)
}

// ListLowStock returns active levels at or below their threshold, most urgent first
func (l *StockLedger) ListLowStock(ctx context.Context) ([]models.InventoryLevel, error) {
	levels, err := l.repo.ListLowStock(ctx)
	if err != nil {
		return nil, err
	}
	util.LowStockLevels.Set(float64(len(levels)))
	return levels, nil
}

// ListMovements lazily walks the ledger newest first. The window is fixed when
// ListMovements is called, so ranging over the sequence again restarts it.
func (l *StockLedger) ListMovements(ctx context.Context, productID, warehouseID string, sinceDays int) iter.Seq2[models.StockMovement, error] {
	if sinceDays <= 0 {
		sinceDays = defaultMovementDays
	}
	filter := store.MovementFilter{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Since:       l.now().UTC().AddDate(0, 0, -sinceDays),
	}

	return func(yield func(models.StockMovement, error) bool) {
		var cursor *store.MovementCursor
		for {
			page, err := l.repo.ListMovements(ctx, filter, cursor, l.pageSize)
			if err != nil {
				yield(models.StockMovement{}, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			cursor = store.CursorAfter(&page[len(page)-1])
		}
	}
}

// applyLocked writes the mutated counters of a locked level and appends the
// paired movement. level is updated in place on success.
func (l *StockLedger) applyLocked(ctx context.Context, tx store.Tx, level *models.InventoryLevel, mut mutation) (*models.StockMovement, error) {
	next := *level
	next.Quantity = mut.quantity
	next.Reserved = mut.reserved
	next.Available = mut.quantity - mut.reserved
	next.Version++
	next.UpdatedAt = l.timestamp(level.UpdatedAt)

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidAdjustment, err)
	}

	movement, err := newMovement(&next, mut, level.Quantity, next.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateLevel(ctx, &next); err != nil {
		return nil, err
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, err
	}

	*level = next
	return movement, nil
}

// newMovement builds the ledger entry for a level that already holds its new counters
func newMovement(level *models.InventoryLevel, mut mutation, balanceBefore int, at time.Time) (*models.StockMovement, error) {
	meta := map[string]interface{}{
		"reserved_after":  level.Reserved,
		"available_after": level.Available,
	}
	for k, v := range mut.metadata {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", models.ErrInvalidArgument, err)
	}

	return &models.StockMovement{
		ID:            uuid.New().String(),
		ProductID:     level.ProductID,
		WarehouseID:   level.WarehouseID,
		Type:          mut.movementType,
		Quantity:      mut.delta,
		BalanceBefore: balanceBefore,
		BalanceAfter:  level.Quantity,
		Reference:     models.StringPtr(mut.reference),
		Reason:        models.StringPtr(mut.reason),
		UserID:        models.StringPtr(mut.userID),
		Metadata:      raw,
		CreatedAt:     at,
	}, nil
}

// publish stages the event plus a stock.low alert whenever the mutation leaves
// the level at or below its threshold
func (l *StockLedger) publish(ctx context.Context, tx store.Tx, level *models.InventoryLevel, event *models.StockEvent) error {
	if err := l.publisher.Publish(ctx, tx, event); err != nil {
		return err
	}
	if level.IsLowStock() {
		low := models.NewStockEvent(models.EventTypeStockLow, level)
		if err := l.publisher.Publish(ctx, tx, low); err != nil {
			return err
		}
	}
	return nil
}

// timestamp never runs behind the previous write on the same key, so the
// ledger stays ordered by creation time even if the wall clock steps back.
func (l *StockLedger) timestamp(previous time.Time) time.Time {
	now := l.now().UTC().Truncate(time.Microsecond)
	if now.Before(previous) {
		return previous
	}
	return now
}

func (l *StockLedger) refreshCache(ctx context.Context, level *models.InventoryLevel) {
	if l.cache == nil || level == nil {
		return
	}
	err := l.cache.SetLevel(ctx, level)
	if err == nil {
		return
	}
	l.logger.Warn("Failed to refresh level cache",
		zap.String("product_id", level.ProductID),
		zap.String("warehouse_id", level.WarehouseID),
		zap.Error(err))
	// an older entry would otherwise be served until its TTL runs out
	if err := l.cache.DeleteLevel(ctx, level.ProductID, level.WarehouseID); err != nil {
		l.logger.Warn("Failed to evict level cache entry",
			zap.String("product_id", level.ProductID),
			zap.String("warehouse_id", level.WarehouseID),
			zap.Error(err))
	}
}
