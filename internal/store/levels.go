package store

import (
	"context"
	"fmt"

	"inventory-service/internal/models"
)

// GetLevel retrieves the inventory level for a product at a warehouse
func (s *Store) GetLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error) {
	var level models.InventoryLevel
	err := s.db.GetContext(ctx, &level,
		"SELECT * FROM inventory_levels WHERE product_id = $1 AND warehouse_id = $2",
		productID, warehouseID)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: inventory level %s", models.ErrNotFound, models.LevelKey(productID, warehouseID))
	}
	if err != nil {
		return nil, err
	}
	return &level, nil
}

// ListLevelsByProduct retrieves active levels for a product across warehouses
func (s *Store) ListLevelsByProduct(ctx context.Context, productID string) ([]models.InventoryLevel, error) {
	levels := []models.InventoryLevel{}
	err := s.db.SelectContext(ctx, &levels,
		"SELECT * FROM inventory_levels WHERE product_id = $1 AND is_active = TRUE ORDER BY warehouse_id",
		productID)
	return levels, err
}

// ListLowStock retrieves active levels at or below their threshold, most urgent first
func (s *Store) ListLowStock(ctx context.Context) ([]models.InventoryLevel, error) {
	levels := []models.InventoryLevel{}
	err := s.db.SelectContext(ctx, &levels, `
		SELECT * FROM inventory_levels
		WHERE available <= minimum_threshold AND is_active = TRUE
		ORDER BY available ASC, product_id, warehouse_id`)
	return levels, err
}

// LockLevel reads a level with FOR UPDATE, holding the row lock until commit
func (t *pgTx) LockLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error) {
	var level models.InventoryLevel
	err := t.tx.GetContext(ctx, &level,
		"SELECT * FROM inventory_levels WHERE product_id = $1 AND warehouse_id = $2 FOR UPDATE",
		productID, warehouseID)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: inventory level %s", models.ErrNotFound, models.LevelKey(productID, warehouseID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}
	return &level, nil
}

// InsertLevel creates a level; the unique (product_id, warehouse_id) key maps to ErrConflict
func (t *pgTx) InsertLevel(ctx context.Context, level *models.InventoryLevel) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_levels (id, product_id, warehouse_id, quantity, reserved, available,
			minimum_threshold, maximum_capacity, sku, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		level.ID, level.ProductID, level.WarehouseID, level.Quantity, level.Reserved, level.Available,
		level.MinimumThreshold, level.MaximumCapacity, level.SKU, level.IsActive, level.Version,
		level.CreatedAt, level.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: inventory level already exists for %s", models.ErrConflict, level.Key())
	}
	return err
}

// UpdateLevel writes the mutable counters of a locked level
func (t *pgTx) UpdateLevel(ctx context.Context, level *models.InventoryLevel) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_levels
		SET quantity = $1, reserved = $2, available = $3, minimum_threshold = $4,
			maximum_capacity = $5, version = $6, updated_at = $7
		WHERE id = $8`,
		level.Quantity, level.Reserved, level.Available, level.MinimumThreshold,
		level.MaximumCapacity, level.Version, level.UpdatedAt, level.ID)
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}
	return nil
}
