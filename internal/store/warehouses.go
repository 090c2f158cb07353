package store

import (
	"context"
	"fmt"
	"time"

	"inventory-service/internal/models"
)

const insertWarehouseSQL = `
	INSERT INTO warehouses (id, name, city, country, address, latitude, longitude,
		manager, contact_phone, metadata, is_active, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// CreateWarehouse inserts a new warehouse
func (s *Store) CreateWarehouse(ctx context.Context, w *models.Warehouse) error {
	_, err := s.db.ExecContext(ctx, insertWarehouseSQL,
		w.ID, w.Name, w.City, w.Country, w.Address, w.Latitude, w.Longitude,
		w.Manager, w.ContactPhone, jsonOrEmpty(w.Metadata), w.IsActive, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: warehouse %s already exists", models.ErrConflict, w.ID)
	}
	return err
}

// GetWarehouse retrieves a warehouse by ID
func (s *Store) GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.db.GetContext(ctx, &w, "SELECT * FROM warehouses WHERE id = $1", id)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: warehouse %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListActiveWarehouses retrieves all active warehouses
func (s *Store) ListActiveWarehouses(ctx context.Context) ([]models.Warehouse, error) {
	warehouses := []models.Warehouse{}
	err := s.db.SelectContext(ctx, &warehouses,
		"SELECT * FROM warehouses WHERE is_active = TRUE ORDER BY name")
	return warehouses, err
}

// DeactivateWarehouse soft-deletes a warehouse
func (s *Store) DeactivateWarehouse(ctx context.Context, id string, at time.Time) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.db.GetContext(ctx, &w,
		"UPDATE warehouses SET is_active = FALSE, updated_at = $1 WHERE id = $2 RETURNING *", at, id)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: warehouse %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWarehouse reads a warehouse inside the transaction
func (t *pgTx) GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	var w models.Warehouse
	err := t.tx.GetContext(ctx, &w, "SELECT * FROM warehouses WHERE id = $1", id)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: warehouse %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
