package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WarehouseRegistry manages stock-holding facilities
type WarehouseRegistry struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewWarehouseRegistry creates a new warehouse registry
func NewWarehouseRegistry(repo store.Repository, logger *zap.Logger) *WarehouseRegistry {
	return &WarehouseRegistry{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// CreateWarehouseRequest represents a request to register a warehouse
type CreateWarehouseRequest struct {
	Name         string                 `json:"name" binding:"required"`
	City         string                 `json:"city" binding:"required"`
	Country      string                 `json:"country" binding:"required"`
	Address      *string                `json:"address,omitempty"`
	Latitude     *float64               `json:"latitude,omitempty"`
	Longitude    *float64               `json:"longitude,omitempty"`
	Manager      *string                `json:"manager,omitempty"`
	ContactPhone *string                `json:"contact_phone,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Create registers a new active warehouse
func (r *WarehouseRegistry) Create(ctx context.Context, req CreateWarehouseRequest) (*models.Warehouse, error) {
	ctx, span := util.StartSpan(ctx, "WarehouseRegistry.Create")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	city := strings.TrimSpace(req.City)
	country := strings.TrimSpace(req.Country)
	if name == "" || city == "" || country == "" {
		return nil, fmt.Errorf("%w: name, city and country are required", models.ErrInvalidArgument)
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90) {
		return nil, fmt.Errorf("%w: latitude out of range", models.ErrInvalidArgument)
	}
	if req.Longitude != nil && (*req.Longitude < -180 || *req.Longitude > 180) {
		return nil, fmt.Errorf("%w: longitude out of range", models.ErrInvalidArgument)
	}

	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", models.ErrInvalidArgument, err)
		}
		metadata = raw
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	w := &models.Warehouse{
		ID:           uuid.New().String(),
		Name:         name,
		City:         city,
		Country:      country,
		Address:      req.Address,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Manager:      req.Manager,
		ContactPhone: req.ContactPhone,
		Metadata:     metadata,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.repo.CreateWarehouse(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create warehouse: %w", err)
	}

	r.logger.Info("Warehouse created", zap.String("warehouse_id", w.ID), zap.String("name", w.Name))
	return w, nil
}

// Get returns a warehouse by id, active or not
func (r *WarehouseRegistry) Get(ctx context.Context, id string) (*models.Warehouse, error) {
	return r.repo.GetWarehouse(ctx, id)
}

// List returns active warehouses ordered by name
func (r *WarehouseRegistry) List(ctx context.Context) ([]models.Warehouse, error) {
	return r.repo.ListActiveWarehouses(ctx)
}

// Deactivate soft-deletes a warehouse. Existing levels and reservations are untouched.
func (r *WarehouseRegistry) Deactivate(ctx context.Context, id string) (*models.Warehouse, error) {
	ctx, span := util.StartSpan(ctx, "WarehouseRegistry.Deactivate")
	defer span.End()

	w, err := r.repo.DeactivateWarehouse(ctx, id, r.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return nil, err
	}
	r.logger.Info("Warehouse deactivated", zap.String("warehouse_id", id))
	return w, nil
}
