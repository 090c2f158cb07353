package store

import (
	"context"
	"time"

	"inventory-service/internal/models"
)

// MovementFilter scopes a ledger query
type MovementFilter struct {
	ProductID   string
	WarehouseID string
	Since       time.Time
}

// MovementCursor is the keyset position of the last movement read.
// Pages are ordered by (created_at, seq) descending.
type MovementCursor struct {
	CreatedAt time.Time
	Seq       int64
}

// CursorAfter returns the cursor positioned at m
func CursorAfter(m *models.StockMovement) *MovementCursor {
	return &MovementCursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

// Repository is the persistence contract shared by the Postgres store and memstore.
// Methods outside of InTx read committed state only.
type Repository interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateWarehouse(ctx context.Context, w *models.Warehouse) error
	GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error)
	ListActiveWarehouses(ctx context.Context) ([]models.Warehouse, error)
	DeactivateWarehouse(ctx context.Context, id string, at time.Time) (*models.Warehouse, error)

	GetLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error)
	ListLevelsByProduct(ctx context.Context, productID string) ([]models.InventoryLevel, error)
	ListLowStock(ctx context.Context) ([]models.InventoryLevel, error)
	ListMovements(ctx context.Context, f MovementFilter, after *MovementCursor, limit int) ([]models.StockMovement, error)

	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)

	ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Tx is a unit of work. Every level mutation and its ledger, reservation and
// outbox writes go through one Tx so they commit or roll back together.
type Tx interface {
	GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error)

	// LockLevel reads the level and holds its row lock until the Tx ends.
	LockLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error)
	InsertLevel(ctx context.Context, level *models.InventoryLevel) error
	UpdateLevel(ctx context.Context, level *models.InventoryLevel) error

	InsertMovement(ctx context.Context, m *models.StockMovement) error

	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	InsertReservation(ctx context.Context, r *models.Reservation) error
	// TransitionReservation persists r's new status only if the stored status is
	// still from. Otherwise it returns models.ErrInvalidState.
	TransitionReservation(ctx context.Context, r *models.Reservation, from models.ReservationStatus) error

	InsertOutbox(ctx context.Context, e *models.OutboxEvent) error
}
