package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Warehouse represents a stock-holding facility
type Warehouse struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	City         string          `db:"city" json:"city"`
	Country      string          `db:"country" json:"country"`
	Address      *string         `db:"address" json:"address,omitempty"`
	Latitude     *float64        `db:"latitude" json:"latitude,omitempty"`
	Longitude    *float64        `db:"longitude" json:"longitude,omitempty"`
	Manager      *string         `db:"manager" json:"manager,omitempty"`
	ContactPhone *string         `db:"contact_phone" json:"contact_phone,omitempty"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	IsActive     bool            `db:"is_active" json:"is_active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// InventoryLevel represents stock of one product at one warehouse
type InventoryLevel struct {
	ID               string    `db:"id" json:"id"`
	ProductID        string    `db:"product_id" json:"product_id"`
	WarehouseID      string    `db:"warehouse_id" json:"warehouse_id"`
	Quantity         int       `db:"quantity" json:"quantity"`
	Reserved         int       `db:"reserved" json:"reserved"`
	Available        int       `db:"available" json:"available"`
	MinimumThreshold int       `db:"minimum_threshold" json:"minimum_threshold"`
	MaximumCapacity  int       `db:"maximum_capacity" json:"maximum_capacity"`
	SKU              *string   `db:"sku" json:"sku,omitempty"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	Version          int64     `db:"version" json:"version"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Key returns the aggregate key used for event partitioning and caching
func (l *InventoryLevel) Key() string {
	return LevelKey(l.ProductID, l.WarehouseID)
}

// Validate checks available == quantity - reserved and 0 <= reserved <= quantity <= capacity
func (l *InventoryLevel) Validate() error {
	if l.Available != l.Quantity-l.Reserved {
		return fmt.Errorf("available %d does not match quantity %d - reserved %d", l.Available, l.Quantity, l.Reserved)
	}
	if l.Reserved < 0 || l.Reserved > l.Quantity || l.Quantity > l.MaximumCapacity {
		return fmt.Errorf("level out of bounds: reserved=%d quantity=%d capacity=%d", l.Reserved, l.Quantity, l.MaximumCapacity)
	}
	return nil
}

// IsLowStock reports whether the level should be flagged for replenishment
func (l *InventoryLevel) IsLowStock() bool {
	return l.IsActive && l.Available <= l.MinimumThreshold
}

// LevelKey builds the "product:warehouse" aggregate key
func LevelKey(productID, warehouseID string) string {
	return productID + ":" + warehouseID
}

// Reservation is a time-bounded hold against available stock
type Reservation struct {
	ID          string            `db:"id" json:"id"`
	OrderID     string            `db:"order_id" json:"order_id"`
	ProductID   string            `db:"product_id" json:"product_id"`
	WarehouseID string            `db:"warehouse_id" json:"warehouse_id"`
	Quantity    int               `db:"quantity" json:"quantity"`
	Status      ReservationStatus `db:"status" json:"status"`
	ExpiresAt   time.Time         `db:"expires_at" json:"expires_at"`
	ConfirmedAt *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Reason      *string           `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// ReservationStatus is the reservation lifecycle state
type ReservationStatus string

// Reservation statuses
const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// IsTerminal reports whether no further transition is permitted
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationConfirmed || s == ReservationCancelled || s == ReservationExpired
}

// MovementType classifies a stock movement
type MovementType string

// Stock movement types
const (
	MovementInbound     MovementType = "inbound"
	MovementOutbound    MovementType = "outbound"
	MovementReturn      MovementType = "return"
	MovementAdjustment  MovementType = "adjustment"
	MovementDamage      MovementType = "damage"
	MovementReservation MovementType = "reservation"
	MovementRelease     MovementType = "release"
)

// ParseMovementType validates a movement type string
func ParseMovementType(s string) (MovementType, error) {
	switch t := MovementType(s); t {
	case MovementInbound, MovementOutbound, MovementReturn, MovementAdjustment,
		MovementDamage, MovementReservation, MovementRelease:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown movement type %q", ErrInvalidArgument, s)
}

// IsManual reports whether callers may submit this type as an adjustment.
// Reservation and release movements are written only by the reservation lifecycle.
func (t MovementType) IsManual() bool {
	switch t {
	case MovementInbound, MovementOutbound, MovementReturn, MovementAdjustment, MovementDamage:
		return true
	}
	return false
}

// StockMovement is an append-only ledger entry.
// BalanceBefore/BalanceAfter track on-hand quantity.
type StockMovement struct {
	ID            string          `db:"id" json:"id"`
	Seq           int64           `db:"seq" json:"seq"`
	ProductID     string          `db:"product_id" json:"product_id"`
	WarehouseID   string          `db:"warehouse_id" json:"warehouse_id"`
	Type          MovementType    `db:"type" json:"type"`
	Quantity      int             `db:"quantity" json:"quantity"`
	BalanceBefore int             `db:"balance_before" json:"balance_before"`
	BalanceAfter  int             `db:"balance_after" json:"balance_after"`
	Reference     *string         `db:"reference" json:"reference,omitempty"`
	Reason        *string         `db:"reason" json:"reason,omitempty"`
	UserID        *string         `db:"user_id" json:"user_id,omitempty"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// OutboxEvent is a staged event awaiting publication
type OutboxEvent struct {
	ID           int64           `db:"id" json:"id"`
	EventID      string          `db:"event_id" json:"event_id"`
	EventType    string          `db:"event_type" json:"event_type"`
	AggregateKey string          `db:"aggregate_key" json:"aggregate_key"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Attempts     int             `db:"attempts" json:"attempts"`
	LastError    *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	PublishedAt  *time.Time      `db:"published_at" json:"published_at,omitempty"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// StringPtr returns nil for empty strings
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
