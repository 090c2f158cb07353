package models

import (
	"time"

	"github.com/google/uuid"
)

// Stock event types published by this service
const (
	EventTypeStockUpdated   = "stock.updated"
	EventTypeStockReserved  = "stock.reserved"
	EventTypeStockConfirmed = "stock.confirmed"
	EventTypeStockReleased  = "stock.released"
	EventTypeStockAdjusted  = "stock.adjusted"
	EventTypeStockLow       = "stock.low"
)

// Order event types consumed from the order orchestrator
const (
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypePaymentSuccess = "PAYMENT_SUCCESS"
	EventTypePaymentFailed  = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// StockEvent announces a committed change to an inventory level
type StockEvent struct {
	BaseEvent
	ProductID     string            `json:"product_id"`
	WarehouseID   string            `json:"warehouse_id"`
	Quantity      int               `json:"quantity"`
	Reserved      int               `json:"reserved"`
	Available     int               `json:"available"`
	Threshold     int               `json:"minimum_threshold"`
	Delta         int               `json:"delta,omitempty"`
	MovementType  MovementType      `json:"movement_type,omitempty"`
	ReservationID string            `json:"reservation_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	Status        ReservationStatus `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// NewStockEvent snapshots the resulting quantities of a level
func NewStockEvent(eventType string, level *InventoryLevel) *StockEvent {
	return &StockEvent{
		BaseEvent:   NewBaseEvent(eventType),
		ProductID:   level.ProductID,
		WarehouseID: level.WarehouseID,
		Quantity:    level.Quantity,
		Reserved:    level.Reserved,
		Available:   level.Available,
		Threshold:   level.MinimumThreshold,
	}
}

// WithReservation attaches reservation details
func (e *StockEvent) WithReservation(r *Reservation) *StockEvent {
	e.ReservationID = r.ID
	e.OrderID = r.OrderID
	e.Status = r.Status
	if r.Reason != nil {
		e.Reason = *r.Reason
	}
	return e
}

// WithMovement attaches the ledger delta
func (e *StockEvent) WithMovement(m *StockMovement) *StockEvent {
	e.Delta = m.Quantity
	e.MovementType = m.Type
	return e
}

// AggregateKey is the partition key for the event
func (e *StockEvent) AggregateKey() string {
	return LevelKey(e.ProductID, e.WarehouseID)
}

// OrderEvent is the subset of order orchestrator events this service reacts to
type OrderEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}
