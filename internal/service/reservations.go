package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultCancelReason = "Cancelled by user"

// IdempotencyStore remembers which reservation a client key produced
type IdempotencyStore interface {
	// Claim marks key as in flight. If the key was already claimed it returns
	// the stored value (empty while the first request is still running).
	Claim(ctx context.Context, key string) (existing string, claimed bool, err error)
	Complete(ctx context.Context, key, value string) error
	Release(ctx context.Context, key string) error
}

// ReservationManager drives the reservation lifecycle against the stock ledger
type ReservationManager struct {
	repo        store.Repository
	ledger      *StockLedger
	idempotency IdempotencyStore
	logger      *zap.Logger
}

// NewReservationManager creates a new reservation manager. idempotency may be nil.
func NewReservationManager(repo store.Repository, ledger *StockLedger, idempotency IdempotencyStore, logger *zap.Logger) *ReservationManager {
	return &ReservationManager{
		repo:        repo,
		ledger:      ledger,
		idempotency: idempotency,
		logger:      logger,
	}
}

// ReserveRequest represents a request to hold stock for an order
type ReserveRequest struct {
	OrderID        string    `json:"order_id" binding:"required"`
	ProductID      string    `json:"product_id" binding:"required"`
	WarehouseID    string    `json:"warehouse_id" binding:"required"`
	Quantity       int       `json:"quantity" binding:"required,min=1"`
	ExpiresAt      time.Time `json:"expires_at" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// CancelRequest carries an optional cancellation reason
type CancelRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
	Reason        string `json:"reason,omitempty"`
}

// Reserve holds quantity units of available stock until ExpiresAt
func (m *ReservationManager) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Reserve",
		attribute.String("order_id", req.OrderID),
		attribute.String("product_id", req.ProductID),
		attribute.String("warehouse_id", req.WarehouseID))
	defer span.End()

	if req.IdempotencyKey == "" || m.idempotency == nil {
		return m.reserve(ctx, req)
	}

	existing, claimed, err := m.idempotency.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		m.logger.Warn("Idempotency store unavailable, reserving without replay protection",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return m.reserve(ctx, req)
	}
	if !claimed {
		if existing == "" {
			return nil, fmt.Errorf("%w: request %s is already in progress", models.ErrConflict, req.IdempotencyKey)
		}
		m.logger.Info("Duplicate reserve request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("reservation_id", existing))
		util.ReservationsTotal.WithLabelValues("replayed").Inc()
		return m.repo.GetReservation(ctx, existing)
	}

	reservation, err := m.reserve(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		if relErr := m.idempotency.Release(ctx, req.IdempotencyKey); relErr != nil {
			m.logger.Warn("Failed to release idempotency key", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(relErr))
		}
		return nil, err
	}
	if err := m.idempotency.Complete(ctx, req.IdempotencyKey, reservation.ID); err != nil {
		m.logger.Warn("Failed to record idempotency key", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
	}
	return reservation, nil
}

func (m *ReservationManager) reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if req.OrderID == "" || req.ProductID == "" || req.WarehouseID == "" {
		util.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: order_id, product_id and warehouse_id are required", models.ErrInvalidArgument)
	}
	if req.Quantity < 1 {
		util.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: quantity must be at least 1", models.ErrInvalidArgument)
	}
	if !req.ExpiresAt.After(m.ledger.now()) {
		util.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: expires_at must be in the future", models.ErrInvalidArgument)
	}

	var (
		reservation *models.Reservation
		level       *models.InventoryLevel
	)
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		level, err = tx.LockLevel(ctx, req.ProductID, req.WarehouseID)
		if err != nil {
			return err
		}
		if !level.IsActive {
			return fmt.Errorf("%w: inventory %s is inactive", models.ErrNotFound, level.Key())
		}
		if level.Available < req.Quantity {
			return fmt.Errorf("%w: requested %d, available %d", models.ErrInsufficientStock, req.Quantity, level.Available)
		}

		reservation = &models.Reservation{
			ID:          uuid.New().String(),
			OrderID:     req.OrderID,
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			Quantity:    req.Quantity,
			Status:      models.ReservationActive,
			ExpiresAt:   req.ExpiresAt.UTC(),
		}

		movement, err := m.ledger.applyLocked(ctx, tx, level, mutation{
			movementType: models.MovementReservation,
			delta:        -req.Quantity,
			quantity:     level.Quantity,
			reserved:     level.Reserved + req.Quantity,
			reference:    reservation.ID,
			reason:       "Reserved for order " + req.OrderID,
			metadata:     map[string]interface{}{"order_id": req.OrderID},
		})
		if err != nil {
			return err
		}

		reservation.CreatedAt = movement.CreatedAt
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return err
		}

		event := models.NewStockEvent(models.EventTypeStockReserved, level).
			WithMovement(movement).
			WithReservation(reservation)
		return m.ledger.publish(ctx, tx, level, event)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, models.ErrInsufficientStock) {
			result = "insufficient_stock"
		} else if errors.Is(err, models.ErrNotFound) {
			result = "not_found"
		}
		util.ReservationsTotal.WithLabelValues(result).Inc()
		return nil, fmt.Errorf("reserve %s: %w", models.LevelKey(req.ProductID, req.WarehouseID), err)
	}

	util.ReservationsTotal.WithLabelValues("reserved").Inc()
	m.ledger.refreshCache(ctx, level)
	m.logger.Info("Stock reserved",
		zap.String("reservation_id", reservation.ID),
		zap.String("order_id", req.OrderID),
		zap.String("product_id", req.ProductID),
		zap.String("warehouse_id", req.WarehouseID),
		zap.Int("quantity", req.Quantity))
	return reservation, nil
}

// Confirm converts the hold into a sale, deducting on-hand stock
func (m *ReservationManager) Confirm(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Confirm", attribute.String("reservation_id", id))
	defer span.End()

	r, err := m.transition(ctx, id, models.ReservationConfirmed, "")
	util.RecordError(span, err)
	return r, err
}

// Cancel releases the hold back to available stock
func (m *ReservationManager) Cancel(ctx context.Context, id, reason string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Cancel", attribute.String("reservation_id", id))
	defer span.End()

	if reason == "" {
		reason = defaultCancelReason
	}
	r, err := m.transition(ctx, id, models.ReservationCancelled, reason)
	util.RecordError(span, err)
	return r, err
}

// Expire releases a hold whose deadline has passed
func (m *ReservationManager) Expire(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Expire", attribute.String("reservation_id", id))
	defer span.End()

	r, err := m.transition(ctx, id, models.ReservationExpired, "expired")
	util.RecordError(span, err)
	return r, err
}

// EnsureConfirmed confirms the reservation, treating an already confirmed one as success.
// replayed reports whether the reservation was confirmed before this call.
func (m *ReservationManager) EnsureConfirmed(ctx context.Context, id string) (r *models.Reservation, replayed bool, err error) {
	return m.ensure(ctx, id, models.ReservationConfirmed, func() (*models.Reservation, error) {
		return m.Confirm(ctx, id)
	})
}

// EnsureCancelled cancels the reservation, treating an already cancelled one as success
func (m *ReservationManager) EnsureCancelled(ctx context.Context, id, reason string) (r *models.Reservation, replayed bool, err error) {
	return m.ensure(ctx, id, models.ReservationCancelled, func() (*models.Reservation, error) {
		return m.Cancel(ctx, id, reason)
	})
}

func (m *ReservationManager) ensure(
	ctx context.Context,
	id string,
	target models.ReservationStatus,
	apply func() (*models.Reservation, error),
) (*models.Reservation, bool, error) {
	current, err := m.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status == target {
		return current, true, nil
	}

	r, err := apply()
	if errors.Is(err, models.ErrInvalidState) {
		// lost a race with a concurrent request for the same outcome
		if latest, getErr := m.repo.GetReservation(ctx, id); getErr == nil && latest.Status == target {
			return latest, true, nil
		}
	}
	return r, false, err
}

// Get returns a reservation by id
func (m *ReservationManager) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return m.repo.GetReservation(ctx, id)
}

// GetByOrder returns every reservation for an order, newest first
func (m *ReservationManager) GetByOrder(ctx context.Context, orderID string) ([]models.Reservation, error) {
	return m.repo.ListReservationsByOrder(ctx, orderID)
}

// transition moves an ACTIVE reservation to a terminal status and applies its
// stock effect in the same transaction.
func (m *ReservationManager) transition(ctx context.Context, id string, to models.ReservationStatus, reason string) (*models.Reservation, error) {
	current, err := m.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", models.ErrInvalidState, id, current.Status)
	}
	if to == models.ReservationExpired && current.ExpiresAt.After(m.ledger.now()) {
		return nil, fmt.Errorf("%w: reservation %s has not expired", models.ErrInvalidState, id)
	}

	var (
		result *models.Reservation
		level  *models.InventoryLevel
	)
	err = m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		level, err = tx.LockLevel(ctx, current.ProductID, current.WarehouseID)
		if err != nil {
			return err
		}
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationActive {
			return fmt.Errorf("%w: reservation %s is %s", models.ErrInvalidState, id, r.Status)
		}

		next := *r
		next.Status = to
		mut := mutation{reference: r.ID, metadata: map[string]interface{}{"order_id": r.OrderID}}
		eventType := models.EventTypeStockReleased
		switch to {
		case models.ReservationConfirmed:
			mut.movementType = models.MovementOutbound
			mut.delta = -r.Quantity
			mut.quantity = level.Quantity - r.Quantity
			mut.reserved = level.Reserved - r.Quantity
			mut.reason = "Order " + r.OrderID + " confirmed"
			eventType = models.EventTypeStockConfirmed
		default:
			mut.movementType = models.MovementRelease
			mut.delta = r.Quantity
			mut.quantity = level.Quantity
			mut.reserved = level.Reserved - r.Quantity
			mut.reason = reason
			next.Reason = models.StringPtr(reason)
		}

		movement, err := m.ledger.applyLocked(ctx, tx, level, mut)
		if err != nil {
			return err
		}
		at := movement.CreatedAt
		if to == models.ReservationConfirmed {
			next.ConfirmedAt = &at
		} else {
			next.CancelledAt = &at
		}
		if err := tx.TransitionReservation(ctx, &next, models.ReservationActive); err != nil {
			return err
		}

		result = &next
		event := models.NewStockEvent(eventType, level).WithMovement(movement).WithReservation(result)
		return m.ledger.publish(ctx, tx, level, event)
	})
	if err != nil {
		return nil, fmt.Errorf("%s reservation %s: %w", to, id, err)
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.ledger.refreshCache(ctx, level)
	m.logger.Info("Reservation transitioned",
		zap.String("reservation_id", id),
		zap.String("order_id", result.OrderID),
		zap.String("status", string(to)),
		zap.Int("quantity", result.Quantity))
	return result, nil
}
