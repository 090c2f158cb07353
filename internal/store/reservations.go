package store

import (
	"context"
	"fmt"
	"time"

	"inventory-service/internal/models"
)

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT * FROM reservations WHERE id = $1", id)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReservationsByOrder retrieves all reservations for an order, most recent first
func (s *Store) ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return reservations, err
}

// ListExpiredReservations retrieves active reservations whose expiry has passed
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.SelectContext(ctx, &reservations, `
		SELECT * FROM reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		models.ReservationActive, now, limit)
	return reservations, err
}

// GetReservation reads a reservation inside the transaction
func (t *pgTx) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := t.tx.GetContext(ctx, &r, "SELECT * FROM reservations WHERE id = $1", id)
	if isMissing(err) {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertReservation creates a reservation
func (t *pgTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, order_id, product_id, warehouse_id, quantity, status,
			expires_at, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.OrderID, r.ProductID, r.WarehouseID, r.Quantity, r.Status,
		r.ExpiresAt, r.Reason, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// TransitionReservation is a conditional update guarded by the expected status
func (t *pgTx) TransitionReservation(ctx context.Context, r *models.Reservation, from models.ReservationStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $1, confirmed_at = $2, cancelled_at = $3, reason = $4
		WHERE id = $5 AND status = $6`,
		r.Status, r.ConfirmedAt, r.CancelledAt, r.Reason, r.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: reservation %s is no longer %s", models.ErrInvalidState, r.ID, from)
	}
	return nil
}
