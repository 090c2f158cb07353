package memstore

import (
	"context"
	"fmt"

	"inventory-service/internal/models"
)

type memTx struct {
	s    *Store
	held map[string]chan struct{}

	levels          map[string]models.InventoryLevel
	newLevels       map[string]bool
	reservations    map[string]models.Reservation
	newReservations []string
	transitions     map[string]models.ReservationStatus
	movements       []models.StockMovement
	outbox          []*models.OutboxEvent
}

// lock acquires the per-key lock once per transaction, honouring ctx
func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.keyLock(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to lock inventory %s: %w", key, ctx.Err())
	}
}

func (t *memTx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *memTx) GetWarehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	return t.s.GetWarehouse(ctx, id)
}

func (t *memTx) LockLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, error) {
	key := models.LevelKey(productID, warehouseID)
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}
	if level, ok := t.levels[key]; ok {
		return &level, nil
	}
	return t.s.GetLevel(ctx, productID, warehouseID)
}

func (t *memTx) InsertLevel(ctx context.Context, level *models.InventoryLevel) error {
	key := level.Key()
	if err := t.lock(ctx, key); err != nil {
		return err
	}
	if _, err := t.s.GetLevel(ctx, level.ProductID, level.WarehouseID); err == nil || t.newLevels[key] {
		return fmt.Errorf("%w: inventory level already exists for %s", models.ErrConflict, key)
	}
	t.levels[key] = *level
	t.newLevels[key] = true
	return nil
}

func (t *memTx) UpdateLevel(_ context.Context, level *models.InventoryLevel) error {
	key := level.Key()
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("inventory %s updated without holding its lock", key)
	}
	t.levels[key] = *level
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, m *models.StockMovement) error {
	t.s.mu.Lock()
	t.s.nextSeq++
	m.Seq = t.s.nextSeq
	t.s.mu.Unlock()

	t.movements = append(t.movements, *m)
	return nil
}

func (t *memTx) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return &r, nil
	}
	return t.s.GetReservation(ctx, id)
}

func (t *memTx) InsertReservation(_ context.Context, r *models.Reservation) error {
	t.reservations[r.ID] = *r
	t.newReservations = append(t.newReservations, r.ID)
	return nil
}

func (t *memTx) TransitionReservation(ctx context.Context, r *models.Reservation, from models.ReservationStatus) error {
	current, err := t.GetReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("%w: reservation %s is no longer %s", models.ErrInvalidState, r.ID, from)
	}
	if _, staged := t.transitions[r.ID]; !staged {
		t.transitions[r.ID] = from
	}
	t.reservations[r.ID] = *r
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, e *models.OutboxEvent) error {
	t.outbox = append(t.outbox, e)
	return nil
}
