// Package memstore is an in-memory implementation of store.Repository. It is
// safe for concurrent use and is intended for tests and local development.
//
// Transactions stage their writes and apply them on commit. LockLevel and
// InsertLevel take a per-key lock that is held until the transaction ends, so
// unrelated keys never contend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
)

type Store struct {
	mu               sync.RWMutex
	warehouses       map[string]models.Warehouse
	levels           map[string]models.InventoryLevel
	reservations     map[string]models.Reservation
	reservationOrder []string
	movements        []models.StockMovement
	outbox           []models.OutboxEvent
	processed        map[string]models.ProcessedEvent
	nextSeq          int64
	nextOutboxID     int64

	locksMu  sync.Mutex
	keyLocks map[string]chan struct{}
}

var _ store.Repository = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		warehouses:   make(map[string]models.Warehouse),
		levels:       make(map[string]models.InventoryLevel),
		reservations: make(map[string]models.Reservation),
		processed:    make(map[string]models.ProcessedEvent),
		keyLocks:     make(map[string]chan struct{}),
	}
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) keyLock(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.keyLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.keyLocks[key] = ch
	}
	return ch
}

// InTx runs fn against a staged view and applies its writes atomically
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &memTx{
		s:            s,
		held:         make(map[string]chan struct{}),
		levels:       make(map[string]models.InventoryLevel),
		newLevels:    make(map[string]bool),
		reservations: make(map[string]models.Reservation),
		transitions:  make(map[string]models.ReservationStatus),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range tx.newLevels {
		if _, exists := s.levels[key]; exists {
			return fmt.Errorf("%w: inventory level already exists for %s", models.ErrConflict, key)
		}
	}
	for id, from := range tx.transitions {
		if current, ok := s.reservations[id]; ok && current.Status != from {
			return fmt.Errorf("%w: reservation %s is no longer %s", models.ErrInvalidState, id, from)
		}
	}

	for key, level := range tx.levels {
		s.levels[key] = level
	}
	for _, r := range tx.newReservations {
		s.reservationOrder = append(s.reservationOrder, r)
	}
	for id, r := range tx.reservations {
		s.reservations[id] = r
	}
	s.movements = append(s.movements, tx.movements...)
	for _, e := range tx.outbox {
		s.nextOutboxID++
		e.ID = s.nextOutboxID
		s.outbox = append(s.outbox, *e)
	}
	return nil
}

// Warehouses ---------------------------------------------------------------

func (s *Store) CreateWarehouse(_ context.Context, w *models.Warehouse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.warehouses[w.ID]; exists {
		return fmt.Errorf("%w: warehouse %s already exists", models.ErrConflict, w.ID)
	}
	s.warehouses[w.ID] = *w
	return nil
}

func (s *Store) GetWarehouse(_ context.Context, id string) (*models.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.warehouses[id]
	if !ok {
		return nil, fmt.Errorf("%w: warehouse %s", models.ErrNotFound, id)
	}
	return &w, nil
}

func (s *Store) ListActiveWarehouses(context.Context) ([]models.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Warehouse{}
	for _, w := range s.warehouses {
		if w.IsActive {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeactivateWarehouse(_ context.Context, id string, at time.Time) (*models.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warehouses[id]
	if !ok {
		return nil, fmt.Errorf("%w: warehouse %s", models.ErrNotFound, id)
	}
	w.IsActive = false
	w.UpdatedAt = at
	s.warehouses[id] = w
	return &w, nil
}

// Levels -------------------------------------------------------------------

func (s *Store) GetLevel(_ context.Context, productID, warehouseID string) (*models.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	level, ok := s.levels[models.LevelKey(productID, warehouseID)]
	if !ok {
		return nil, fmt.Errorf("%w: inventory level %s", models.ErrNotFound, models.LevelKey(productID, warehouseID))
	}
	return &level, nil
}

func (s *Store) ListLevelsByProduct(_ context.Context, productID string) ([]models.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.InventoryLevel{}
	for _, l := range s.levels {
		if l.ProductID == productID && l.IsActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, nil
}

func (s *Store) ListLowStock(context.Context) ([]models.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.InventoryLevel{}
	for _, l := range s.levels {
		if l.IsLowStock() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Available != out[j].Available {
			return out[i].Available < out[j].Available
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, f store.MovementFilter, after *store.MovementCursor, limit int) ([]models.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.StockMovement{}
	for _, m := range s.movements {
		if m.ProductID != f.ProductID || m.CreatedAt.Before(f.Since) {
			continue
		}
		if f.WarehouseID != "" && m.WarehouseID != f.WarehouseID {
			continue
		}
		if after != nil && !olderThan(m, after) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], store.CursorAfter(&out[i]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether m precedes the cursor position in (created_at, seq) order
func olderThan(m models.StockMovement, c *store.MovementCursor) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return m.Seq < c.Seq
}

// Reservations -------------------------------------------------------------

func (s *Store) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	return &r, nil
}

func (s *Store) ListReservationsByOrder(_ context.Context, orderID string) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Reservation{}
	for i := len(s.reservationOrder) - 1; i >= 0; i-- {
		r := s.reservations[s.reservationOrder[i]]
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Reservation{}
	for _, id := range s.reservationOrder {
		r := s.reservations[id]
		if r.Status == models.ReservationActive && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outbox -------------------------------------------------------------------

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.OutboxEvent{}
	for _, e := range s.outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, id int64, at time.Time) error {
	return s.updateOutbox(id, func(e *models.OutboxEvent) {
		e.Attempts++
		e.PublishedAt = &at
		e.LastError = nil
	})
}

func (s *Store) MarkOutboxFailed(_ context.Context, id int64, reason string) error {
	return s.updateOutbox(id, func(e *models.OutboxEvent) {
		e.Attempts++
		e.LastError = &reason
	})
}

func (s *Store) updateOutbox(id int64, fn func(e *models.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("%w: outbox event %d", models.ErrNotFound, id)
}

// Outbox returns a snapshot of every staged event in commit order
func (s *Store) Outbox() []models.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.OutboxEvent(nil), s.outbox...)
}

func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}
