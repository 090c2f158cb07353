package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/store/memstore"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store        *memstore.Store
	ledger       *StockLedger
	reservations *ReservationManager
	warehouses   *WarehouseRegistry
	clock        *testClock
	warehouseID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memstore.New()
	logger := zap.NewNop()
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	ledger := NewStockLedger(st, broker.NewOutboxPublisher(), nil, LevelDefaults{MinimumThreshold: 10, MaximumCapacity: 1000}, logger)
	ledger.now = clock.Now
	registry := NewWarehouseRegistry(st, logger)
	registry.now = clock.Now

	w, err := registry.Create(context.Background(), CreateWarehouseRequest{Name: "Central", City: "Jakarta", Country: "ID"})
	require.NoError(t, err)

	return &fixture{
		store:        st,
		ledger:       ledger,
		reservations: NewReservationManager(st, ledger, nil, logger),
		warehouses:   registry,
		clock:        clock,
		warehouseID:  w.ID,
	}
}

func (f *fixture) initialize(t *testing.T, productID string, quantity int) *models.InventoryLevel {
	t.Helper()
	level, err := f.ledger.InitializeLevel(context.Background(), productID, f.warehouseID, quantity, "")
	require.NoError(t, err)
	return level
}

func (f *fixture) reserve(t *testing.T, productID, orderID string, quantity int) *models.Reservation {
	t.Helper()
	r, err := f.reservations.Reserve(context.Background(), ReserveRequest{
		OrderID:     orderID,
		ProductID:   productID,
		WarehouseID: f.warehouseID,
		Quantity:    quantity,
		ExpiresAt:   f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) level(t *testing.T, productID string) *models.InventoryLevel {
	t.Helper()
	level, err := f.store.GetLevel(context.Background(), productID, f.warehouseID)
	require.NoError(t, err)
	return level
}

// history returns every movement for the key, oldest first
func (f *fixture) history(t *testing.T, productID string) []models.StockMovement {
	t.Helper()
	var out []models.StockMovement
	for m, err := range f.ledger.ListMovements(context.Background(), productID, f.warehouseID, 3650) {
		require.NoError(t, err)
		out = append(out, m)
	}
	slices.Reverse(out)
	return out
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, e := range f.store.Outbox() {
		out = append(out, e.EventType)
	}
	return out
}

func requireInvariant(t *testing.T, level *models.InventoryLevel) {
	t.Helper()
	require.NoError(t, level.Validate(), "level %s violates the stock invariant", level.Key())
	require.GreaterOrEqual(t, level.Available, 0)
}

// requireContinuity checks that the ledger is a gapless chain from zero to the
// level's current quantity
func requireContinuity(t *testing.T, f *fixture, productID string) {
	t.Helper()
	history := f.history(t, productID)
	level := f.level(t, productID)
	if len(history) == 0 {
		require.Equal(t, 0, level.Quantity)
		return
	}

	require.Equal(t, 0, history[0].BalanceBefore)
	for i := 1; i < len(history); i++ {
		require.Equal(t, history[i-1].BalanceAfter, history[i].BalanceBefore,
			"gap between movement %d (%s) and %d (%s)", i-1, history[i-1].Type, i, history[i].Type)
		require.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
	require.Equal(t, level.Quantity, history[len(history)-1].BalanceAfter)
}

type fakeCache struct {
	mu     sync.Mutex
	levels map[string]models.InventoryLevel
	gets   int
	sets   int
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{levels: make(map[string]models.InventoryLevel)}
}

func (c *fakeCache) GetLevel(_ context.Context, productID, warehouseID string) (*models.InventoryLevel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	level, ok := c.levels[models.LevelKey(productID, warehouseID)]
	if !ok {
		return nil, false, nil
	}
	return &level, true, nil
}

func (c *fakeCache) SetLevel(_ context.Context, level *models.InventoryLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	if cur, ok := c.levels[level.Key()]; ok && cur.Version >= level.Version {
		return nil
	}
	c.levels[level.Key()] = *level
	return nil
}

func (c *fakeCache) DeleteLevel(_ context.Context, productID, warehouseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.levels, models.LevelKey(productID, warehouseID))
	return nil
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]string)}
}

func (f *fakeIdempotency) Claim(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.keys[key]; ok {
		return v, false, nil
	}
	f.keys[key] = ""
	return "", true, nil
}

func (f *fakeIdempotency) Complete(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = value
	return nil
}

func (f *fakeIdempotency) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}
