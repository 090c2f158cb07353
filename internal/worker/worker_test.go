package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/service"
	"inventory-service/internal/store"
	"inventory-service/internal/store/memstore"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store        *memstore.Store
	ledger       *service.StockLedger
	reservations *service.ReservationManager
	warehouseID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	logger := zap.NewNop()

	ledger := service.NewStockLedger(st, broker.NewOutboxPublisher(), nil,
		service.LevelDefaults{MinimumThreshold: 1, MaximumCapacity: 1000}, logger)
	registry := service.NewWarehouseRegistry(st, logger)
	w, err := registry.Create(ctx, service.CreateWarehouseRequest{Name: "Main", City: "Jakarta", Country: "ID"})
	require.NoError(t, err)

	return &harness{
		store:        st,
		ledger:       ledger,
		reservations: service.NewReservationManager(st, ledger, nil, logger),
		warehouseID:  w.ID,
	}
}

func (h *harness) reserve(t *testing.T, productID, orderID string, quantity int, ttl time.Duration) *models.Reservation {
	t.Helper()
	r, err := h.reservations.Reserve(context.Background(), service.ReserveRequest{
		OrderID:     orderID,
		ProductID:   productID,
		WarehouseID: h.warehouseID,
		Quantity:    quantity,
		ExpiresAt:   time.Now().Add(ttl),
	})
	require.NoError(t, err)
	return r
}

func (h *harness) status(t *testing.T, id string) models.ReservationStatus {
	t.Helper()
	r, err := h.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

// Order worker ---------------------------------------------------------------

func orderMessage(t *testing.T, eventType, orderID, reason string) (*models.OrderEvent, kafka.Message) {
	t.Helper()
	event := &models.OrderEvent{BaseEvent: models.NewBaseEvent(eventType), OrderID: orderID, Reason: reason}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return event, kafka.Message{Value: payload}
}

func TestOrderWorkerConfirmsReservationsOnPaymentSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.InitializeLevel(ctx, "p1", h.warehouseID, 20, "")
	require.NoError(t, err)

	a := h.reserve(t, "p1", "o1", 2, time.Hour)
	b := h.reserve(t, "p1", "o1", 3, time.Hour)
	other := h.reserve(t, "p1", "o2", 1, time.Hour)

	w := NewOrderWorker(nil, h.store, h.reservations, zap.NewNop())
	event, msg := orderMessage(t, models.EventTypePaymentSuccess, "o1", "")
	require.NoError(t, w.eventHandler.HandleMessage(ctx, msg))

	assert.Equal(t, models.ReservationConfirmed, h.status(t, a.ID))
	assert.Equal(t, models.ReservationConfirmed, h.status(t, b.ID))
	assert.Equal(t, models.ReservationActive, h.status(t, other.ID))

	level, err := h.store.GetLevel(ctx, "p1", h.warehouseID)
	require.NoError(t, err)
	assert.Equal(t, 15, level.Quantity)
	assert.Equal(t, 1, level.Reserved)

	processed, err := h.store.IsEventProcessed(ctx, event.EventID)
	require.NoError(t, err)
	assert.True(t, processed)

	// redelivery of the same event is a no-op
	require.NoError(t, w.eventHandler.HandleMessage(ctx, msg))
	level, err = h.store.GetLevel(ctx, "p1", h.warehouseID)
	require.NoError(t, err)
	assert.Equal(t, 15, level.Quantity)
}

func TestOrderWorkerReleasesReservationsOnCancellation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.InitializeLevel(ctx, "p1", h.warehouseID, 10, "")
	require.NoError(t, err)
	r := h.reserve(t, "p1", "o9", 4, time.Hour)

	w := NewOrderWorker(nil, h.store, h.reservations, zap.NewNop())
	event, _ := orderMessage(t, models.EventTypePaymentFailed, "o9", "card declined")
	require.NoError(t, w.HandleOrderCancelled(ctx, event))

	stored, err := h.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, stored.Status)
	require.NotNil(t, stored.Reason)
	assert.Equal(t, "card declined", *stored.Reason)

	level, err := h.store.GetLevel(ctx, "p1", h.warehouseID)
	require.NoError(t, err)
	assert.Equal(t, 10, level.Available)

	// a later confirmation for the same order finds nothing active
	confirm, _ := orderMessage(t, models.EventTypeOrderConfirmed, "o9", "")
	require.NoError(t, w.HandleOrderConfirmed(ctx, confirm))
	assert.Equal(t, models.ReservationCancelled, h.status(t, r.ID))
}

type failingLifecycle struct {
	ReservationLifecycle
}

func (f failingLifecycle) EnsureConfirmed(context.Context, string) (*models.Reservation, bool, error) {
	return nil, false, errors.New("database unavailable")
}

func TestOrderWorkerLeavesEventUnprocessedOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.InitializeLevel(ctx, "p1", h.warehouseID, 10, "")
	require.NoError(t, err)
	h.reserve(t, "p1", "o1", 1, time.Hour)

	w := NewOrderWorker(nil, h.store, failingLifecycle{h.reservations}, zap.NewNop())
	event, _ := orderMessage(t, models.EventTypePaymentSuccess, "o1", "")
	require.Error(t, w.HandleOrderConfirmed(ctx, event))

	processed, err := h.store.IsEventProcessed(ctx, event.EventID)
	require.NoError(t, err)
	assert.False(t, processed, "failed events must be retried")
}

// Reconciler -----------------------------------------------------------------

type fakeLocker struct {
	held     bool
	released []string
}

func (l *fakeLocker) AcquireLock(context.Context, string, time.Duration) (string, error) {
	if l.held {
		return "", nil
	}
	return "token-1", nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, _ string, token string) error {
	l.released = append(l.released, token)
	return nil
}

func TestReconcilerExpiresOverdueReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.InitializeLevel(ctx, "p1", h.warehouseID, 30, "")
	require.NoError(t, err)

	short1 := h.reserve(t, "p1", "o1", 5, 10*time.Millisecond)
	short2 := h.reserve(t, "p1", "o2", 7, 10*time.Millisecond)
	long := h.reserve(t, "p1", "o3", 3, time.Hour)
	time.Sleep(30 * time.Millisecond)

	locker := &fakeLocker{}
	r := NewReconciler(h.store, h.reservations, locker, time.Minute, 1, zap.NewNop())
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Expired)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []string{"token-1"}, locker.released)

	assert.Equal(t, models.ReservationExpired, h.status(t, short1.ID))
	assert.Equal(t, models.ReservationExpired, h.status(t, short2.ID))
	assert.Equal(t, models.ReservationActive, h.status(t, long.ID))

	level, err := h.store.GetLevel(ctx, "p1", h.warehouseID)
	require.NoError(t, err)
	assert.Equal(t, 3, level.Reserved)
	assert.Equal(t, 27, level.Available)

	result, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Expired)
}

func TestReconcilerSkipsCycleWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.InitializeLevel(ctx, "p1", h.warehouseID, 30, "")
	require.NoError(t, err)
	res := h.reserve(t, "p1", "o1", 5, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	r := NewReconciler(h.store, h.reservations, &fakeLocker{held: true}, time.Minute, 10, zap.NewNop())
	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Locked)
	assert.Equal(t, models.ReservationActive, h.status(t, res.ID))
}

// scriptedExpirer expires reservations directly in the store and fails for chosen ids
type scriptedExpirer struct {
	store *memstore.Store
	fail  map[string]error
	calls []string
}

func (e *scriptedExpirer) Expire(ctx context.Context, id string) (*models.Reservation, error) {
	e.calls = append(e.calls, id)
	if err := e.fail[id]; err != nil {
		return nil, err
	}
	var out *models.Reservation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		next := *r
		next.Status = models.ReservationExpired
		out = &next
		return tx.TransitionReservation(ctx, &next, models.ReservationActive)
	})
	return out, err
}

func seedOverdue(t *testing.T, st *memstore.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	err := st.InTx(ctx, func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("r%d", i)
			ids = append(ids, id)
			if err := tx.InsertReservation(ctx, &models.Reservation{
				ID:        id,
				OrderID:   "o",
				ProductID: "p1",
				Quantity:  1,
				Status:    models.ReservationActive,
				ExpiresAt: time.Now().Add(-time.Duration(n-i) * time.Minute),
				CreatedAt: time.Now().Add(-time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestReconcilerIsolatesPerItemFailures(t *testing.T) {
	st := memstore.New()
	ids := seedOverdue(t, st, 5)
	expirer := &scriptedExpirer{
		store: st,
		fail: map[string]error{
			ids[1]: errors.New("lock timeout"),
			ids[3]: fmt.Errorf("wrapped: %w", models.ErrInvalidState),
		},
	}

	r := NewReconciler(st, expirer, nil, time.Minute, 2, zap.NewNop())
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Expired)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, expirer.calls, 5, "each reservation is attempted once per cycle")
	assert.Equal(t, ids[0], expirer.calls[0], "oldest deadline first")

	failed, err := st.GetReservation(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, failed.Status, "failures are retried next cycle")
}

// Outbox relay ---------------------------------------------------------------

type recordingPublisher struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, key, eventType string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[key]; err != nil {
		return err
	}
	p.sent = append(p.sent, key+"/"+eventType)
	return nil
}

func seedOutbox(t *testing.T, st *memstore.Store, keys ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for _, key := range keys {
			if err := tx.InsertOutbox(ctx, &models.OutboxEvent{
				EventID:      key,
				EventType:    models.EventTypeStockUpdated,
				AggregateKey: key,
				Payload:      []byte(`{}`),
				CreatedAt:    time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestOutboxRelayPublishesInCommitOrder(t *testing.T) {
	st := memstore.New()
	seedOutbox(t, st, "a", "b", "c", "d", "e")
	publisher := &recordingPublisher{}

	relay := NewOutboxRelay(st, publisher, time.Second, 2, zap.NewNop())
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{
		"a/stock.updated", "b/stock.updated", "c/stock.updated", "d/stock.updated", "e/stock.updated",
	}, publisher.sent)

	for _, e := range st.Outbox() {
		assert.NotNil(t, e.PublishedAt)
		assert.Equal(t, 1, e.Attempts)
	}

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxRelayStopsAtFirstFailure(t *testing.T) {
	st := memstore.New()
	seedOutbox(t, st, "a", "b", "c")
	publisher := &recordingPublisher{failOn: map[string]error{"b": errors.New("broker down")}}

	relay := NewOutboxRelay(st, publisher, time.Second, 10, zap.NewNop())
	n, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a/stock.updated"}, publisher.sent)

	outbox := st.Outbox()
	assert.NotNil(t, outbox[0].PublishedAt)
	assert.Nil(t, outbox[1].PublishedAt)
	assert.Equal(t, 1, outbox[1].Attempts)
	require.NotNil(t, outbox[1].LastError)
	assert.Contains(t, *outbox[1].LastError, "broker down")
	assert.Nil(t, outbox[2].PublishedAt)

	publisher.failOn = nil
	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a/stock.updated", "b/stock.updated", "c/stock.updated"}, publisher.sent)
}

func TestSchedulerRejectsInvalidInterval(t *testing.T) {
	relay := NewOutboxRelay(memstore.New(), &recordingPublisher{}, 0, 10, zap.NewNop())
	assert.Error(t, relay.Start(context.Background()))
}
