package worker

import (
	"context"
	"errors"
	"fmt"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// ReservationLifecycle is the part of the reservation manager driven by order events
type ReservationLifecycle interface {
	GetByOrder(ctx context.Context, orderID string) ([]models.Reservation, error)
	EnsureConfirmed(ctx context.Context, id string) (*models.Reservation, bool, error)
	EnsureCancelled(ctx context.Context, id, reason string) (*models.Reservation, bool, error)
}

// OrderWorker settles reservations when the order orchestrator reports an outcome
type OrderWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	repo         store.Repository
	reservations ReservationLifecycle
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker. consumer may be nil when the
// handlers are driven directly.
func NewOrderWorker(
	consumer *broker.Consumer,
	repo store.Repository,
	reservations ReservationLifecycle,
	logger *zap.Logger,
) *OrderWorker {
	w := &OrderWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		repo:         repo,
		reservations: reservations,
		logger:       logger,
	}

	w.eventHandler.OnOrderConfirmed(w.HandleOrderConfirmed)
	w.eventHandler.OnOrderCancelled(w.HandleOrderCancelled)
	return w
}

// Start starts the worker
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order event worker")
	return w.consumer.Close()
}

// HandleOrderConfirmed confirms every ACTIVE reservation of the order
func (w *OrderWorker) HandleOrderConfirmed(ctx context.Context, event *models.OrderEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderWorker.HandleOrderConfirmed")
	defer span.End()

	return w.settle(ctx, event, func(r models.Reservation) error {
		_, _, err := w.reservations.EnsureConfirmed(ctx, r.ID)
		return err
	})
}

// HandleOrderCancelled releases every ACTIVE reservation of the order
func (w *OrderWorker) HandleOrderCancelled(ctx context.Context, event *models.OrderEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderWorker.HandleOrderCancelled")
	defer span.End()

	reason := event.Reason
	if reason == "" {
		reason = fmt.Sprintf("Order %s cancelled", event.OrderID)
	}
	return w.settle(ctx, event, func(r models.Reservation) error {
		_, _, err := w.reservations.EnsureCancelled(ctx, r.ID, reason)
		return err
	})
}

func (w *OrderWorker) settle(ctx context.Context, event *models.OrderEvent, apply func(models.Reservation) error) error {
	processed, err := w.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		util.OrderEventsTotal.WithLabelValues(event.EventType, "duplicate").Inc()
		return nil
	}

	reservations, err := w.reservations.GetByOrder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get reservations for order %s: %w", event.OrderID, err)
	}

	var errs []error
	settled := 0
	for _, r := range reservations {
		if r.Status != models.ReservationActive {
			continue
		}
		if err := apply(r); err != nil {
			if errors.Is(err, models.ErrInvalidState) {
				// expired or settled the other way in the meantime
				w.logger.Warn("Reservation no longer active",
					zap.String("reservation_id", r.ID),
					zap.String("event_type", event.EventType))
				continue
			}
			errs = append(errs, fmt.Errorf("reservation %s: %w", r.ID, err))
			continue
		}
		settled++
	}
	if len(errs) > 0 {
		util.OrderEventsTotal.WithLabelValues(event.EventType, "error").Inc()
		return errors.Join(errs...)
	}

	if err := w.repo.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	util.OrderEventsTotal.WithLabelValues(event.EventType, "applied").Inc()
	w.logger.Info("Order event applied",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.Int("reservations", settled))
	return nil
}
