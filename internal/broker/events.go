package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OutboxPublisher stages stock events in the outbox table of the caller's
// transaction. The relay worker delivers them once the transaction commits.
type OutboxPublisher struct{}

// NewOutboxPublisher creates a new outbox publisher
func NewOutboxPublisher() *OutboxPublisher {
	return &OutboxPublisher{}
}

// Publish encodes event and inserts it into the outbox
func (p *OutboxPublisher) Publish(ctx context.Context, tx store.Tx, event *models.StockEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventType, err)
	}

	return tx.InsertOutbox(ctx, &models.OutboxEvent{
		EventID:      event.EventID,
		EventType:    event.EventType,
		AggregateKey: event.AggregateKey(),
		Payload:      payload,
		CreatedAt:    event.Timestamp,
	})
}

// EventHandler routes inbound order events
type EventHandler struct {
	onOrderConfirmed func(context.Context, *models.OrderEvent) error
	onOrderCancelled func(context.Context, *models.OrderEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderConfirmed registers the handler for PAYMENT_SUCCESS and ORDER_CONFIRMED
func (eh *EventHandler) OnOrderConfirmed(handler func(context.Context, *models.OrderEvent) error) {
	eh.onOrderConfirmed = handler
}

// OnOrderCancelled registers the handler for PAYMENT_FAILED and ORDER_CANCELLED
func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderEvent) error) {
	eh.onOrderCancelled = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal order event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))

	var handler func(context.Context, *models.OrderEvent) error
	switch event.EventType {
	case models.EventTypePaymentSuccess, models.EventTypeOrderConfirmed:
		handler = eh.onOrderConfirmed
	case models.EventTypePaymentFailed, models.EventTypeOrderCancelled:
		handler = eh.onOrderCancelled
	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", event.EventType))
		return nil
	}

	if handler == nil {
		return nil
	}
	if event.OrderID == "" {
		return fmt.Errorf("%s event %s has no order_id", event.EventType, event.EventID)
	}
	return handler(ctx, &event)
}
