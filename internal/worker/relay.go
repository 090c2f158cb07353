package worker

import (
	"context"
	"fmt"
	"time"

	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MessagePublisher delivers an encoded event to the broker
type MessagePublisher interface {
	Publish(ctx context.Context, key, eventType string, payload []byte) error
}

// OutboxRelay forwards committed outbox rows to the broker in commit order
type OutboxRelay struct {
	repo      store.Repository
	publisher MessagePublisher
	interval  time.Duration
	batchSize int
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(repo store.Repository, publisher MessagePublisher, interval time.Duration, batchSize int, logger *zap.Logger) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		cron:      newScheduler(logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Start schedules RunOnce every interval until Stop is called
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))

	err := scheduleEvery(r.cron, ctx, r.interval, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("Outbox relay stopped early", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule outbox relay: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running cycle to finish
func (r *OutboxRelay) Stop() {
	r.logger.Info("Stopping outbox relay")
	<-r.cron.Stop().Done()
}

// RunOnce publishes pending events oldest first. It stops at the first
// delivery failure so later events for the same level are not sent ahead of it.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "OutboxRelay.RunOnce")
	defer span.End()

	published := 0
	for {
		pending, err := r.repo.ListPendingOutbox(ctx, r.batchSize)
		if err != nil {
			return published, fmt.Errorf("failed to list pending outbox events: %w", err)
		}

		for _, event := range pending {
			if err := r.publisher.Publish(ctx, event.AggregateKey, event.EventType, event.Payload); err != nil {
				util.OutboxFailuresTotal.Inc()
				if markErr := r.repo.MarkOutboxFailed(ctx, event.ID, err.Error()); markErr != nil {
					r.logger.Error("Failed to record outbox failure", zap.Int64("outbox_id", event.ID), zap.Error(markErr))
				}
				return published, fmt.Errorf("publish outbox event %d (%s): %w", event.ID, event.EventType, err)
			}
			if err := r.repo.MarkOutboxPublished(ctx, event.ID, r.now().UTC()); err != nil {
				// the event will be delivered again on the next cycle
				return published, fmt.Errorf("mark outbox event %d published: %w", event.ID, err)
			}
			published++
			util.OutboxPublishedTotal.Inc()
		}

		if len(pending) < r.batchSize {
			return published, nil
		}
	}
}
