package store

import (
	"context"
	"fmt"
	"time"

	"inventory-service/internal/models"
)

// InsertOutbox stages an event in the caller's transaction
func (t *pgTx) InsertOutbox(ctx context.Context, e *models.OutboxEvent) error {
	err := t.tx.GetContext(ctx, e, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		e.EventID, e.EventType, e.AggregateKey, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to stage event %s: %w", e.EventType, err)
	}
	return nil
}

// ListPendingOutbox retrieves unpublished events in commit order
func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM outbox_events WHERE published_at IS NULL ORDER BY id LIMIT $1", limit)
	return events, err
}

// MarkOutboxPublished records successful delivery
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_at = $1, attempts = attempts + 1, last_error = NULL WHERE id = $2",
		at, id)
	return err
}

// MarkOutboxFailed records a failed delivery attempt
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE id = $2",
		reason, id)
	return err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
