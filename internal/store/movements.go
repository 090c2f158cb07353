package store

import (
	"context"
	"fmt"
	"strings"

	"inventory-service/internal/models"
)

// ListMovements returns one page of the ledger, newest first
func (s *Store) ListMovements(ctx context.Context, f MovementFilter, after *MovementCursor, limit int) ([]models.StockMovement, error) {
	var (
		where = []string{"product_id = $1", "created_at >= $2"}
		args  = []interface{}{f.ProductID, f.Since}
	)

	if f.WarehouseID != "" {
		args = append(args, f.WarehouseID)
		where = append(where, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.Seq)
		where = append(where, fmt.Sprintf("(created_at, seq) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT * FROM stock_movements
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	movements := []models.StockMovement{}
	err := s.db.SelectContext(ctx, &movements, query, args...)
	if isMissing(err) {
		// a warehouse filter that is not a uuid matches nothing
		return []models.StockMovement{}, nil
	}
	return movements, err
}

// InsertMovement appends a ledger entry; seq is assigned by the database
func (t *pgTx) InsertMovement(ctx context.Context, m *models.StockMovement) error {
	err := t.tx.GetContext(ctx, &m.Seq, `
		INSERT INTO stock_movements (id, product_id, warehouse_id, type, quantity,
			balance_before, balance_after, reference, reason, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		m.ID, m.ProductID, m.WarehouseID, m.Type, m.Quantity,
		m.BalanceBefore, m.BalanceAfter, m.Reference, m.Reason, m.UserID,
		jsonOrEmpty(m.Metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record stock movement: %w", err)
	}
	return nil
}
