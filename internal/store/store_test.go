package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"inventory-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var levelColumns = []string{
	"id", "product_id", "warehouse_id", "quantity", "reserved", "available",
	"minimum_threshold", "maximum_capacity", "sku", "is_active", "version", "created_at", "updated_at",
}

var movementColumns = []string{
	"id", "seq", "product_id", "warehouse_id", "type", "quantity", "balance_before",
	"balance_after", "reference", "reason", "user_id", "metadata", "created_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func expectTxStart(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '5000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestInTxLocksUpdatesAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectTxStart(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM inventory_levels WHERE product_id = $1 AND warehouse_id = $2 FOR UPDATE")).
		WithArgs("p1", "w1").
		WillReturnRows(sqlmock.NewRows(levelColumns).
			AddRow("l1", "p1", "w1", 10, 2, 8, 5, 100, nil, true, 3, now, now))
	mock.ExpectExec("UPDATE inventory_levels").
		WithArgs(9, 2, 7, 5, 100, int64(4), now, "l1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		level, err := tx.LockLevel(context.Background(), "p1", "w1")
		if err != nil {
			return err
		}
		assert.Equal(t, 8, level.Available)
		assert.Equal(t, int64(3), level.Version)

		level.Quantity--
		level.Available--
		level.Version++
		return tx.UpdateLevel(context.Background(), level)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackWhenFnFails(t *testing.T) {
	s, mock := newMockStore(t)

	expectTxStart(mock)
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockLevelMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	expectTxStart(mock)
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("p1", "w1").
		WillReturnRows(sqlmock.NewRows(levelColumns))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.LockLevel(context.Background(), "p1", "w1")
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLevelDuplicateIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	expectTxStart(mock)
	mock.ExpectExec("INSERT INTO inventory_levels").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertLevel(context.Background(), &models.InventoryLevel{ID: "l1", ProductID: "p1", WarehouseID: "w1"})
	})
	assert.ErrorIs(t, err, models.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionReservationLosingRaceIsInvalidState(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()
	r := &models.Reservation{ID: "r1", Status: models.ReservationConfirmed, ConfirmedAt: &at}

	expectTxStart(mock)
	mock.ExpectExec("UPDATE reservations").
		WithArgs(models.ReservationConfirmed, &at, nil, nil, "r1", models.ReservationActive).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.TransitionReservation(context.Background(), r, models.ReservationActive)
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMovementAssignsSeq(t *testing.T) {
	s, mock := newMockStore(t)
	m := &models.StockMovement{
		ID: "m1", ProductID: "p1", WarehouseID: "w1", Type: models.MovementInbound,
		Quantity: 5, BalanceBefore: 0, BalanceAfter: 5, CreatedAt: time.Now().UTC(),
	}

	expectTxStart(mock)
	mock.ExpectQuery("INSERT INTO stock_movements").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertMovement(context.Background(), m)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMovementsUsesKeysetCursor(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cursorAt := since.Add(48 * time.Hour)
	older := since.Add(24 * time.Hour)

	mock.ExpectQuery(`product_id = \$1 AND created_at >= \$2 AND warehouse_id = \$3 AND \(created_at, seq\) < \(\$4, \$5\)\s+ORDER BY created_at DESC, seq DESC\s+LIMIT \$6`).
		WithArgs("p1", since, "w1", cursorAt, int64(9), 2).
		WillReturnRows(sqlmock.NewRows(movementColumns).
			AddRow("m8", int64(8), "p1", "w1", "release", 3, 10, 10, "r1", nil, nil, []byte(`{"reserved_after":0}`), older))

	page, err := s.ListMovements(context.Background(),
		MovementFilter{ProductID: "p1", WarehouseID: "w1", Since: since},
		&MovementCursor{CreatedAt: cursorAt, Seq: 9}, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, models.MovementRelease, page[0].Type)
	assert.Equal(t, int64(8), page[0].Seq)
	require.NotNil(t, page[0].Reference)
	assert.Equal(t, "r1", *page[0].Reference)
	assert.JSONEq(t, `{"reserved_after":0}`, string(page[0].Metadata))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMovementsWithoutWarehouseOrCursor(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE product_id = \$1 AND created_at >= \$2\s+ORDER BY created_at DESC, seq DESC\s+LIMIT \$3`).
		WithArgs("p1", since, 100).
		WillReturnRows(sqlmock.NewRows(movementColumns))

	page, err := s.ListMovements(context.Background(), MovementFilter{ProductID: "p1", Since: since}, nil, 100)
	require.NoError(t, err)
	assert.Empty(t, page)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMovementsWithMalformedWarehouseIsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM stock_movements").
		WillReturnError(&pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "w1"`})

	page, err := s.ListMovements(context.Background(),
		MovementFilter{ProductID: "p1", WarehouseID: "w1", Since: time.Now()}, nil, 100)
	require.NoError(t, err)
	assert.Empty(t, page)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWarehouseMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM warehouses WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetWarehouse(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMalformedIDIsNotFound(t *testing.T) {
	badUUID := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}
	ctx := context.Background()

	inTx := func(s *Store, mock sqlmock.Sqlmock, fn func(tx Tx) error) error {
		expectTxStart(mock)
		mock.ExpectQuery("SELECT").WillReturnError(badUUID)
		mock.ExpectRollback()
		return s.InTx(ctx, fn)
	}
	direct := func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery("SELECT|UPDATE").WillReturnError(badUUID)
	}

	tests := []struct {
		name string
		run  func(s *Store, mock sqlmock.Sqlmock) error
	}{
		{"get warehouse", func(s *Store, mock sqlmock.Sqlmock) error {
			direct(mock)
			_, err := s.GetWarehouse(ctx, "abc")
			return err
		}},
		{"deactivate warehouse", func(s *Store, mock sqlmock.Sqlmock) error {
			direct(mock)
			_, err := s.DeactivateWarehouse(ctx, "abc", time.Now())
			return err
		}},
		{"get reservation", func(s *Store, mock sqlmock.Sqlmock) error {
			direct(mock)
			_, err := s.GetReservation(ctx, "abc")
			return err
		}},
		{"get level", func(s *Store, mock sqlmock.Sqlmock) error {
			direct(mock)
			_, err := s.GetLevel(ctx, "p1", "w1")
			return err
		}},
		{"tx get warehouse", func(s *Store, mock sqlmock.Sqlmock) error {
			return inTx(s, mock, func(tx Tx) error {
				_, err := tx.GetWarehouse(ctx, "w1")
				return err
			})
		}},
		{"tx get reservation", func(s *Store, mock sqlmock.Sqlmock) error {
			return inTx(s, mock, func(tx Tx) error {
				_, err := tx.GetReservation(ctx, "abc")
				return err
			})
		}},
		{"tx lock level", func(s *Store, mock sqlmock.Sqlmock) error {
			return inTx(s, mock, func(tx Tx) error {
				_, err := tx.LockLevel(ctx, "p1", "w1")
				return err
			})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			assert.ErrorIs(t, tt.run(s, mock), models.ErrNotFound)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestOtherDriverErrorsAreNotMappedToNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement"})

	_, err := s.GetReservation(context.Background(), "r1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrNotFound))
}

func TestOutboxBookkeeping(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE outbox_events SET published_at").
		WithArgs(at, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET attempts").
		WithArgs("broker down", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.MarkOutboxPublished(context.Background(), 7, at))
	require.NoError(t, s.MarkOutboxFailed(context.Background(), 8, "broker down"))
	processed, err := s.IsEventProcessed(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAgainstPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	s, err := NewStore(url, 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	_, err = s.ListLowStock(ctx)
	require.NoError(t, err)
}
