package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	opts = append([]Option{
		WithRetryBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	}, opts...)

	return New(sqlx.NewDb(mockDB, "postgres"), opts...), mock
}

func beginMockTx(t *testing.T, s *Store, mock sqlmock.Sqlmock) *sqlTx {
	t.Helper()

	mock.ExpectBegin()
	tx, err := s.db.Beginx()
	require.NoError(t, err)
	return &sqlTx{tx: tx, logger: zap.NewNop()}
}

func TestTryHold(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec(`UPDATE ticket_types\s+SET reserved_count = reserved_count \+ \$1`).
		WithArgs(3, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tx.TryHold(context.Background(), 7, 3)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryHoldCapacityExceeded(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec(`UPDATE ticket_types`).
		WithArgs(5, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.TryHold(context.Background(), 7, 5)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseHoldClampsUnderflow(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	core, logs := observer.New(zapcore.ErrorLevel)
	tx.logger = zap.New(core)

	mock.ExpectQuery(`UPDATE ticket_types t\s+SET reserved_count = GREATEST`).
		WithArgs(4, int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"reserved_count"}).AddRow(1))

	err := tx.ReleaseHold(context.Background(), 2, 4)
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Reserved count underflow clamped to zero").Len())
}

func TestReleaseHoldUnknownTicketType(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(`UPDATE ticket_types t`).
		WithArgs(1, int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"reserved_count"}))

	err := tx.ReleaseHold(context.Background(), 99, 1)
	assert.ErrorIs(t, err, models.ErrTicketTypeNotFound)
}

func TestCommitHoldRequiresHeldUnits(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec(`SET reserved_count = reserved_count - \$1, sold_count = sold_count \+ \$1`).
		WithArgs(2, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.CommitHold(context.Background(), 3, 2)
	assert.Error(t, err)
}

func TestIncrementDiscountUsageExhausted(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec(`UPDATE discount_codes\s+SET used_count = used_count \+ 1`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.IncrementDiscountUsage(context.Background(), 11)
	assert.ErrorIs(t, err, models.ErrDiscountCodeExhausted)
}

func TestLockTicketTypesReturnsMapByID(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "name", "price", "currency", "capacity", "sold_count", "reserved_count",
		"min_per_order", "max_per_order", "sale_start_date", "sale_end_date", "is_active", "created_at", "updated_at",
	}).
		AddRow(1, 10, "GA", "25.00", "USD", 100, 5, 2, 1, 10, nil, nil, true, now, now).
		AddRow(4, 10, "VIP", "80.00", "USD", 10, 0, 0, 1, 4, nil, nil, true, now, now)

	mock.ExpectQuery(`FROM ticket_types WHERE id = ANY\(\$1\) ORDER BY id FOR UPDATE`).
		WillReturnRows(rows)

	locked, err := tx.LockTicketTypes(context.Background(), []int64{4, 1})
	require.NoError(t, err)
	require.Len(t, locked, 2)
	ga := locked[1]
	assert.Equal(t, 93, ga.Available())
	assert.Equal(t, "VIP", locked[4].Name)
	assert.Equal(t, "80", locked[4].Price.String())
}

func TestRunInTxRetriesTransientErrors(t *testing.T) {
	s, mock := newMockStore(t, WithTxRetries(3))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ticket_types`).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ticket_types`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return tx.TryHold(ctx, 1, 1)
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxGivesUpAfterMaxRetries(t *testing.T) {
	s, mock := newMockStore(t, WithTxRetries(2))

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE ticket_types`).WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	calls := 0
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return tx.TryHold(ctx, 1, 1)
	})

	assert.ErrorIs(t, err, models.ErrStorageTransient)
	assert.Equal(t, 3, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxDoesNotRetryDomainErrors(t *testing.T) {
	s, mock := newMockStore(t, WithTxRetries(3))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ticket_types`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	calls := 0
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		calls++
		return tx.TryHold(ctx, 1, 50)
	})

	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.NotErrorIs(t, err, models.ErrStorageTransient)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"}), true},
		{"lock timeout", &pq.Error{Code: "55P03"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"bad connection", driver.ErrBadConn, true},
		{"idempotency race", fmt.Errorf("%w: dup", errIdempotencyRace), true},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"domain error", models.ErrCapacityExceeded, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestInsertOrderIdempotencyRace(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(`INSERT INTO orders`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "orders_idempotency_key_key"})

	key := "abc"
	err := tx.InsertOrder(context.Background(), &models.Order{OrderNumber: "ORD-1", IdempotencyKey: &key})
	assert.True(t, IsTransient(err))
}

func TestGetOrderNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM orders WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetOrder(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestExpiredPendingOrderIDs(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id FROM orders\s+WHERE status = \$1 AND expires_at < \$2 AND id <> ALL\(\$3\)\s+ORDER BY expires_at, id`).
		WithArgs(models.OrderStatusPending, now, pq.Array([]int64{}), 500).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(8))

	ids, err := s.ExpiredPendingOrderIDs(context.Background(), now, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpiredPendingOrderIDsExcludesFailedOrders(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`id <> ALL\(\$3\)`).
		WithArgs(models.OrderStatusPending, now, pq.Array([]int64{3, 8}), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11).AddRow(12))

	ids, err := s.ExpiredPendingOrderIDs(context.Background(), now, 2, []int64{3, 8})
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTicketTypeWithSales(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ticket_types WHERE id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "capacity", "sold_count", "reserved_count", "created_at", "updated_at"}).
			AddRow(5, 10, 1, 0, now, now))
	mock.ExpectRollback()

	_, err := s.DeleteTicketType(context.Background(), 5)
	assert.ErrorIs(t, err, models.ErrTicketTypeHasSales)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTicketTypeRetiresReferencedRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ticket_types WHERE id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "capacity", "sold_count", "reserved_count", "created_at", "updated_at"}).
			AddRow(5, 10, 0, 0, now, now))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE ticket_types SET is_active = FALSE`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	retired, err := s.DeleteTicketType(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, retired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOutboxStopsAtFirstFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM outbox_events\s+WHERE published_at IS NULL`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic_key", "event_type", "payload", "created_at", "published_at"}).
			AddRow(1, "order-1", models.EventTypeOrderReserved, []byte(`{}`), now, nil).
			AddRow(2, "order-2", models.EventTypeOrderReserved, []byte(`{}`), now, nil).
			AddRow(3, "order-3", models.EventTypeOrderReserved, []byte(`{}`), now, nil))
	mock.ExpectExec(`UPDATE outbox_events SET published_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen []int64
	sent, err := s.DispatchOutbox(context.Background(), 10, func(_ context.Context, evt models.OutboxEvent) error {
		seen = append(seen, evt.ID)
		if evt.ID == 2 {
			return errors.New("broker unavailable")
		}
		return nil
	})

	assert.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{1, 2}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsStatementsInOrder(t *testing.T) {
	s, mock := newMockStore(t)

	for _, table := range []string{"ticket_types", "discount_codes", "orders", "order_items", "tickets", "outbox_events"} {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + table + ` \(`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS orders_pending_expires_at_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ticket_types`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS discount_codes`).WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2 failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
