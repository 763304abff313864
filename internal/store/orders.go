package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"

	"github.com/lib/pq"
)

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return selectOrderItems(ctx, s.db, orderID)
}

// GetOrderTickets retrieves all tickets for an order
func (s *Store) GetOrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error) {
	return selectOrderTickets(ctx, s.db, orderID)
}

// ExpiredPendingOrderIDs lists pending orders whose hold deadline is before now, oldest first,
// leaving out the ids in exclude. The result is a candidate list only; the cancel transaction
// re-checks each row under lock.
func (s *Store) ExpiredPendingOrderIDs(ctx context.Context, now time.Time, limit int, exclude []int64) ([]int64, error) {
	if exclude == nil {
		// a NULL array would make the ALL comparison NULL and filter every row
		exclude = []int64{}
	}

	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE status = $1 AND expires_at < $2 AND id <> ALL($3)
		ORDER BY expires_at, id
		LIMIT $4`,
		models.OrderStatusPending, now, pq.Array(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired orders: %w", err)
	}
	return ids, nil
}
