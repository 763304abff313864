package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ticket-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Tx is the unit of work handed to RunInTx callbacks. Nothing done through it is visible to
// other transactions until the callback returns nil and the commit succeeds.
type Tx interface {
	// Locking reads. Locks are held until the transaction ends.
	LockTicketTypes(ctx context.Context, ids []int64) (map[int64]models.TicketType, error)
	LockDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	OrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	OrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error)

	// Inventory ledger.
	TryHold(ctx context.Context, ticketTypeID int64, qty int) error
	ReleaseHold(ctx context.Context, ticketTypeID int64, qty int) error
	CommitHold(ctx context.Context, ticketTypeID int64, qty int) error

	// Discount ledger.
	IncrementDiscountUsage(ctx context.Context, discountCodeID int64) error
	DecrementDiscountUsage(ctx context.Context, discountCodeID int64) error

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	InsertTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateOrderState(ctx context.Context, order *models.Order) error
	ConfirmTicket(ctx context.Context, ticketID int64, qrCode string) error
	SetTicketsStatus(ctx context.Context, orderID int64, from, to string) error

	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
}

type sqlTx struct {
	tx     *sqlx.Tx
	logger *zap.Logger
}

const ticketTypeColumns = `id, event_id, name, price, currency, capacity, sold_count, reserved_count,
	min_per_order, max_per_order, sale_start_date, sale_end_date, is_active, created_at, updated_at`

const orderColumns = `id, order_number, user_id, status, total_amount, currency, discount_code_id,
	idempotency_key, expires_at, cancel_reason, created_at, updated_at, confirmed_at, cancelled_at`

const discountCodeColumns = `id, code, used_count, usage_limit, is_active, valid_from, valid_until, created_at`

const ticketColumns = `id, order_id, event_id, ticket_type_id, user_id, status, price, qr_code, created_at, updated_at`

// LockTicketTypes locks the rows in ascending id order so that two transactions touching
// overlapping ticket types cannot deadlock. Unknown ids are simply absent from the result.
func (t *sqlTx) LockTicketTypes(ctx context.Context, ids []int64) (map[int64]models.TicketType, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var rows []models.TicketType
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(sorted))
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket types: %w", err)
	}

	result := make(map[int64]models.TicketType, len(rows))
	for _, row := range rows {
		result[row.ID] = row
	}
	return result, nil
}

// LockDiscountCode returns nil, nil when no such code exists.
func (t *sqlTx) LockDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := t.tx.GetContext(ctx, &dc,
		`SELECT `+discountCodeColumns+` FROM discount_codes WHERE code = $1 FOR UPDATE`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock discount code: %w", err)
	}
	return &dc, nil
}

func (t *sqlTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

// OrderByIdempotencyKey returns nil, nil when the key has not been used.
func (t *sqlTx) OrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &order, nil
}

func (t *sqlTx) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return selectOrderItems(ctx, t.tx, orderID)
}

func (t *sqlTx) OrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error) {
	return selectOrderTickets(ctx, t.tx, orderID)
}

func (t *sqlTx) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, status, total_amount, currency, discount_code_id, idempotency_key, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := t.tx.GetContext(ctx, order, query,
		order.OrderNumber, order.UserID, order.Status, order.TotalAmount, order.Currency,
		order.DiscountCodeID, order.IdempotencyKey, order.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "orders_idempotency_key_key" {
			return fmt.Errorf("%w: %w", errIdempotencyRace, err)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, ticket_type_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if err := t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.TicketTypeID, item.Quantity, item.UnitPrice); err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertTicket(ctx context.Context, ticket *models.Ticket) error {
	query := `
		INSERT INTO tickets (order_id, event_id, ticket_type_id, user_id, status, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	if err := t.tx.GetContext(ctx, ticket, query,
		ticket.OrderID, ticket.EventID, ticket.TicketTypeID, ticket.UserID, ticket.Status, ticket.Price); err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

// UpdateOrderState persists the lifecycle columns of order.
func (t *sqlTx) UpdateOrderState(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $1, expires_at = $2, confirmed_at = $3, cancelled_at = $4, cancel_reason = $5, updated_at = NOW()
		WHERE id = $6`

	_, err := t.tx.ExecContext(ctx, query,
		order.Status, order.ExpiresAt, order.ConfirmedAt, order.CancelledAt, order.CancelReason, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	order.UpdatedAt = time.Now()
	return nil
}

func (t *sqlTx) ConfirmTicket(ctx context.Context, ticketID int64, qrCode string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE tickets SET status = $1, qr_code = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		models.TicketStatusConfirmed, qrCode, ticketID, models.TicketStatusReserved)
	if err != nil {
		return fmt.Errorf("failed to confirm ticket %d: %w", ticketID, err)
	}
	return nil
}

func (t *sqlTx) SetTicketsStatus(ctx context.Context, orderID int64, from, to string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE tickets SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3`,
		to, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to move tickets of order %d to %s: %w", orderID, to, err)
	}
	return nil
}

func (t *sqlTx) EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (topic_key, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	if err := t.tx.GetContext(ctx, event, query, event.TopicKey, event.EventType, string(event.Payload)); err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", event.EventType, err)
	}
	return nil
}

func selectOrderItems(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q, &items,
		`SELECT id, order_id, ticket_type_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return items, nil
}

func selectOrderTickets(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := sqlx.SelectContext(ctx, q, &tickets,
		`SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tickets: %w", err)
	}
	return tickets, nil
}
