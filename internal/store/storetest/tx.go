package storetest

import (
	"context"
	"fmt"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// memTx runs with Memory.mu held by RunInTx.
type memTx struct {
	m *Memory
}

func (t *memTx) LockTicketTypes(ctx context.Context, ids []int64) (map[int64]models.TicketType, error) {
	result := make(map[int64]models.TicketType, len(ids))
	for _, id := range ids {
		if tt, ok := t.m.state.ticketTypes[id]; ok {
			result[id] = tt
		}
	}
	return result, nil
}

func (t *memTx) LockDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	for _, dc := range t.m.state.discountCodes {
		if dc.Code == code {
			return &dc, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.m.state.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	return &o, nil
}

func (t *memTx) OrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	for _, o := range t.m.state.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

func (t *memTx) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return t.m.orderItems(orderID), nil
}

func (t *memTx) OrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error) {
	return t.m.orderTickets(orderID), nil
}

func (t *memTx) TryHold(ctx context.Context, ticketTypeID int64, qty int) error {
	tt, ok := t.m.state.ticketTypes[ticketTypeID]
	if !ok || tt.Available() < qty {
		return fmt.Errorf("%w: ticket type %d, requested %d", models.ErrCapacityExceeded, ticketTypeID, qty)
	}
	tt.ReservedCount += qty
	t.m.state.ticketTypes[ticketTypeID] = tt
	return nil
}

func (t *memTx) ReleaseHold(ctx context.Context, ticketTypeID int64, qty int) error {
	tt, ok := t.m.state.ticketTypes[ticketTypeID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, ticketTypeID)
	}
	if tt.ReservedCount < qty {
		t.m.underflows++
		util.GetLogger().Error("Reserved count underflow clamped to zero",
			zap.Int64("ticket_type_id", ticketTypeID),
			zap.Int("reserved_count", tt.ReservedCount),
			zap.Int("released", qty))
		qty = tt.ReservedCount
	}
	tt.ReservedCount -= qty
	t.m.state.ticketTypes[ticketTypeID] = tt
	return nil
}

func (t *memTx) CommitHold(ctx context.Context, ticketTypeID int64, qty int) error {
	tt, ok := t.m.state.ticketTypes[ticketTypeID]
	if !ok || tt.ReservedCount < qty {
		return fmt.Errorf("ticket type %d holds fewer than %d reserved units", ticketTypeID, qty)
	}
	tt.ReservedCount -= qty
	tt.SoldCount += qty
	t.m.state.ticketTypes[ticketTypeID] = tt
	return nil
}

func (t *memTx) IncrementDiscountUsage(ctx context.Context, discountCodeID int64) error {
	dc, ok := t.m.state.discountCodes[discountCodeID]
	if !ok || dc.Exhausted() {
		return fmt.Errorf("%w: discount code %d", models.ErrDiscountCodeExhausted, discountCodeID)
	}
	dc.UsedCount++
	t.m.state.discountCodes[discountCodeID] = dc
	return nil
}

func (t *memTx) DecrementDiscountUsage(ctx context.Context, discountCodeID int64) error {
	dc, ok := t.m.state.discountCodes[discountCodeID]
	if !ok {
		return nil
	}
	if dc.UsedCount > 0 {
		dc.UsedCount--
	}
	t.m.state.discountCodes[discountCodeID] = dc
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	order.ID = t.m.id()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	t.m.state.orders[order.ID] = *order
	return nil
}

func (t *memTx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.ID = t.m.id()
	t.m.state.items = append(t.m.state.items, *item)
	return nil
}

func (t *memTx) InsertTicket(ctx context.Context, ticket *models.Ticket) error {
	ticket.ID = t.m.id()
	ticket.CreatedAt = time.Now()
	ticket.UpdatedAt = ticket.CreatedAt
	t.m.state.tickets = append(t.m.state.tickets, *ticket)
	return nil
}

func (t *memTx) UpdateOrderState(ctx context.Context, order *models.Order) error {
	stored, ok := t.m.state.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, order.ID)
	}
	stored.Status = order.Status
	stored.ExpiresAt = order.ExpiresAt
	stored.ConfirmedAt = order.ConfirmedAt
	stored.CancelledAt = order.CancelledAt
	stored.CancelReason = order.CancelReason
	stored.UpdatedAt = time.Now()
	order.UpdatedAt = stored.UpdatedAt
	t.m.state.orders[order.ID] = stored
	return nil
}

func (t *memTx) ConfirmTicket(ctx context.Context, ticketID int64, qrCode string) error {
	for i := range t.m.state.tickets {
		ticket := &t.m.state.tickets[i]
		if ticket.ID == ticketID && ticket.Status == models.TicketStatusReserved {
			qr := qrCode
			ticket.Status = models.TicketStatusConfirmed
			ticket.QRCode = &qr
			ticket.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (t *memTx) SetTicketsStatus(ctx context.Context, orderID int64, from, to string) error {
	for i := range t.m.state.tickets {
		ticket := &t.m.state.tickets[i]
		if ticket.OrderID == orderID && ticket.Status == from {
			ticket.Status = to
			ticket.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error {
	event.ID = t.m.id()
	event.CreatedAt = time.Now()
	t.m.state.outbox = append(t.m.state.outbox, *event)
	return nil
}
