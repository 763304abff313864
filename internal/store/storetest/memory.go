// Package storetest provides an in-memory implementation of the store used by service,
// worker and API tests. Transactions are serialized by a single mutex and rolled back by
// restoring a snapshot, which gives the same all-or-nothing behaviour the PostgreSQL store
// gets from row locks.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
)

// Memory is a store.Tx-compatible repository kept entirely in process.
type Memory struct {
	mu    sync.Mutex
	state state

	// TxCount counts RunInTx calls, committed or not.
	TxCount int

	// underflows survives rollback so a test sees every clamped release.
	underflows int
}

type state struct {
	nextID        int64
	ticketTypes   map[int64]models.TicketType
	discountCodes map[int64]models.DiscountCode
	orders        map[int64]models.Order
	items         []models.OrderItem
	tickets       []models.Ticket
	outbox        []models.OutboxEvent
}

func (s state) clone() state {
	c := state{
		nextID:        s.nextID,
		ticketTypes:   make(map[int64]models.TicketType, len(s.ticketTypes)),
		discountCodes: make(map[int64]models.DiscountCode, len(s.discountCodes)),
		orders:        make(map[int64]models.Order, len(s.orders)),
		items:         append([]models.OrderItem(nil), s.items...),
		tickets:       append([]models.Ticket(nil), s.tickets...),
		outbox:        append([]models.OutboxEvent(nil), s.outbox...),
	}
	for k, v := range s.ticketTypes {
		c.ticketTypes[k] = v
	}
	for k, v := range s.discountCodes {
		c.discountCodes[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{state: state{
		ticketTypes:   map[int64]models.TicketType{},
		discountCodes: map[int64]models.DiscountCode{},
		orders:        map[int64]models.Order{},
	}}
}

var _ store.Tx = (*memTx)(nil)

func (m *Memory) id() int64 {
	m.state.nextID++
	return m.state.nextID
}

// RunInTx runs fn with exclusive access to the whole repository. Any error restores the
// state from before the call.
func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TxCount++
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Underflows reports how many ReleaseHold calls tried to release more than was held.
func (m *Memory) Underflows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.underflows
}

// AddTicketType seeds a ticket type and returns its id.
func (m *Memory) AddTicketType(tt models.TicketType) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt.ID = m.id()
	if tt.Currency == "" {
		tt.Currency = "USD"
	}
	tt.CreatedAt = time.Now()
	tt.UpdatedAt = tt.CreatedAt
	m.state.ticketTypes[tt.ID] = tt
	return tt.ID
}

// AddDiscountCode seeds a discount code and returns its id.
func (m *Memory) AddDiscountCode(dc models.DiscountCode) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	dc.ID = m.id()
	dc.CreatedAt = time.Now()
	m.state.discountCodes[dc.ID] = dc
	return dc.ID
}

// DiscountCodeByID returns a copy of the discount code.
func (m *Memory) DiscountCodeByID(id int64) models.DiscountCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.discountCodes[id]
}

// Orders returns copies of all orders ordered by id.
func (m *Memory) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]models.Order, 0, len(m.state.orders))
	for _, o := range m.state.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

// Tickets returns copies of all tickets.
func (m *Memory) Tickets() []models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Ticket(nil), m.state.tickets...)
}

// Outbox returns copies of all enqueued events, published or not.
func (m *Memory) Outbox() []models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboxEvent(nil), m.state.outbox...)
}

func (m *Memory) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (m *Memory) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderItems(orderID), nil
}

func (m *Memory) GetOrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderTickets(orderID), nil
}

func (m *Memory) ExpiredPendingOrderIDs(ctx context.Context, now time.Time, limit int, exclude []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var expired []models.Order
	for _, o := range m.state.orders {
		if o.Status == models.OrderStatusPending && o.ExpiresAt != nil && o.ExpiresAt.Before(now) && !skip[o.ID] {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ExpiresAt.Equal(*expired[j].ExpiresAt) {
			return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt)
		}
		return expired[i].ID < expired[j].ID
	})

	ids := make([]int64, 0, len(expired))
	for i, o := range expired {
		if i == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (m *Memory) GetTicketType(ctx context.Context, id int64) (*models.TicketType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt, ok := m.state.ticketTypes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, id)
	}
	return &tt, nil
}

func (m *Memory) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt.ID = m.id()
	tt.SoldCount, tt.ReservedCount = 0, 0
	tt.CreatedAt = time.Now()
	tt.UpdatedAt = tt.CreatedAt
	m.state.ticketTypes[tt.ID] = *tt
	return nil
}

func (m *Memory) DeleteTicketType(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt, ok := m.state.ticketTypes[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, id)
	}
	if tt.SoldCount > 0 || tt.ReservedCount > 0 {
		return false, fmt.Errorf("%w: sold=%d reserved=%d", models.ErrTicketTypeHasSales, tt.SoldCount, tt.ReservedCount)
	}
	for _, item := range m.state.items {
		if item.TicketTypeID == id {
			tt.IsActive = false
			m.state.ticketTypes[id] = tt
			return true, nil
		}
	}
	delete(m.state.ticketTypes, id)
	return false, nil
}

func (m *Memory) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.state.discountCodes {
		if existing.Code == dc.Code {
			return fmt.Errorf("discount code %q already exists", dc.Code)
		}
	}
	dc.ID = m.id()
	dc.UsedCount = 0
	dc.CreatedAt = time.Now()
	m.state.discountCodes[dc.ID] = *dc
	return nil
}

func (m *Memory) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dc := range m.state.discountCodes {
		if dc.Code == code {
			return &dc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrDiscountCodeInvalid, code)
}

// DispatchOutbox mirrors store.Store.DispatchOutbox.
func (m *Memory) DispatchOutbox(ctx context.Context, limit int, send func(context.Context, models.OutboxEvent) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for i := range m.state.outbox {
		if sent == limit {
			break
		}
		evt := &m.state.outbox[i]
		if evt.PublishedAt != nil {
			continue
		}
		if err := send(ctx, *evt); err != nil {
			return sent, fmt.Errorf("failed to publish outbox event %d: %w", evt.ID, err)
		}
		now := time.Now()
		evt.PublishedAt = &now
		sent++
	}
	return sent, nil
}

func (m *Memory) orderItems(orderID int64) []models.OrderItem {
	var items []models.OrderItem
	for _, item := range m.state.items {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	return items
}

func (m *Memory) orderTickets(orderID int64) []models.Ticket {
	var tickets []models.Ticket
	for _, t := range m.state.tickets {
		if t.OrderID == orderID {
			tickets = append(tickets, t)
		}
	}
	return tickets
}
