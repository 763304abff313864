package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketType is a purchasable category of an event with a fixed capacity.
type TicketType struct {
	ID            int64           `db:"id" json:"id"`
	EventID       int64           `db:"event_id" json:"event_id"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Currency      string          `db:"currency" json:"currency"`
	Capacity      int             `db:"capacity" json:"capacity"`
	SoldCount     int             `db:"sold_count" json:"sold_count"`
	ReservedCount int             `db:"reserved_count" json:"reserved_count"`
	MinPerOrder   int             `db:"min_per_order" json:"min_per_order"`
	MaxPerOrder   int             `db:"max_per_order" json:"max_per_order"`
	SaleStartDate *time.Time      `db:"sale_start_date" json:"sale_start_date,omitempty"`
	SaleEndDate   *time.Time      `db:"sale_end_date" json:"sale_end_date,omitempty"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Available is the number of units neither sold nor held.
func (t *TicketType) Available() int {
	return t.Capacity - t.SoldCount - t.ReservedCount
}

// OnSale reports whether now falls inside the optional sale window.
func (t *TicketType) OnSale(now time.Time) bool {
	if t.SaleStartDate != nil && now.Before(*t.SaleStartDate) {
		return false
	}
	if t.SaleEndDate != nil && !now.Before(*t.SaleEndDate) {
		return false
	}
	return true
}

// Order represents one purchase attempt
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Status         string          `db:"status" json:"status"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency       string          `db:"currency" json:"currency"`
	DiscountCodeID *int64          `db:"discount_code_id" json:"discount_code_id,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"-"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CancelReason   *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	ConfirmedAt    *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// IsTerminal reports whether no further transition is possible.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusConfirmed || o.Status == OrderStatusCancelled
}

// OrderItem is one ticket type line of an order with its price snapshot
type OrderItem struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	TicketTypeID int64           `db:"ticket_type_id" json:"ticket_type_id"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Ticket is one unit of inventory assigned to an order. Tickets are never deleted.
type Ticket struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	EventID      int64           `db:"event_id" json:"event_id"`
	TicketTypeID int64           `db:"ticket_type_id" json:"ticket_type_id"`
	UserID       int64           `db:"user_id" json:"user_id"`
	Status       string          `db:"status" json:"status"`
	Price        decimal.Decimal `db:"price" json:"price"`
	QRCode       *string         `db:"qr_code" json:"qr_code,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// DiscountCode is a promotional code; UsageLimit nil means unlimited.
type DiscountCode struct {
	ID         int64      `db:"id" json:"id"`
	Code       string     `db:"code" json:"code"`
	UsedCount  int        `db:"used_count" json:"used_count"`
	UsageLimit *int       `db:"usage_limit" json:"usage_limit,omitempty"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	ValidFrom  *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Usable reports whether the code may be applied at now, ignoring the usage limit.
func (d *DiscountCode) Usable(now time.Time) bool {
	if !d.IsActive {
		return false
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && !now.Before(*d.ValidUntil) {
		return false
	}
	return true
}

// Exhausted reports whether the usage limit has been reached.
func (d *DiscountCode) Exhausted() bool {
	return d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit
}

// OutboxEvent is a notification written in the same transaction as the change it describes
// and published after commit.
type OutboxEvent struct {
	ID          int64      `db:"id" json:"id"`
	TopicKey    string     `db:"topic_key" json:"topic_key"`
	EventType   string     `db:"event_type" json:"event_type"`
	Payload     []byte     `db:"payload" json:"payload"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

// Ticket statuses
const (
	TicketStatusReserved  = "RESERVED"
	TicketStatusConfirmed = "CONFIRMED"
	TicketStatusCancelled = "CANCELLED"
)

// Cancel reasons
const (
	CancelReasonExpired       = "expired"
	CancelReasonUser          = "user_cancelled"
	CancelReasonPaymentFailed = "payment_failed"
)
