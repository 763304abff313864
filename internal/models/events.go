package models

import "time"

// Event types
const (
	EventTypeOrderReserved          = "ORDER_RESERVED"
	EventTypeTicketsConfirmed       = "TICKETS_CONFIRMED"
	EventTypeOrderCancelled         = "ORDER_CANCELLED"
	EventTypeOrderExpired           = "ORDER_EXPIRED"
	EventTypePaymentSuccess         = "PAYMENT_SUCCESS"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypePaymentRefundRequested = "PAYMENT_REFUND_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderReservedEvent is emitted when a hold is placed; payment collaborators start capture from it.
type OrderReservedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount string          `json:"total_amount"`
	Currency    string          `json:"currency"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Items       []OrderItemData `json:"items"`
}

// TicketsConfirmedEvent is emitted once per event after a confirm commits.
type TicketsConfirmedEvent struct {
	BaseEvent
	OrderID         int64 `json:"order_id"`
	UserID          int64 `json:"user_id"`
	TicketedEventID int64 `json:"ticketed_event_id"`
	TicketCount     int   `json:"ticket_count"`
}

// OrderCancelledEvent covers both explicit cancellation and expiry (EventType tells them apart).
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// PaymentSuccessEvent published by the payment collaborator after capture
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	TxID      string `json:"tx_id"`
}

// PaymentFailedEvent published by the payment collaborator
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

// PaymentRefundRequestedEvent asks the payment collaborator to refund a capture whose hold was lost.
type PaymentRefundRequestedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id"`
	Reason    string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	TicketTypeID int64  `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	UnitPrice    string `json:"unit_price"`
}
