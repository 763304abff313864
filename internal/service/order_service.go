package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultReservationTTL is how long a pending order holds its tickets.
const DefaultReservationTTL = 15 * time.Minute

// Repository is the storage the order service runs its transactions against.
type Repository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrderTickets(ctx context.Context, orderID int64) ([]models.Ticket, error)
	ExpiredPendingOrderIDs(ctx context.Context, now time.Time, limit int, exclude []int64) ([]int64, error)
}

// OrderService places holds and moves orders through pending, confirmed and cancelled.
// Every operation is a single repository transaction; nothing is cached between calls.
type OrderService struct {
	repo   Repository
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes an OrderService.
type Option func(*OrderService)

// WithReservationTTL sets the hold duration of new orders.
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *OrderService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) {
		s.now = now
	}
}

// NewOrderService creates a new order service
func NewOrderService(repo Repository, opts ...Option) *OrderService {
	s := &OrderService{
		repo:   repo,
		ttl:    DefaultReservationTTL,
		now:    time.Now,
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveRequest represents a request to hold tickets
type ReserveRequest struct {
	UserID         int64         `json:"user_id" binding:"required"`
	Items          []ReserveItem `json:"items"`
	DiscountCode   string        `json:"discount_code,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// ReserveItem represents one ticket type line of a reservation
type ReserveItem struct {
	TicketTypeID int64 `json:"ticket_type_id" binding:"required"`
	Quantity     int   `json:"quantity"`
}

// OrderDetails is an order together with its lines and tickets.
type OrderDetails struct {
	Order   *models.Order      `json:"order"`
	Items   []models.OrderItem `json:"items"`
	Tickets []models.Ticket    `json:"tickets"`
}

// Reserve holds the requested tickets and creates a pending order. Either every item is held
// or none is: a failure on any line rolls back the holds already placed for earlier lines.
// A repeated IdempotencyKey returns the order created by the first call.
func (s *OrderService) Reserve(ctx context.Context, req ReserveRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Reserve")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
		util.ReservationsTotal.WithLabelValues(reserveOutcome(err)).Inc()
	}()

	items, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	var replayed bool
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, replayed = nil, false

		if req.IdempotencyKey != "" {
			existing, err := tx.OrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				order, replayed = existing, true
				return nil
			}
		}

		now := s.now()

		ids := make([]int64, len(items))
		for i, item := range items {
			ids[i] = item.TicketTypeID
		}
		ticketTypes, err := tx.LockTicketTypes(ctx, ids)
		if err != nil {
			return err
		}

		total := decimal.Zero
		currency := ""
		for _, item := range items {
			tt, ok := ticketTypes[item.TicketTypeID]
			if !ok {
				return fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, item.TicketTypeID)
			}
			if err := validateItem(&tt, item.Quantity, now); err != nil {
				return err
			}
			if currency == "" {
				currency = tt.Currency
			} else if tt.Currency != currency {
				return fmt.Errorf("%w: %s and %s", models.ErrMixedCurrency, currency, tt.Currency)
			}
			total = total.Add(tt.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		for _, item := range items {
			if err := tx.TryHold(ctx, item.TicketTypeID, item.Quantity); err != nil {
				return err
			}
		}

		var discountCodeID *int64
		if req.DiscountCode != "" {
			id, err := s.applyDiscount(ctx, tx, req.DiscountCode, now)
			if err != nil {
				return err
			}
			discountCodeID = &id
		}

		expiresAt := now.Add(s.ttl)
		o := &models.Order{
			OrderNumber:    newOrderNumber(now),
			UserID:         req.UserID,
			Status:         models.OrderStatusPending,
			TotalAmount:    total,
			Currency:       currency,
			DiscountCodeID: discountCodeID,
			ExpiresAt:      &expiresAt,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			o.IdempotencyKey = &key
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		eventItems := make([]models.OrderItemData, 0, len(items))
		for _, item := range items {
			tt := ticketTypes[item.TicketTypeID]
			line := &models.OrderItem{
				OrderID:      o.ID,
				TicketTypeID: tt.ID,
				Quantity:     item.Quantity,
				UnitPrice:    tt.Price,
			}
			if err := tx.InsertOrderItem(ctx, line); err != nil {
				return err
			}

			for i := 0; i < item.Quantity; i++ {
				ticket := &models.Ticket{
					OrderID:      o.ID,
					EventID:      tt.EventID,
					TicketTypeID: tt.ID,
					UserID:       req.UserID,
					Status:       models.TicketStatusReserved,
					Price:        tt.Price,
				}
				if err := tx.InsertTicket(ctx, ticket); err != nil {
					return err
				}
			}

			eventItems = append(eventItems, models.OrderItemData{
				TicketTypeID: tt.ID,
				Quantity:     item.Quantity,
				UnitPrice:    tt.Price.String(),
			})
		}

		event := &models.OrderReservedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderReserved, now),
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			UserID:      o.UserID,
			TotalAmount: o.TotalAmount.String(),
			Currency:    o.Currency,
			ExpiresAt:   expiresAt,
			Items:       eventItems,
		}
		if err := enqueue(ctx, tx, o.ID, models.EventTypeOrderReserved, event); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		s.logger.Info("Duplicate reservation request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", order.ID))
		return order, nil
	}

	held := 0
	for _, item := range items {
		held += item.Quantity
	}
	util.TicketsHeldTotal.Add(float64(held))

	s.logger.Info("Tickets reserved",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("user_id", order.UserID),
		zap.Int("tickets", held),
		zap.Time("expires_at", *order.ExpiresAt))

	return order, nil
}

// applyDiscount locks the code and counts one more use of it.
func (s *OrderService) applyDiscount(ctx context.Context, tx store.Tx, code string, now time.Time) (int64, error) {
	dc, err := tx.LockDiscountCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if dc == nil || !dc.Usable(now) {
		return 0, fmt.Errorf("%w: %s", models.ErrDiscountCodeInvalid, code)
	}
	if dc.Exhausted() {
		return 0, fmt.Errorf("%w: %s", models.ErrDiscountCodeExhausted, code)
	}
	if err := tx.IncrementDiscountUsage(ctx, dc.ID); err != nil {
		return 0, err
	}
	return dc.ID, nil
}

// Confirm turns a live hold into a sale. It fails with models.ErrOrderExpired once the hold
// deadline has passed, whether or not the sweeper has cancelled the order yet; the caller is
// then responsible for refunding any captured payment. Confirming a confirmed order returns
// it unchanged.
func (s *OrderService) Confirm(ctx context.Context, orderID int64) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Confirm")
	defer func() { util.EndSpan(span, err) }()

	var changed bool
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, changed = nil, false

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		switch o.Status {
		case models.OrderStatusConfirmed:
			order = o
			return nil
		case models.OrderStatusCancelled:
			if o.CancelReason != nil && *o.CancelReason == models.CancelReasonExpired {
				return fmt.Errorf("%w: order %d", models.ErrOrderExpired, orderID)
			}
			return fmt.Errorf("%w: order %d is cancelled", models.ErrInvalidStateTransition, orderID)
		}

		now := s.now()
		if o.ExpiresAt == nil || !now.Before(*o.ExpiresAt) {
			return fmt.Errorf("%w: order %d", models.ErrOrderExpired, orderID)
		}

		items, err := s.lockOrderLines(ctx, tx, orderID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.CommitHold(ctx, item.TicketTypeID, item.Quantity); err != nil {
				return err
			}
		}

		tickets, err := tx.OrderTickets(ctx, orderID)
		if err != nil {
			return err
		}
		perEvent := make(map[int64]int)
		for _, ticket := range tickets {
			if ticket.Status != models.TicketStatusReserved {
				continue
			}
			if err := tx.ConfirmTicket(ctx, ticket.ID, newTicketCredential(o.OrderNumber)); err != nil {
				return err
			}
			perEvent[ticket.EventID]++
		}

		o.Status = models.OrderStatusConfirmed
		o.ConfirmedAt = &now
		o.ExpiresAt = nil
		if err := tx.UpdateOrderState(ctx, o); err != nil {
			return err
		}

		eventIDs := make([]int64, 0, len(perEvent))
		for id := range perEvent {
			eventIDs = append(eventIDs, id)
		}
		sort.Slice(eventIDs, func(i, j int) bool { return eventIDs[i] < eventIDs[j] })

		for _, eventID := range eventIDs {
			event := &models.TicketsConfirmedEvent{
				BaseEvent:       newBaseEvent(models.EventTypeTicketsConfirmed, now),
				OrderID:         o.ID,
				UserID:          o.UserID,
				TicketedEventID: eventID,
				TicketCount:     perEvent[eventID],
			}
			if err := enqueue(ctx, tx, o.ID, models.EventTypeTicketsConfirmed, event); err != nil {
				return err
			}
		}

		order, changed = o, true
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrOrderExpired):
			util.ConfirmRejectedTotal.WithLabelValues("expired").Inc()
		case errors.Is(err, models.ErrInvalidStateTransition):
			util.ConfirmRejectedTotal.WithLabelValues("invalid_state").Inc()
		}
		s.logger.Warn("Order confirmation rejected", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, err
	}

	if changed {
		util.OrdersConfirmedTotal.Inc()
		s.logger.Info("Order confirmed", zap.Int64("order_id", orderID))
	}
	return order, nil
}

// Cancel releases the holds of a pending order. reason is user_cancelled (the default) or
// payment_failed; expiry only happens through Expire, which checks the deadline. Cancelling a
// cancelled order is a no-op that returns it; a confirmed order cannot be cancelled.
func (s *OrderService) Cancel(ctx context.Context, orderID int64, reason string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer func() { util.EndSpan(span, err) }()

	if reason == "" {
		reason = models.CancelReasonUser
	}
	if !validCancelReason(reason) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCancelReason, reason)
	}

	var changed bool
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, changed = nil, false

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		switch o.Status {
		case models.OrderStatusCancelled:
			order = o
			return nil
		case models.OrderStatusConfirmed:
			return fmt.Errorf("%w: order %d is confirmed", models.ErrInvalidStateTransition, orderID)
		}

		if err := s.cancelLocked(ctx, tx, o, reason, s.now()); err != nil {
			return err
		}
		order, changed = o, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
		s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("reason", reason))
	}
	return order, nil
}

// Expire cancels the order with reason expired if, under its row lock, it is still pending
// and past its deadline. It reports whether the order changed, so a concurrent confirm or a
// second sweeper simply sees false.
func (s *OrderService) Expire(ctx context.Context, orderID int64) (expired bool, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Expire")
	defer func() { util.EndSpan(span, err) }()

	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		expired = false

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		now := s.now()
		if o.Status != models.OrderStatusPending || o.ExpiresAt == nil || now.Before(*o.ExpiresAt) {
			return nil
		}

		if err := s.cancelLocked(ctx, tx, o, models.CancelReasonExpired, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if expired {
		util.OrdersCancelledTotal.WithLabelValues(models.CancelReasonExpired).Inc()
		s.logger.Info("Order expired", zap.Int64("order_id", orderID))
	}
	return expired, nil
}

// cancelLocked applies the pending to cancelled transition to an order whose row is locked.
func (s *OrderService) cancelLocked(ctx context.Context, tx store.Tx, o *models.Order, reason string, now time.Time) error {
	items, err := s.lockOrderLines(ctx, tx, o.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := tx.ReleaseHold(ctx, item.TicketTypeID, item.Quantity); err != nil {
			return err
		}
	}

	if err := tx.SetTicketsStatus(ctx, o.ID, models.TicketStatusReserved, models.TicketStatusCancelled); err != nil {
		return err
	}

	if o.DiscountCodeID != nil {
		if err := tx.DecrementDiscountUsage(ctx, *o.DiscountCodeID); err != nil {
			return err
		}
	}

	o.Status = models.OrderStatusCancelled
	o.CancelledAt = &now
	o.ExpiresAt = nil
	o.CancelReason = &reason
	if err := tx.UpdateOrderState(ctx, o); err != nil {
		return err
	}

	eventType := models.EventTypeOrderCancelled
	if reason == models.CancelReasonExpired {
		eventType = models.EventTypeOrderExpired
	}
	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(eventType, now),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Reason:    reason,
	}
	return enqueue(ctx, tx, o.ID, eventType, event)
}

// lockOrderLines reads the order's items and locks their ticket types in ascending id order,
// after the order row and before any discount code.
func (s *OrderService) lockOrderLines(ctx context.Context, tx store.Tx, orderID int64) ([]models.OrderItem, error) {
	items, err := tx.OrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.TicketTypeID)
	}
	if _, err := tx.LockTicketTypes(ctx, ids); err != nil {
		return nil, err
	}
	return items, nil
}

// GetOrder retrieves an order with its items and tickets
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (details *OrderDetails, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer func() { util.EndSpan(span, err) }()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	tickets, err := s.repo.GetOrderTickets(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetails{Order: order, Items: items, Tickets: tickets}, nil
}

// ExpiredOrderIDs lists up to limit pending orders whose hold deadline has passed, skipping
// the ids in exclude.
func (s *OrderService) ExpiredOrderIDs(ctx context.Context, limit int, exclude []int64) ([]int64, error) {
	return s.repo.ExpiredPendingOrderIDs(ctx, s.now(), limit, exclude)
}

// mergeItems folds repeated ticket types into one line and sorts lines by ticket type id.
func mergeItems(items []ReserveItem) ([]ReserveItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", models.ErrInvalidQuantity)
	}

	quantities := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: %d for ticket type %d", models.ErrInvalidQuantity, item.Quantity, item.TicketTypeID)
		}
		quantities[item.TicketTypeID] += item.Quantity
	}

	merged := make([]ReserveItem, 0, len(quantities))
	for id, qty := range quantities {
		merged = append(merged, ReserveItem{TicketTypeID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TicketTypeID < merged[j].TicketTypeID })
	return merged, nil
}

func validateItem(tt *models.TicketType, qty int, now time.Time) error {
	if !tt.IsActive {
		return fmt.Errorf("%w: %d", models.ErrTicketTypeInactive, tt.ID)
	}
	if !tt.OnSale(now) {
		return fmt.Errorf("%w: %d", models.ErrSaleWindowClosed, tt.ID)
	}
	if qty < tt.MinPerOrder || qty > tt.MaxPerOrder {
		return fmt.Errorf("%w: %d for ticket type %d, allowed %d-%d",
			models.ErrInvalidQuantity, qty, tt.ID, tt.MinPerOrder, tt.MaxPerOrder)
	}
	return nil
}

func validCancelReason(reason string) bool {
	switch reason {
	case models.CancelReasonUser, models.CancelReasonPaymentFailed:
		return true
	}
	return false
}

func reserveOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, models.ErrDiscountCodeInvalid), errors.Is(err, models.ErrDiscountCodeExhausted):
		return "discount_rejected"
	case errors.Is(err, models.ErrStorageTransient):
		return "transient"
	case IsValidationError(err):
		return "invalid"
	default:
		return "error"
	}
}

// IsValidationError reports whether err rejects the request itself rather than a state.
func IsValidationError(err error) bool {
	return errors.Is(err, models.ErrInvalidQuantity) ||
		errors.Is(err, models.ErrTicketTypeNotFound) ||
		errors.Is(err, models.ErrTicketTypeInactive) ||
		errors.Is(err, models.ErrSaleWindowClosed) ||
		errors.Is(err, models.ErrMixedCurrency) ||
		errors.Is(err, models.ErrInvalidCancelReason) ||
		errors.Is(err, models.ErrInvalidTicketType)
}

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
	}
}

func enqueue(ctx context.Context, tx store.Tx, orderID int64, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return tx.EnqueueEvent(ctx, &models.OutboxEvent{
		TopicKey:  fmt.Sprintf("order-%d", orderID),
		EventType: eventType,
		Payload:   data,
	})
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

// newTicketCredential returns the opaque value encoded in a ticket's QR code.
func newTicketCredential(orderNumber string) string {
	return orderNumber + "." + uuid.New().String()
}
