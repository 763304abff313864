package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/broker"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const refundDedupeTTL = 7 * 24 * time.Hour

// OrderTransitions is the part of the order service the payment worker drives.
type OrderTransitions interface {
	Confirm(ctx context.Context, orderID int64) (*models.Order, error)
	Cancel(ctx context.Context, orderID int64, reason string) (*models.Order, error)
}

// RefundPublisher asks the payment collaborator to give money back.
type RefundPublisher interface {
	PublishRefundRequested(ctx context.Context, event *models.PaymentRefundRequestedEvent) error
}

// EventDeduper remembers which inbound events already had their side effects.
type EventDeduper interface {
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetProcessed(ctx context.Context, eventID string) error
}

// PaymentWorker applies payment outcomes to orders. A capture that arrives after the hold
// was lost is answered with a refund request.
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	orders       OrderTransitions
	refunds      RefundPublisher
	dedupe       EventDeduper
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker. dedupe may be nil, in which case a
// redelivered capture of a lost order can request its refund more than once.
func NewPaymentWorker(
	consumer *broker.Consumer,
	orders OrderTransitions,
	refunds RefundPublisher,
	dedupe EventDeduper,
) *PaymentWorker {
	pw := &PaymentWorker{
		consumer: consumer,
		orders:   orders,
		refunds:  refunds,
		dedupe:   dedupe,
		logger:   util.GetLogger(),
	}

	pw.eventHandler = broker.NewEventHandler()
	pw.eventHandler.OnPaymentSuccess(pw.HandlePaymentSuccess)
	pw.eventHandler.OnPaymentFailed(pw.HandlePaymentFailed)
	return pw
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.consumer.StartConsuming(ctx, pw.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}

// HandlePaymentSuccess confirms the order. Confirm is idempotent, so redeliveries are safe.
// Returning an error makes the consumer hand the same message back until it succeeds.
func (pw *PaymentWorker) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "PaymentWorker.HandlePaymentSuccess")
	defer func() { util.EndSpan(span, err) }()

	pw.logger.Info("Handling payment success",
		zap.Int64("order_id", event.OrderID),
		zap.String("payment_id", event.PaymentID),
		zap.String("tx_id", event.TxID))

	_, err = pw.orders.Confirm(ctx, event.OrderID)
	if err == nil {
		return nil
	}

	var reason string
	switch {
	case errors.Is(err, models.ErrOrderExpired):
		reason = "order_expired"
	case errors.Is(err, models.ErrInvalidStateTransition):
		reason = "order_cancelled"
	case errors.Is(err, models.ErrOrderNotFound):
		reason = "order_not_found"
	default:
		return fmt.Errorf("failed to confirm order %d: %w", event.OrderID, err)
	}

	return pw.requestRefund(ctx, event, reason)
}

func (pw *PaymentWorker) requestRefund(ctx context.Context, event *models.PaymentSuccessEvent, reason string) error {
	dedupeKey := "refund:" + event.EventID
	if pw.dedupe != nil && event.EventID != "" {
		first, err := pw.dedupe.MarkProcessed(ctx, dedupeKey, refundDedupeTTL)
		if err != nil {
			return err
		}
		if !first {
			pw.logger.Info("Refund already requested", zap.String("event_id", event.EventID))
			return nil
		}
	}

	refund := &models.PaymentRefundRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentRefundRequested,
			Timestamp: time.Now(),
		},
		OrderID:   event.OrderID,
		PaymentID: event.PaymentID,
		TxID:      event.TxID,
		Reason:    reason,
	}

	if err := pw.refunds.PublishRefundRequested(ctx, refund); err != nil {
		if pw.dedupe != nil && event.EventID != "" {
			if ferr := pw.dedupe.ForgetProcessed(ctx, dedupeKey); ferr != nil {
				pw.logger.Error("Failed to clear refund mark", zap.String("event_id", event.EventID), zap.Error(ferr))
			}
		}
		return fmt.Errorf("failed to request refund for order %d: %w", event.OrderID, err)
	}

	util.RefundRequestsTotal.WithLabelValues(reason).Inc()
	pw.logger.Warn("Refund requested for captured payment",
		zap.Int64("order_id", event.OrderID),
		zap.String("payment_id", event.PaymentID),
		zap.String("reason", reason))
	return nil
}

// HandlePaymentFailed releases the order's holds.
func (pw *PaymentWorker) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "PaymentWorker.HandlePaymentFailed")
	defer func() { util.EndSpan(span, err) }()

	pw.logger.Warn("Handling payment failure",
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))

	_, err = pw.orders.Cancel(ctx, event.OrderID, models.CancelReasonPaymentFailed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrOrderNotFound):
		pw.logger.Warn("Ignoring payment failure", zap.Int64("order_id", event.OrderID), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("failed to cancel order %d: %w", event.OrderID, err)
	}
}
