package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	notifications *Producer
	refunds       *Producer
}

// NewEventPublisher creates a new event publisher. Outbox events go to notifications,
// refund requests to refunds.
func NewEventPublisher(notifications, refunds *Producer) *EventPublisher {
	return &EventPublisher{notifications: notifications, refunds: refunds}
}

// PublishOutboxEvent publishes an event recorded by a committed transaction.
func (ep *EventPublisher) PublishOutboxEvent(ctx context.Context, event models.OutboxEvent) error {
	return ep.notifications.Publish(ctx, event.TopicKey, event.EventType, event.Payload)
}

// PublishRefundRequested publishes PaymentRefundRequested event
func (ep *EventPublisher) PublishRefundRequested(ctx context.Context, event *models.PaymentRefundRequestedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.refunds.PublishEvent(ctx, key, models.EventTypePaymentRefundRequested, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentSuccess func(context.Context, *models.PaymentSuccessEvent) error
	onPaymentFailed  func(context.Context, *models.PaymentFailedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentSuccess registers a handler for PaymentSuccess events
func (eh *EventHandler) OnPaymentSuccess(handler func(context.Context, *models.PaymentSuccessEvent) error) {
	eh.onPaymentSuccess = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

// HandleMessage routes messages to appropriate handlers. Unknown event types are skipped and
// undecodable payloads are reported as permanent failures.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to unmarshal base event: %w", err))
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentSuccess:
		if eh.onPaymentSuccess != nil {
			var event models.PaymentSuccessEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to unmarshal PaymentSuccess event: %w", err))
			}
			return eh.onPaymentSuccess(ctx, &event)
		}

	case models.EventTypePaymentFailed:
		if eh.onPaymentFailed != nil {
			var event models.PaymentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to unmarshal PaymentFailed event: %w", err))
			}
			return eh.onPaymentFailed(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
