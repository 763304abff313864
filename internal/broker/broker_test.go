package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func newTestProducer(w *recordingWriter) *Producer {
	return &Producer{writer: w, topic: "test", logger: zap.NewNop()}
}

func TestPublishOutboxEvent(t *testing.T) {
	notifications := &recordingWriter{}
	publisher := NewEventPublisher(newTestProducer(notifications), newTestProducer(&recordingWriter{}))

	err := publisher.PublishOutboxEvent(context.Background(), models.OutboxEvent{
		TopicKey:  "order-5",
		EventType: models.EventTypeTicketsConfirmed,
		Payload:   []byte(`{"order_id":5}`),
	})
	require.NoError(t, err)

	require.Len(t, notifications.messages, 1)
	msg := notifications.messages[0]
	assert.Equal(t, "order-5", string(msg.Key))
	assert.JSONEq(t, `{"order_id":5}`, string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventTypeHeader, msg.Headers[0].Key)
	assert.Equal(t, models.EventTypeTicketsConfirmed, string(msg.Headers[0].Value))
}

func TestPublishRefundRequested(t *testing.T) {
	refunds := &recordingWriter{}
	publisher := NewEventPublisher(newTestProducer(&recordingWriter{}), newTestProducer(refunds))

	err := publisher.PublishRefundRequested(context.Background(), &models.PaymentRefundRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "r-1", EventType: models.EventTypePaymentRefundRequested},
		OrderID:   9,
		PaymentID: "pay-9",
		Reason:    "order_expired",
	})
	require.NoError(t, err)

	require.Len(t, refunds.messages, 1)
	assert.Equal(t, "order-9", string(refunds.messages[0].Key))
	assert.Contains(t, string(refunds.messages[0].Value), `"payment_id":"pay-9"`)
}

func TestPublishWrapsWriterError(t *testing.T) {
	producer := newTestProducer(&recordingWriter{err: errors.New("leader not available")})

	err := producer.Publish(context.Background(), "k", "T", []byte(`{}`))
	assert.ErrorContains(t, err, "leader not available")
}

func TestHandleMessageRoutesPaymentEvents(t *testing.T) {
	handler := NewEventHandler()

	var succeeded *models.PaymentSuccessEvent
	var failed *models.PaymentFailedEvent
	handler.OnPaymentSuccess(func(ctx context.Context, e *models.PaymentSuccessEvent) error {
		succeeded = e
		return nil
	})
	handler.OnPaymentFailed(func(ctx context.Context, e *models.PaymentFailedEvent) error {
		failed = e
		return nil
	})

	err := handler.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"event_id":"e1","event_type":"PAYMENT_SUCCESS","order_id":12,"payment_id":"p1","tx_id":"tx"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, succeeded)
	assert.Equal(t, int64(12), succeeded.OrderID)
	assert.Equal(t, "e1", succeeded.EventID)

	err = handler.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"event_id":"e2","event_type":"PAYMENT_FAILED","order_id":13,"reason":"card_declined"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, "card_declined", failed.Reason)
}

func TestHandleMessageSkipsUnknownTypes(t *testing.T) {
	handler := NewEventHandler()
	handler.OnPaymentSuccess(func(ctx context.Context, e *models.PaymentSuccessEvent) error {
		t.Fatal("should not be called")
		return nil
	})

	err := handler.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"event_id":"e3","event_type":"PAYMENT_PENDING"}`),
	})
	assert.NoError(t, err)
}

func TestHandleMessageRejectsMalformedJSON(t *testing.T) {
	err := NewEventHandler().HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)})
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)
}

type scriptedReader struct {
	pending   []kafka.Message
	committed []int64
	drained   func()
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.pending) == 0 {
		r.drained()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func newTestConsumer(t *testing.T, msgs ...kafka.Message) (*Consumer, *scriptedReader, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reader := &scriptedReader{pending: msgs, drained: cancel}
	consumer := &Consumer{
		reader:     reader,
		topic:      "payment-events",
		newBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		logger:     zap.NewNop(),
	}
	return consumer, reader, ctx, cancel
}

func TestConsumerRedeliversFailedMessageBeforeMovingOn(t *testing.T) {
	consumer, reader, ctx, _ := newTestConsumer(t,
		kafka.Message{Offset: 10, Value: []byte(`a`)},
		kafka.Message{Offset: 11, Value: []byte(`b`)},
	)

	var handled []int64
	failures := 2
	err := consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 10 && failures > 0 {
			failures--
			return models.ErrStorageTransient
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{10, 10, 10, 11}, handled)
	assert.Equal(t, []int64{10, 11}, reader.committed)
}

func TestConsumerRetriesPaymentUntilConfirmSucceeds(t *testing.T) {
	success := []byte(`{"event_id":"e9","event_type":"PAYMENT_SUCCESS","order_id":9,"payment_id":"p9"}`)
	consumer, reader, ctx, _ := newTestConsumer(t,
		kafka.Message{Offset: 20, Value: []byte(`not json`)},
		kafka.Message{Offset: 21, Value: success},
	)

	attempts := 0
	var confirmed []int64
	handler := NewEventHandler()
	handler.OnPaymentSuccess(func(ctx context.Context, e *models.PaymentSuccessEvent) error {
		attempts++
		if attempts < 3 {
			return models.ErrStorageTransient
		}
		confirmed = append(confirmed, e.OrderID)
		return nil
	})

	err := consumer.StartConsuming(ctx, handler.HandleMessage)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int64{9}, confirmed)
	assert.Equal(t, []int64{20, 21}, reader.committed)
}

func TestConsumerLeavesFailedMessageUncommittedOnShutdown(t *testing.T) {
	consumer, reader, ctx, cancel := newTestConsumer(t,
		kafka.Message{Offset: 30, Value: []byte(`a`)},
		kafka.Message{Offset: 31, Value: []byte(`b`)},
	)

	attempts := 0
	err := consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		attempts++
		if attempts == 3 {
			cancel()
		}
		return models.ErrStorageTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, reader.committed)
}
