package worker

import (
	"context"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// OutboxSource hands out committed, unpublished events.
type OutboxSource interface {
	DispatchOutbox(ctx context.Context, limit int, send func(context.Context, models.OutboxEvent) error) (int, error)
}

// OutboxPublisher delivers one event to the notification topic.
type OutboxPublisher interface {
	PublishOutboxEvent(ctx context.Context, event models.OutboxEvent) error
}

// OutboxRelay publishes events written by order transitions after their transaction commits.
// Broker outages delay notifications but never affect order state.
type OutboxRelay struct {
	source    OutboxSource
	publisher OutboxPublisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(source OutboxSource, publisher OutboxPublisher, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start polls the outbox every interval until ctx is done.
func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain relays full batches until the outbox is empty or a publish fails.
func (r *OutboxRelay) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		sent, err := r.RelayOnce(ctx)
		total += sent
		if err != nil {
			util.OutboxPublishFailedTotal.Inc()
			r.logger.Warn("Outbox relay interrupted", zap.Int("sent", sent), zap.Error(err))
			break
		}
		if sent < r.batchSize {
			break
		}
	}
	return total
}

// RelayOnce publishes at most one batch.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	return r.source.DispatchOutbox(ctx, r.batchSize, func(ctx context.Context, event models.OutboxEvent) error {
		if err := r.publisher.PublishOutboxEvent(ctx, event); err != nil {
			return err
		}
		util.OutboxPublishedTotal.WithLabelValues(event.EventType).Inc()
		return nil
	})
}
