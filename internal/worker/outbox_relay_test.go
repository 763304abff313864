package worker

import (
	"context"
	"errors"
	"testing"

	"ticket-service/internal/models"
	"ticket-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []models.OutboxEvent
	failAt int
	calls  int
}

func (p *recordingPublisher) PublishOutboxEvent(ctx context.Context, event models.OutboxEvent) error {
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return errors.New("kafka: leader not available")
	}
	p.events = append(p.events, event)
	return nil
}

func TestOutboxRelayPublishesCommittedEvents(t *testing.T) {
	orders, repo, _, ttID := newOrderFixture(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		order, err := orders.Reserve(ctx, service.ReserveRequest{
			UserID: int64(i + 1),
			Items:  []service.ReserveItem{{TicketTypeID: ttID, Quantity: 1}},
		})
		require.NoError(t, err)
		if i == 0 {
			_, err = orders.Confirm(ctx, order.ID)
			require.NoError(t, err)
		}
	}

	publisher := &recordingPublisher{}
	relay := NewOutboxRelay(repo, publisher, 0, 2)

	sent := relay.Drain(ctx)
	assert.Equal(t, 4, sent)
	require.Len(t, publisher.events, 4)
	assert.Equal(t, models.EventTypeOrderReserved, publisher.events[0].EventType)
	assert.Equal(t, models.EventTypeTicketsConfirmed, publisher.events[1].EventType)

	for _, evt := range repo.Outbox() {
		assert.NotNil(t, evt.PublishedAt)
	}

	assert.Equal(t, 0, relay.Drain(ctx))
}

func TestOutboxRelayResumesAfterPublishFailure(t *testing.T) {
	orders, repo, _, ttID := newOrderFixture(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := orders.Reserve(ctx, service.ReserveRequest{
			UserID: int64(i + 1),
			Items:  []service.ReserveItem{{TicketTypeID: ttID, Quantity: 1}},
		})
		require.NoError(t, err)
	}

	publisher := &recordingPublisher{failAt: 2}
	relay := NewOutboxRelay(repo, publisher, 0, 10)

	assert.Equal(t, 1, relay.Drain(ctx))

	unpublished := 0
	for _, evt := range repo.Outbox() {
		if evt.PublishedAt == nil {
			unpublished++
		}
	}
	assert.Equal(t, 2, unpublished)

	assert.Equal(t, 2, relay.Drain(ctx))
	assert.Len(t, publisher.events, 3)
}
