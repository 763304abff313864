package store

import (
	"context"
	"fmt"

	"ticket-service/internal/models"

	"github.com/lib/pq"
)

// DispatchOutbox hands up to limit unpublished events, oldest first, to send and marks the
// ones it accepted as published. It stops at the first send error; that event and the ones
// after it stay queued for the next call. Rows are claimed with SKIP LOCKED so concurrent
// relays never block each other. Delivery is at-least-once: consumers dedupe on event_id.
func (s *Store) DispatchOutbox(ctx context.Context, limit int, send func(context.Context, models.OutboxEvent) error) (int, error) {
	var sent int
	var sendErr error

	err := s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		sent, sendErr = 0, nil
		stx := tx.(*sqlTx)

		var events []models.OutboxEvent
		err := stx.tx.SelectContext(ctx, &events, `
			SELECT id, topic_key, event_type, payload, created_at, published_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("failed to claim outbox events: %w", err)
		}

		delivered := make([]int64, 0, len(events))
		for _, evt := range events {
			if err := send(ctx, evt); err != nil {
				sendErr = fmt.Errorf("failed to publish outbox event %d: %w", evt.ID, err)
				break
			}
			delivered = append(delivered, evt.ID)
		}

		if len(delivered) == 0 {
			return nil
		}

		if _, err := stx.tx.ExecContext(ctx,
			`UPDATE outbox_events SET published_at = NOW() WHERE id = ANY($1)`, pq.Array(delivered)); err != nil {
			return fmt.Errorf("failed to mark outbox events published: %w", err)
		}
		sent = len(delivered)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, sendErr
}
