package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticket-service/internal/models"

	"go.uber.org/zap"
)

// TryHold adds qty to reserved_count only if the ticket type still has qty unsold, unheld
// units. The guard lives in the UPDATE itself, so the check and the increment are one
// statement under the row lock.
func (t *sqlTx) TryHold(ctx context.Context, ticketTypeID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ticket_types
		SET reserved_count = reserved_count + $1, updated_at = NOW()
		WHERE id = $2 AND capacity - sold_count - reserved_count >= $1`,
		qty, ticketTypeID)
	if err != nil {
		return fmt.Errorf("failed to hold ticket type %d: %w", ticketTypeID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: ticket type %d, requested %d", models.ErrCapacityExceeded, ticketTypeID, qty)
	}
	return nil
}

// ReleaseHold returns qty held units to available capacity, never going below zero.
// Releasing more than is held means the ledger and the orders disagree; that is logged
// as an error rather than failing the cancellation.
func (t *sqlTx) ReleaseHold(ctx context.Context, ticketTypeID int64, qty int) error {
	var previous int
	err := t.tx.GetContext(ctx, &previous, `
		UPDATE ticket_types t
		SET reserved_count = GREATEST(t.reserved_count - $1, 0), updated_at = NOW()
		FROM (SELECT id, reserved_count FROM ticket_types WHERE id = $2 FOR UPDATE) prev
		WHERE t.id = prev.id
		RETURNING prev.reserved_count`,
		qty, ticketTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, ticketTypeID)
	}
	if err != nil {
		return fmt.Errorf("failed to release hold on ticket type %d: %w", ticketTypeID, err)
	}

	if previous < qty {
		t.logger.Error("Reserved count underflow clamped to zero",
			zap.Int64("ticket_type_id", ticketTypeID),
			zap.Int("reserved_count", previous),
			zap.Int("released", qty))
	}
	return nil
}

// CommitHold turns qty held units into sold units; capacity is untouched.
func (t *sqlTx) CommitHold(ctx context.Context, ticketTypeID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ticket_types
		SET reserved_count = reserved_count - $1, sold_count = sold_count + $1, updated_at = NOW()
		WHERE id = $2 AND reserved_count >= $1`,
		qty, ticketTypeID)
	if err != nil {
		return fmt.Errorf("failed to commit hold on ticket type %d: %w", ticketTypeID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t.logger.Error("Commit of units that are not held",
			zap.Int64("ticket_type_id", ticketTypeID),
			zap.Int("quantity", qty))
		return fmt.Errorf("ticket type %d holds fewer than %d reserved units", ticketTypeID, qty)
	}
	return nil
}

func (t *sqlTx) IncrementDiscountUsage(ctx context.Context, discountCodeID int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE discount_codes
		SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`,
		discountCodeID)
	if err != nil {
		return fmt.Errorf("failed to increment discount usage: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: discount code %d", models.ErrDiscountCodeExhausted, discountCodeID)
	}
	return nil
}

func (t *sqlTx) DecrementDiscountUsage(ctx context.Context, discountCodeID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE discount_codes SET used_count = GREATEST(used_count - 1, 0) WHERE id = $1`,
		discountCodeID)
	if err != nil {
		return fmt.Errorf("failed to decrement discount usage: %w", err)
	}
	return nil
}
