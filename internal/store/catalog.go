package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticket-service/internal/models"
)

// GetTicketType reads the committed counters of a ticket type.
func (s *Store) GetTicketType(ctx context.Context, id int64) (*models.TicketType, error) {
	var tt models.TicketType
	err := s.db.GetContext(ctx, &tt, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket type: %w", err)
	}
	return &tt, nil
}

// CreateTicketType inserts a ticket type with zeroed counters.
func (s *Store) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	query := `
		INSERT INTO ticket_types (event_id, name, price, currency, capacity, min_per_order, max_per_order,
			sale_start_date, sale_end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, sold_count, reserved_count, created_at, updated_at`

	err := s.db.GetContext(ctx, tt, query,
		tt.EventID, tt.Name, tt.Price, tt.Currency, tt.Capacity, tt.MinPerOrder, tt.MaxPerOrder,
		tt.SaleStartDate, tt.SaleEndDate, tt.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create ticket type: %w", err)
	}
	return nil
}

// DeleteTicketType removes a ticket type that has never sold and holds nothing. If cancelled
// orders still reference it, the row is kept for their tickets and only deactivated; retired
// reports that case.
func (s *Store) DeleteTicketType(ctx context.Context, id int64) (retired bool, err error) {
	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		retired = false
		stx := tx.(*sqlTx)

		locked, err := stx.LockTicketTypes(ctx, []int64{id})
		if err != nil {
			return err
		}
		tt, ok := locked[id]
		if !ok {
			return fmt.Errorf("%w: %d", models.ErrTicketTypeNotFound, id)
		}
		if tt.SoldCount > 0 || tt.ReservedCount > 0 {
			return fmt.Errorf("%w: sold=%d reserved=%d", models.ErrTicketTypeHasSales, tt.SoldCount, tt.ReservedCount)
		}

		var referenced bool
		if err := stx.tx.GetContext(ctx, &referenced,
			`SELECT EXISTS(SELECT 1 FROM order_items WHERE ticket_type_id = $1)`, id); err != nil {
			return fmt.Errorf("failed to check ticket type references: %w", err)
		}

		if referenced {
			retired = true
			_, err = stx.tx.ExecContext(ctx,
				`UPDATE ticket_types SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
		} else {
			_, err = stx.tx.ExecContext(ctx, `DELETE FROM ticket_types WHERE id = $1`, id)
		}
		if err != nil {
			return fmt.Errorf("failed to delete ticket type %d: %w", id, err)
		}
		return nil
	})
	return retired, err
}

// CreateDiscountCode inserts a discount code with a zero usage counter.
func (s *Store) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	query := `
		INSERT INTO discount_codes (code, usage_limit, is_active, valid_from, valid_until)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, used_count, created_at`

	if err := s.db.GetContext(ctx, dc, query,
		dc.Code, dc.UsageLimit, dc.IsActive, dc.ValidFrom, dc.ValidUntil); err != nil {
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	return nil
}

// GetDiscountCode reads a discount code by its code string.
func (s *Store) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc, `SELECT `+discountCodeColumns+` FROM discount_codes WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrDiscountCodeInvalid, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return &dc, nil
}
