package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Migrate creates the schema if it does not exist yet. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("Running database migrations")

	migrations := []string{
		createTicketTypesTable,
		createDiscountCodesTable,
		createOrdersTable,
		createOrderItemsTable,
		createTicketsTable,
		createOutboxTable,
		createOrdersExpiryIndex,
		createOutboxPendingIndex,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	s.logger.Info("Database migrations completed", zap.Int("count", len(migrations)))
	return nil
}

const createTicketTypesTable = `
CREATE TABLE IF NOT EXISTS ticket_types (
    id BIGSERIAL PRIMARY KEY,
    event_id BIGINT NOT NULL,
    name VARCHAR(200) NOT NULL,
    price NUMERIC(12,2) NOT NULL,
    currency CHAR(3) NOT NULL DEFAULT 'USD',
    capacity INTEGER NOT NULL,
    sold_count INTEGER NOT NULL DEFAULT 0,
    reserved_count INTEGER NOT NULL DEFAULT 0,
    min_per_order INTEGER NOT NULL DEFAULT 1,
    max_per_order INTEGER NOT NULL DEFAULT 10,
    sale_start_date TIMESTAMPTZ,
    sale_end_date TIMESTAMPTZ,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (capacity >= 0 AND sold_count >= 0 AND reserved_count >= 0),
    CHECK (sold_count + reserved_count <= capacity),
    CHECK (min_per_order >= 1 AND max_per_order >= min_per_order)
);`

const createDiscountCodesTable = `
CREATE TABLE IF NOT EXISTS discount_codes (
    id BIGSERIAL PRIMARY KEY,
    code VARCHAR(64) UNIQUE NOT NULL,
    used_count INTEGER NOT NULL DEFAULT 0,
    usage_limit INTEGER,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    valid_from TIMESTAMPTZ,
    valid_until TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (used_count >= 0),
    CHECK (usage_limit IS NULL OR used_count <= usage_limit)
);`

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS orders (
    id BIGSERIAL PRIMARY KEY,
    order_number VARCHAR(40) UNIQUE NOT NULL,
    user_id BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL,
    total_amount NUMERIC(12,2) NOT NULL,
    currency CHAR(3) NOT NULL,
    discount_code_id BIGINT REFERENCES discount_codes(id),
    idempotency_key VARCHAR(128) UNIQUE,
    expires_at TIMESTAMPTZ,
    cancel_reason VARCHAR(32),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    confirmed_at TIMESTAMPTZ,
    cancelled_at TIMESTAMPTZ,

    CHECK (status IN ('pending', 'confirmed', 'cancelled')),
    CHECK ((status = 'pending') = (expires_at IS NOT NULL))
);`

const createOrderItemsTable = `
CREATE TABLE IF NOT EXISTS order_items (
    id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(id),
    ticket_type_id BIGINT NOT NULL REFERENCES ticket_types(id),
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    unit_price NUMERIC(12,2) NOT NULL
);`

const createTicketsTable = `
CREATE TABLE IF NOT EXISTS tickets (
    id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(id),
    event_id BIGINT NOT NULL,
    ticket_type_id BIGINT NOT NULL REFERENCES ticket_types(id),
    user_id BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL,
    price NUMERIC(12,2) NOT NULL,
    qr_code VARCHAR(128) UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (status IN ('RESERVED', 'CONFIRMED', 'CANCELLED'))
);`

const createOutboxTable = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id BIGSERIAL PRIMARY KEY,
    topic_key VARCHAR(128) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    published_at TIMESTAMPTZ
);`

const createOrdersExpiryIndex = `
CREATE INDEX IF NOT EXISTS orders_pending_expires_at_idx
ON orders (expires_at) WHERE status = 'pending';`

const createOutboxPendingIndex = `
CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx
ON outbox_events (id) WHERE published_at IS NULL;`
