package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS medicines (
		id                UUID PRIMARY KEY,
		name              TEXT NOT NULL,
		generic_name      TEXT NOT NULL DEFAULT '',
		brand_name        TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		dosage_form       TEXT NOT NULL DEFAULT '',
		strength          TEXT NOT NULL DEFAULT '',
		quantity_in_stock INTEGER NOT NULL CHECK (quantity_in_stock >= 0),
		boxes_in_stock    INTEGER NOT NULL DEFAULT 0 CHECK (boxes_in_stock >= 0),
		capsules_per_box  INTEGER NOT NULL DEFAULT 0 CHECK (capsules_per_box >= 0),
		unit              TEXT NOT NULL,
		expiry_date       TIMESTAMPTZ NOT NULL,
		expiry_day        DATE NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT medicines_lot_key UNIQUE (name, expiry_day)
	)`,
	`CREATE TABLE IF NOT EXISTS dispense_records (
		seq            BIGSERIAL UNIQUE,
		id             UUID PRIMARY KEY,
		medicine_id    UUID NOT NULL,
		medicine_name  TEXT NOT NULL,
		quantity       INTEGER NOT NULL CHECK (quantity > 0),
		dispensed_at   TIMESTAMPTZ NOT NULL,
		dispensed_by   TEXT,
		appointment_id TEXT,
		source         TEXT NOT NULL CHECK (source IN ('manual', 'consultation'))
	)`,
	`ALTER TABLE dispense_records ADD COLUMN IF NOT EXISTS dispensed_by_name TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_dispense_records_medicine ON dispense_records (medicine_id, dispensed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dispense_records_dispensed_at ON dispense_records (dispensed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS users (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id               TEXT PRIMARY KEY,
		first_name       TEXT NOT NULL DEFAULT '',
		last_name        TEXT NOT NULL DEFAULT '',
		appointment_date TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id             UUID PRIMARY KEY,
		user_id        TEXT,
		recipient_type TEXT NOT NULL,
		type           TEXT NOT NULL,
		status         TEXT NOT NULL,
		message        TEXT NOT NULL,
		read           BOOLEAN NOT NULL DEFAULT FALSE,
		medicine_id    TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_type, read, created_at DESC)`,
}

// Migrate creates the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
