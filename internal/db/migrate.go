package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type migration struct {
	name  string
	query string
}

var migrations = []migration{
	{
		name: "patients",
		query: `CREATE TABLE IF NOT EXISTS patients (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "providers",
		query: `CREATE TABLE IF NOT EXISTS providers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			specialty  TEXT,
			location   TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "provider_availability",
		query: `CREATE TABLE IF NOT EXISTS provider_availability (
			provider_id TEXT NOT NULL,
			slot_date   DATE NOT NULL,
			labels      TEXT[] NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (provider_id, slot_date)
		)`,
	},
	{
		name: "appointments",
		query: `CREATE TABLE IF NOT EXISTS appointments (
			id                TEXT PRIMARY KEY,
			patient_id        TEXT NOT NULL,
			provider_id       TEXT NOT NULL,
			appt_date         DATE NOT NULL,
			slot              TEXT NOT NULL,
			status            TEXT NOT NULL,
			modality          TEXT NOT NULL DEFAULT 'offline',
			payment           TEXT NOT NULL DEFAULT 'unpaid',
			reason            TEXT NOT NULL,
			location          TEXT NOT NULL DEFAULT '',
			meeting_ref       TEXT NOT NULL DEFAULT '',
			prescription      TEXT NOT NULL DEFAULT '',
			rejection_reason  TEXT NOT NULL DEFAULT '',
			reschedule_reason TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "appointments_active_slot_key",
		query: `CREATE UNIQUE INDEX IF NOT EXISTS appointments_active_slot_key
			ON appointments (provider_id, appt_date, slot)
			WHERE status NOT IN ('rejected', 'cancelled')`,
	},
	{
		name:  "idx_appointments_patient",
		query: `CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, appt_date)`,
	},
	{
		name:  "idx_appointments_provider",
		query: `CREATE INDEX IF NOT EXISTS idx_appointments_provider ON appointments (provider_id, appt_date, status)`,
	},
	{
		name: "reminders",
		query: `CREATE TABLE IF NOT EXISTS reminders (
			id             UUID PRIMARY KEY,
			appointment_id TEXT NOT NULL REFERENCES appointments (id),
			recipient      TEXT NOT NULL,
			fire_at        TIMESTAMPTZ NOT NULL,
			payload        JSONB NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			error          TEXT NOT NULL DEFAULT '',
			claimed_at     TIMESTAMPTZ,
			sent_at        TIMESTAMPTZ,
			failed_at      TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		name:  "idx_reminders_due",
		query: `CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (fire_at) WHERE status = 'pending'`,
	},
	{
		name:  "idx_reminders_claimed",
		query: `CREATE INDEX IF NOT EXISTS idx_reminders_claimed ON reminders (claimed_at) WHERE status = 'in_flight'`,
	},
	{
		name:  "idx_reminders_appointment",
		query: `CREATE INDEX IF NOT EXISTS idx_reminders_appointment ON reminders (appointment_id, status)`,
	},
	{
		name: "event_logs",
		query: `CREATE TABLE IF NOT EXISTS event_logs (
			id             BIGSERIAL PRIMARY KEY,
			event_type     TEXT NOT NULL,
			appointment_id TEXT,
			payload        JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
}

// Migrate applies the schema. Every statement is idempotent so it runs on
// each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	log.Info("running database migrations")
	start := time.Now()

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.query); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	log.Info("migrations completed",
		zap.Int("statements", len(migrations)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
