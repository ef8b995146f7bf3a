package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hams-appointments/internal/db"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const reminderColumns = `id, appointment_id, recipient, fire_at, payload, status, error,
	claimed_at, sent_at, failed_at, created_at, updated_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder
	var payload []byte

	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.Recipient,
		&r.FireAt,
		&payload,
		&r.Status,
		&r.Error,
		&r.ClaimedAt,
		&r.SentAt,
		&r.FailedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode reminder payload %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func collect(rows pgx.Rows) ([]Reminder, error) {
	defer rows.Close()

	var result []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) Insert(ctx context.Context, r *Reminder) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode reminder payload: %w", err)
	}

	row := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO reminders (id, appointment_id, recipient, fire_at, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+reminderColumns,
		r.ID, r.AppointmentID, r.Recipient, r.FireAt, payload, r.Status, r.CreatedAt)

	inserted, err := scanReminder(row)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	*r = *inserted
	return nil
}

func (s *PgStore) CancelPending(ctx context.Context, appointmentID string, at time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reminders
		SET status = 'cancelled', updated_at = $2
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID, at)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders for %s: %w", appointmentID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE status = 'pending' AND fire_at <= $1
		ORDER BY fire_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return collect(rows)
}

func (s *PgStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		WITH due AS (
			SELECT id
			FROM reminders
			WHERE status = 'pending' AND fire_at <= $1
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE reminders r
		SET status = 'in_flight', claimed_at = $1, updated_at = $1
		FROM due
		WHERE r.id = due.id
		RETURNING r.id, r.appointment_id, r.recipient, r.fire_at, r.payload, r.status, r.error,
			r.claimed_at, r.sent_at, r.failed_at, r.created_at, r.updated_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	return collect(rows)
}

func (s *PgStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reminders
		SET status = 'sent', sent_at = $2, error = '', updated_at = $2
		WHERE id = $1 AND status = 'in_flight'
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark reminder %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reminders
		SET status = 'failed', failed_at = $2, error = $3, updated_at = $2
		WHERE id = $1 AND status = 'in_flight'
	`, id, at, reason)
	if err != nil {
		return fmt.Errorf("mark reminder %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PgStore) ReleaseClaim(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reminders
		SET status = 'pending', claimed_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'in_flight'
	`, id, at)
	if err != nil {
		return fmt.Errorf("release reminder %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PgStore) FailStaleClaims(ctx context.Context, claimedBefore, at time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE reminders
		SET status = 'failed', failed_at = $2, error = $3, updated_at = $2
		WHERE status = 'in_flight' AND claimed_at < $1
	`, claimedBefore, at, StaleClaimError)
	if err != nil {
		return 0, fmt.Errorf("fail stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) ListByAppointment(ctx context.Context, appointmentID string) ([]Reminder, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reminders for %s: %w", appointmentID, err)
	}
	return collect(rows)
}
