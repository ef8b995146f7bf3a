package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hams-appointments/internal/db"
)

const activeSlotConstraint = "appointments_active_slot_key"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, provider_id, appt_date, slot, status, modality, payment,
	reason, location, meeting_ref, prescription, rejection_reason, reschedule_reason,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Date,
		&a.Slot,
		&a.Status,
		&a.Modality,
		&a.Payment,
		&a.Reason,
		&a.Location,
		&a.MeetingRef,
		&a.Prescription,
		&a.RejectionReason,
		&a.RescheduleReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) Insert(ctx context.Context, a *Appointment) error {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, appt_date, slot, status, modality, payment,
			reason, location, meeting_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.ProviderID, a.Date, a.Slot, a.Status, a.Modality, a.Payment,
		a.Reason, a.Location, a.MeetingRef, a.CreatedAt)

	inserted, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err, activeSlotConstraint) {
			return ErrSlotTaken
		}
		if db.IsUniqueViolation(err, "appointments_pkey") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	*a = *inserted
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id string, from Status, upd StatusUpdate) (*Appointment, error) {
	var date *time.Time
	var slot *string
	if upd.Placement != nil {
		date = &upd.Placement.Date
		slot = &upd.Placement.Slot
	}

	var updated *Appointment
	err := db.Savepoint(ctx, r.pool, func(conn db.DBTX) error {
		row := conn.QueryRow(ctx, `
			UPDATE appointments
			SET status = $3,
			    prescription = COALESCE($4, prescription),
			    rejection_reason = COALESCE($5, rejection_reason),
			    reschedule_reason = COALESCE($6, reschedule_reason),
			    appt_date = COALESCE($7, appt_date),
			    slot = COALESCE($8, slot),
			    updated_at = $9
			WHERE id = $1
			  AND status = $2
			RETURNING `+appointmentColumns,
			id, from, upd.To, upd.Prescription, upd.RejectionReason, upd.RescheduleReason, date, slot, upd.At)

		var err error
		updated, err = scanAppointment(row)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err, activeSlotConstraint) {
			return nil, ErrSlotTaken
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) FindConflict(ctx context.Context, providerID string, date time.Time, slot, excludingID string) (*Appointment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND appt_date = $2
		  AND slot = $3
		  AND id <> $4
		  AND status NOT IN ('rejected', 'cancelled')
		LIMIT 1
	`, providerID, date, slot, excludingID)

	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find conflict: %w", err)
	}
	return a, nil
}

func (r *PgRepository) BookedLabels(ctx context.Context, providerID string, date time.Time) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT slot
		FROM appointments
		WHERE provider_id = $1
		  AND appt_date = $2
		  AND status NOT IN ('rejected', 'cancelled')
		ORDER BY slot
	`, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("booked labels: %w", err)
	}

	labels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("booked labels: %w", err)
	}
	return labels, nil
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID string, f ListFilter) ([]Appointment, error) {
	return r.list(ctx, "patient_id", patientID, f)
}

func (r *PgRepository) ListByProvider(ctx context.Context, providerID string, f ListFilter) ([]Appointment, error) {
	return r.list(ctx, "provider_id", providerID, f)
}

// list builds the filtered query. column is always one of the two
// constants passed by the exported methods.
func (r *PgRepository) list(ctx context.Context, column, owner string, f ListFilter) ([]Appointment, error) {
	f = f.Normalize()

	where := []string{column + " = $1"}
	args := []any{owner}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.Date != nil {
		args = append(args, *f.Date)
		where = append(where, "appt_date = $"+strconv.Itoa(len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY appt_date DESC, slot DESC, created_at DESC
		LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments by %s: %w", column, err)
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListBetween(ctx context.Context, patientID, providerID, excludingID string) ([]Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND provider_id = $2
		  AND id <> $3
		ORDER BY appt_date DESC, slot DESC
		LIMIT 50
	`, patientID, providerID, excludingID)
	if err != nil {
		return nil, fmt.Errorf("list appointment history: %w", err)
	}
	return scanAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
