package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/notify"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StaleClaimError is recorded on claims abandoned by a crashed or stuck tick.
const StaleClaimError = "delivery outcome unknown"

var (
	ErrReminderNotFound = apperr.New(apperr.KindNotFound, "reminder not found")
	// ErrNotClaimed is returned when finalizing a reminder that is no longer
	// in flight.
	ErrNotClaimed = apperr.New(apperr.KindInvalidTransition, "reminder is not in flight")
)

type Reminder struct {
	ID            uuid.UUID
	AppointmentID string
	Recipient     string
	FireAt        time.Time
	Payload       notify.Details
	Status        Status
	Error         string
	ClaimedAt     *time.Time
	SentAt        *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store interface {
	Insert(ctx context.Context, r *Reminder) error
	// CancelPending moves every pending reminder of the appointment to
	// cancelled and returns how many moved.
	CancelPending(ctx context.Context, appointmentID string, at time.Time) (int64, error)
	// ListDue is a read-only view of what the next claim would pick. It
	// backs the worker's dry run.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// ClaimDue atomically moves up to limit due pending reminders to
	// in_flight and returns them. Concurrent callers never get the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	// ReleaseClaim moves an in_flight reminder back to pending so a later
	// tick can claim it again. Returns ErrNotClaimed when it is not in flight.
	ReleaseClaim(ctx context.Context, id uuid.UUID, at time.Time) error
	FailStaleClaims(ctx context.Context, claimedBefore, at time.Time) (int64, error)
	ListByAppointment(ctx context.Context, appointmentID string) ([]Reminder, error)
}
