package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

var (
	ErrAppointmentNotFound = apperr.New(apperr.KindNotFound, "appointment not found")
	ErrSlotNotOffered      = apperr.New(apperr.KindNotFound, "slot is not offered on that date")
	ErrNoSlotsAvailable    = apperr.New(apperr.KindNotFound, "no available slots to reschedule")
	ErrSlotTaken           = apperr.New(apperr.KindConflict, "slot is already booked")
	ErrSlotBeingBooked     = apperr.New(apperr.KindConflict, "slot is currently being booked, please retry")
	ErrInvalidTransition   = apperr.New(apperr.KindInvalidTransition, "invalid status transition")
	ErrConcurrentUpdate    = apperr.New(apperr.KindInvalidTransition, "status changed concurrently")

	// ErrDuplicateID means a generated id collided; the insert can be retried
	// with a fresh id.
	ErrDuplicateID = errors.New("appointment id already exists")
)

// StatusUpdate describes one conditional status change. Nil fields keep
// their stored value.
type StatusUpdate struct {
	To               Status
	Prescription     *string
	RejectionReason  *string
	RescheduleReason *string
	Placement        *Placement
	At               time.Time
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Insert fails with ErrSlotTaken when a live appointment already holds
	// the slot.
	Insert(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id string) (*Appointment, error)

	// UpdateStatus applies upd only while the stored status equals from.
	// It returns ErrAppointmentNotFound when no row matched and
	// ErrSlotTaken when a new placement collides.
	UpdateStatus(ctx context.Context, id string, from Status, upd StatusUpdate) (*Appointment, error)

	// FindConflict returns the live appointment holding the slot, other
	// than excludingID, or nil.
	FindConflict(ctx context.Context, providerID string, date time.Time, slot, excludingID string) (*Appointment, error)
	BookedLabels(ctx context.Context, providerID string, date time.Time) ([]string, error)

	ListByPatient(ctx context.Context, patientID string, f ListFilter) ([]Appointment, error)
	ListByProvider(ctx context.Context, providerID string, f ListFilter) ([]Appointment, error)
	// ListBetween returns the history between a patient and a provider,
	// newest first.
	ListBetween(ctx context.Context, patientID, providerID, excludingID string) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
