package appointment

import (
	"strings"
	"time"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

type Modality string

const (
	ModalityOnline  Modality = "online"
	ModalityOffline Modality = "offline"
)

func ParseModality(s string) (Modality, error) {
	switch Modality(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModalityOffline:
		return ModalityOffline, nil
	case ModalityOnline:
		return ModalityOnline, nil
	}
	return "", apperr.Validation("invalid modality %q, expected online or offline", s)
}

type Payment string

const (
	PaymentPaid   Payment = "paid"
	PaymentUnpaid Payment = "unpaid"
)

func ParsePayment(s string) (Payment, error) {
	switch Payment(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaymentUnpaid:
		return PaymentUnpaid, nil
	case PaymentPaid:
		return PaymentPaid, nil
	}
	return "", apperr.Validation("invalid payment %q, expected paid or unpaid", s)
}

type Appointment struct {
	ID               string
	PatientID        string
	ProviderID       string
	Date             time.Time
	Slot             string
	Status           Status
	Modality         Modality
	Payment          Payment
	Reason           string
	Location         string
	MeetingRef       string
	Prescription     string
	RejectionReason  string
	RescheduleReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Placement is where an appointment sits in a provider's calendar.
type Placement struct {
	Date time.Time
	Slot string
}

func (a *Appointment) Placement() Placement {
	return Placement{Date: a.Date, Slot: a.Slot}
}

func (p Placement) Equal(o Placement) bool {
	return p.Slot == o.Slot && p.Date.Equal(o.Date)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *string
	Payload       []byte
	CreatedAt     time.Time
}

type ListFilter struct {
	Status Status     // empty matches every status
	Date   *time.Time // nil matches every date
	Limit  int
	Offset int
}

// Normalize clamps paging to the same bounds for every list call.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

// Actor is the authenticated caller. The core trusts it as given.
type Actor struct {
	ID   string
	Role Role
}

// owns reports whether the actor is the appointment's patient or provider.
func (a Actor) owns(appt *Appointment) bool {
	switch a.Role {
	case RolePatient:
		return appt.PatientID == a.ID
	case RoleProvider:
		return appt.ProviderID == a.ID
	}
	return false
}
