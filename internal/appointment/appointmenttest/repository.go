// Package appointmenttest provides an in-memory appointment.Repository that
// enforces the same live slot uniqueness as the database index.
package appointmenttest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hackgods/hams-appointments/internal/appointment"
)

type Repository struct {
	mu     sync.Mutex
	rows   map[string]*appointment.Appointment
	events []appointment.EventLog
	nextEv int64
}

func NewRepository() *Repository {
	return &Repository{rows: make(map[string]*appointment.Appointment)}
}

// holder returns the live appointment on the slot other than excludingID.
func (r *Repository) holder(providerID string, date time.Time, slot, excludingID string) *appointment.Appointment {
	for _, a := range r.rows {
		if a.ID == excludingID || !a.Status.Occupies() {
			continue
		}
		if a.ProviderID == providerID && a.Slot == slot && a.Date.Equal(date) {
			return a
		}
	}
	return nil
}

func (r *Repository) Insert(_ context.Context, a *appointment.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[a.ID]; ok {
		return appointment.ErrDuplicateID
	}
	if a.Status.Occupies() && r.holder(a.ProviderID, a.Date, a.Slot, a.ID) != nil {
		return appointment.ErrSlotTaken
	}
	cp := *a
	r.rows[a.ID] = &cp
	return nil
}

// Put stores an appointment as is, bypassing every check.
func (r *Repository) Put(a appointment.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[a.ID] = &a
}

func (r *Repository) GetByID(_ context.Context, id string) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Repository) UpdateStatus(_ context.Context, id string, from appointment.Status, upd appointment.StatusUpdate) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.rows[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrAppointmentNotFound
	}

	next := *a
	next.Status = upd.To
	next.UpdatedAt = upd.At
	if upd.Placement != nil {
		next.Date = upd.Placement.Date
		next.Slot = upd.Placement.Slot
	}
	if next.Status.Occupies() && r.holder(next.ProviderID, next.Date, next.Slot, next.ID) != nil {
		return nil, appointment.ErrSlotTaken
	}
	if upd.Prescription != nil {
		next.Prescription = *upd.Prescription
	}
	if upd.RejectionReason != nil {
		next.RejectionReason = *upd.RejectionReason
	}
	if upd.RescheduleReason != nil {
		next.RescheduleReason = *upd.RescheduleReason
	}

	*a = next
	cp := next
	return &cp, nil
}

func (r *Repository) FindConflict(_ context.Context, providerID string, date time.Time, slot, excludingID string) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.holder(providerID, date, slot, excludingID)
	if a == nil {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *Repository) BookedLabels(_ context.Context, providerID string, date time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.rows {
		if a.ProviderID == providerID && a.Date.Equal(date) && a.Status.Occupies() {
			out = append(out, a.Slot)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *Repository) list(match func(*appointment.Appointment) bool, f appointment.ListFilter) []appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []appointment.Appointment
	for _, a := range r.rows {
		if !match(a) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Date != nil && !a.Date.Equal(*f.Date) {
			continue
		}
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b appointment.Appointment) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		if b.Slot != a.Slot {
			if b.Slot < a.Slot {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if f.Offset >= len(out) {
		return nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (r *Repository) ListByPatient(_ context.Context, patientID string, f appointment.ListFilter) ([]appointment.Appointment, error) {
	return r.list(func(a *appointment.Appointment) bool { return a.PatientID == patientID }, f), nil
}

func (r *Repository) ListByProvider(_ context.Context, providerID string, f appointment.ListFilter) ([]appointment.Appointment, error) {
	return r.list(func(a *appointment.Appointment) bool { return a.ProviderID == providerID }, f), nil
}

func (r *Repository) ListBetween(_ context.Context, patientID, providerID, excludingID string) ([]appointment.Appointment, error) {
	return r.list(func(a *appointment.Appointment) bool {
		return a.PatientID == patientID && a.ProviderID == providerID && a.ID != excludingID
	}, appointment.ListFilter{Limit: 50}), nil
}

func (r *Repository) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEv++
	ev.ID = r.nextEv
	r.events = append(r.events, ev)
	return nil
}

// Events returns the event types recorded for an appointment, oldest first.
func (r *Repository) Events(appointmentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			out = append(out, ev.EventType)
		}
	}
	return out
}
