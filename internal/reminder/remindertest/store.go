// Package remindertest provides an in-memory reminder.Store.
package remindertest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hams-appointments/internal/reminder"
)

type Store struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*reminder.Reminder
	// InsertErr, when set, is returned by Insert.
	InsertErr error
}

func NewStore() *Store {
	return &Store{rows: make(map[uuid.UUID]*reminder.Reminder)}
}

func (s *Store) Insert(_ context.Context, r *reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	cp := *r
	s.rows[r.ID] = &cp
	return nil
}

func (s *Store) CancelPending(_ context.Context, appointmentID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.AppointmentID == appointmentID && r.Status == reminder.StatusPending {
			r.Status = reminder.StatusCancelled
			r.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *Store) due(now time.Time, limit int) []*reminder.Reminder {
	var out []*reminder.Reminder
	for _, r := range s.rows {
		if r.Status == reminder.StatusPending && !r.FireAt.After(now) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *reminder.Reminder) int { return a.FireAt.Compare(b.FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.due(now, limit) {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.due(now, limit) {
		claimedAt := now
		r.Status = reminder.StatusInFlight
		r.ClaimedAt = &claimedAt
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) finish(id uuid.UUID, apply func(r *reminder.Reminder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return reminder.ErrReminderNotFound
	}
	if r.Status != reminder.StatusInFlight {
		return reminder.ErrNotClaimed
	}
	apply(r)
	return nil
}

func (s *Store) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.finish(id, func(r *reminder.Reminder) {
		r.Status = reminder.StatusSent
		r.SentAt = &at
		r.Error = ""
		r.UpdatedAt = at
	})
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	return s.finish(id, func(r *reminder.Reminder) {
		r.Status = reminder.StatusFailed
		r.FailedAt = &at
		r.Error = reason
		r.UpdatedAt = at
	})
}

func (s *Store) ReleaseClaim(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.finish(id, func(r *reminder.Reminder) {
		r.Status = reminder.StatusPending
		r.ClaimedAt = nil
		r.UpdatedAt = at
	})
}

func (s *Store) FailStaleClaims(_ context.Context, claimedBefore, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.Status == reminder.StatusInFlight && r.ClaimedAt != nil && r.ClaimedAt.Before(claimedBefore) {
			failedAt := at
			r.Status = reminder.StatusFailed
			r.FailedAt = &failedAt
			r.Error = reminder.StaleClaimError
			r.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *Store) ListByAppointment(_ context.Context, appointmentID string) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range s.rows {
		if r.AppointmentID == appointmentID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b reminder.Reminder) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// All returns every stored reminder.
func (s *Store) All() []reminder.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reminder.Reminder, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	return out
}

// Put stores r as is, for arranging claimed or aged rows in tests.
func (s *Store) Put(r reminder.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = &r
}
