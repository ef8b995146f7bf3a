package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
)

type ScheduleRequest struct {
	AppointmentID string
	Recipient     string
	// Start is when the appointment begins.
	Start   time.Time
	Payload notify.Details
}

// Service creates and cancels reminders. It is called by the appointment
// service, usually inside its transaction.
type Service struct {
	store   Store
	lead    time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Collector
}

func NewService(store Store, lead time.Duration, now func() time.Time, log *zap.Logger, m *metrics.Collector) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   store,
		lead:    lead,
		now:     now,
		log:     log.Named("reminder"),
		metrics: m,
	}
}

func (s *Service) FireTime(start time.Time) time.Time {
	return start.Add(-s.lead)
}

// Schedule stores a pending reminder firing one lead before req.Start.
// When that instant is not strictly in the future nothing is stored and
// both results are nil.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Reminder, error) {
	if req.AppointmentID == "" {
		return nil, errors.New("schedule reminder: appointment id is required")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, errors.New("schedule reminder: recipient is required")
	}

	now := s.now()
	fireAt := s.FireTime(req.Start)
	if !fireAt.After(now) {
		s.log.Debug("reminder dropped, fire time already passed",
			zap.String("appointment_id", req.AppointmentID),
			zap.Time("fire_at", fireAt),
		)
		return nil, nil
	}

	r := &Reminder{
		ID:            uuid.New(),
		AppointmentID: req.AppointmentID,
		Recipient:     req.Recipient,
		FireAt:        fireAt.UTC(),
		Payload:       req.Payload,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}

	s.metrics.ReminderScheduled()
	s.log.Info("reminder scheduled",
		zap.String("appointment_id", r.AppointmentID),
		zap.String("reminder_id", r.ID.String()),
		zap.Time("fire_at", r.FireAt),
	)
	return r, nil
}

func (s *Service) CancelForAppointment(ctx context.Context, appointmentID string) (int64, error) {
	n, err := s.store.CancelPending(ctx, appointmentID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.RemindersCancelledN(n)
		s.log.Info("reminders cancelled",
			zap.String("appointment_id", appointmentID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

func (s *Service) ForAppointment(ctx context.Context, appointmentID string) ([]Reminder, error) {
	return s.store.ListByAppointment(ctx, appointmentID)
}

// Due lists up to limit pending reminders whose fire time has passed,
// without claiming them.
func (s *Service) Due(ctx context.Context, limit int) ([]Reminder, error) {
	return s.store.ListDue(ctx, s.now().UTC(), limit)
}
