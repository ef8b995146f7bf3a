package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/db"
	"github.com/hackgods/hams-appointments/internal/directory"
	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
	redisclient "github.com/hackgods/hams-appointments/internal/redis"
	"github.com/hackgods/hams-appointments/internal/reminder"
)

const (
	EventAppointmentRequested           = "APPOINTMENT_REQUESTED"
	EventAppointmentAccepted            = "APPOINTMENT_ACCEPTED"
	EventAppointmentRejected            = "APPOINTMENT_REJECTED"
	EventAppointmentConfirmed           = "APPOINTMENT_CONFIRMED"
	EventAppointmentRescheduleRequested = "APPOINTMENT_RESCHEDULE_REQUESTED"
	EventAppointmentRescheduled         = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted           = "APPOINTMENT_COMPLETED"
	EventAppointmentIncomplete          = "APPOINTMENT_INCOMPLETE"
	EventAppointmentCancelled           = "APPOINTMENT_CANCELLED"
)

var ErrNotPermitted = apperr.New(apperr.KindForbidden, "action not permitted for this role")

const idLength = 10

type outputs struct {
	event  string
	notice notify.Kind
}

var actionOutputs = map[Action]outputs{
	ActionAccept:            {EventAppointmentAccepted, notify.KindAccepted},
	ActionDecline:           {EventAppointmentRejected, notify.KindDeclined},
	ActionConfirm:           {EventAppointmentConfirmed, notify.KindConfirmed},
	ActionRequestReschedule: {EventAppointmentRescheduleRequested, notify.KindRescheduleRequested},
	ActionApproveReschedule: {EventAppointmentRescheduled, notify.KindRescheduled},
	ActionDeclineReschedule: {EventAppointmentRejected, notify.KindRescheduleDeclined},
	ActionReschedule:        {EventAppointmentRescheduled, notify.KindRescheduled},
	ActionComplete:          {EventAppointmentCompleted, notify.KindCompleted},
	ActionReject:            {EventAppointmentRejected, notify.KindRejected},
	ActionMarkIncomplete:    {EventAppointmentIncomplete, notify.KindIncomplete},
	ActionCancel:            {EventAppointmentCancelled, notify.KindCancelled},
}

// SlotSource is the part of the slot store the ledger reads.
type SlotSource interface {
	IsOffered(ctx context.Context, providerID string, date time.Time, label string) (bool, error)
	GetAvailability(ctx context.Context, providerID string, from time.Time) ([]availability.Day, error)
}

type Reminders interface {
	Schedule(ctx context.Context, req reminder.ScheduleRequest) (*reminder.Reminder, error)
	CancelForAppointment(ctx context.Context, appointmentID string) (int64, error)
	ForAppointment(ctx context.Context, appointmentID string) ([]reminder.Reminder, error)
}

type Settings struct {
	Location        *time.Location // clinic time zone slot labels are read in
	MeetingBaseURL  string
	MeetingPrefix   string
	DefaultLocation string // shown when neither booking nor provider has one
	NotifyTimeout   time.Duration
}

type Deps struct {
	Repo      Repository
	Slots     SlotSource
	Reminders Reminders
	Directory directory.Directory
	Gateway   notify.Gateway
	Renderer  *notify.Renderer
	Locker    redisclient.Locker
	Tx        db.Transactor
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Now       func() time.Time
	NewID     func() (string, error)
}

type Service struct {
	repo      Repository
	slots     SlotSource
	reminders Reminders
	dir       directory.Directory
	gateway   notify.Gateway
	renderer  *notify.Renderer
	locker    redisclient.Locker
	tx        db.Transactor
	log       *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	newID     func() (string, error)
	settings  Settings
}

func NewService(d Deps, st Settings) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() (string, error) { return gonanoid.New(idLength) }
	}
	if d.Locker == nil {
		d.Locker = redisclient.NewLocalLocker()
	}
	if d.Tx == nil {
		d.Tx = noTx{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if st.Location == nil {
		st.Location = time.UTC
	}
	if st.MeetingPrefix == "" {
		st.MeetingPrefix = "HAMS"
	}
	if st.NotifyTimeout <= 0 {
		st.NotifyTimeout = 5 * time.Second
	}

	return &Service{
		repo:      d.Repo,
		slots:     d.Slots,
		reminders: d.Reminders,
		dir:       d.Directory,
		gateway:   d.Gateway,
		renderer:  d.Renderer,
		locker:    d.Locker,
		tx:        d.Tx,
		log:       d.Logger.Named("appointment"),
		metrics:   d.Metrics,
		now:       d.Now,
		newID:     d.NewID,
		settings:  st,
	}
}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Notification reports the immediate message sent after a state change.
// A failed send never undoes the change.
type Notification struct {
	Attempted bool   `json:"attempted"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

type Result struct {
	Appointment *Appointment
	Previous    *Placement // set when the appointment moved
	Reminder    *reminder.Reminder
	// ReminderWarning says why a reminder the transition called for was
	// not scheduled. Empty when Reminder is set or its fire time had passed.
	ReminderWarning    string
	RemindersCancelled int64
	Notification       Notification
}

type Detail struct {
	Appointment *Appointment
	MeetingURL  string
	History     []Appointment
	Reminders   []reminder.Reminder
}

type BookCommand struct {
	PatientID  string
	ProviderID string
	Date       time.Time
	Slot       string
	Reason     string
	Modality   string
	Payment    string
	Location   string
}

type RescheduleCommand struct {
	ID     string
	Date   time.Time
	Slot   string
	Reason string
}

// Book creates a Requested appointment. The slot must be offered for the
// date and not held by another live appointment; the partial unique index
// decides races.
func (s *Service) Book(ctx context.Context, cmd BookCommand) (*Result, error) {
	appt, err := s.newAppointment(cmd)
	if err != nil {
		s.metrics.Booking("invalid")
		return nil, err
	}

	offered, err := s.slots.IsOffered(ctx, appt.ProviderID, appt.Date, appt.Slot)
	if err != nil {
		s.metrics.Booking("error")
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !offered {
		s.metrics.Booking("not_offered")
		return nil, ErrSlotNotOffered
	}

	key := redisclient.SlotKey(appt.ProviderID, availability.FormatDate(appt.Date), appt.Slot)
	err = s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		return s.insert(lockCtx, appt)
	})
	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.Booking("conflict")
			return nil, ErrSlotBeingBooked
		case errors.Is(err, ErrSlotTaken):
			s.metrics.Booking("conflict")
			return nil, ErrSlotTaken
		}
		s.metrics.Booking("error")
		return nil, err
	}

	s.metrics.Booking("created")
	s.log.Info("appointment requested",
		zap.String("appointment_id", appt.ID),
		zap.String("provider_id", appt.ProviderID),
		zap.String("patient_id", appt.PatientID),
		zap.String("date", availability.FormatDate(appt.Date)),
		zap.String("slot", appt.Slot),
	)

	s.logEvent(ctx, appt.ID, EventAppointmentRequested, map[string]any{
		"provider_id": appt.ProviderID,
		"patient_id":  appt.PatientID,
		"date":        availability.FormatDate(appt.Date),
		"slot":        appt.Slot,
		"modality":    appt.Modality,
	})

	return &Result{
		Appointment:  appt,
		Notification: s.notify(ctx, notify.KindRequested, appt, nil, ""),
	}, nil
}

func (s *Service) newAppointment(cmd BookCommand) (*Appointment, error) {
	if strings.TrimSpace(cmd.PatientID) == "" {
		return nil, apperr.Validation("patient is required")
	}
	if strings.TrimSpace(cmd.ProviderID) == "" {
		return nil, apperr.Validation("provider is required")
	}
	if cmd.Date.IsZero() {
		return nil, apperr.Validation("date is required")
	}
	slot := strings.TrimSpace(cmd.Slot)
	if slot == "" {
		return nil, apperr.Validation("slot is required")
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	modality, err := ParseModality(cmd.Modality)
	if err != nil {
		return nil, err
	}
	payment, err := ParsePayment(cmd.Payment)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !availability.SlotStart(cmd.Date, slot, s.settings.Location).After(now) {
		return nil, apperr.Validation("cannot book a slot that has already started")
	}

	a := &Appointment{
		PatientID:  cmd.PatientID,
		ProviderID: cmd.ProviderID,
		Date:       cmd.Date,
		Slot:       slot,
		Status:     StatusRequested,
		Modality:   modality,
		Payment:    payment,
		Reason:     reason,
		Location:   strings.TrimSpace(cmd.Location),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if modality == ModalityOnline {
		a.MeetingRef = meetingRef(s.settings.MeetingPrefix, a.ProviderID, a.PatientID, now)
	}
	return a, nil
}

// insert retries id collisions with a fresh short code.
func (s *Service) insert(ctx context.Context, a *Appointment) error {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := s.newID()
		if err != nil {
			return fmt.Errorf("generate appointment id: %w", err)
		}
		a.ID = id

		err = s.repo.Insert(ctx, a)
		if errors.Is(err, ErrDuplicateID) {
			s.log.Warn("appointment id collision, retrying", zap.String("appointment_id", id))
			continue
		}
		return err
	}
	return fmt.Errorf("generate unique appointment id: %w", ErrDuplicateID)
}

// Respond is the provider's answer to a Requested appointment. Accepting
// schedules the reminder.
func (s *Service) Respond(ctx context.Context, actor Actor, id string, accept bool, reason string) (*Result, error) {
	if accept {
		return s.run(ctx, transition{action: ActionAccept, actor: actor, id: id})
	}
	return s.run(ctx, transition{
		action: ActionDecline,
		actor:  actor,
		id:     id,
		update: func(context.Context, *Appointment) ([]StatusUpdate, error) {
			return []StatusUpdate{{RejectionReason: optional(reason)}}, nil
		},
	})
}

func (s *Service) Confirm(ctx context.Context, actor Actor, id string) (*Result, error) {
	return s.run(ctx, transition{action: ActionConfirm, actor: actor, id: id})
}

func (s *Service) RequestReschedule(ctx context.Context, actor Actor, id, reason string) (*Result, error) {
	return s.run(ctx, transition{
		action: ActionRequestReschedule,
		actor:  actor,
		id:     id,
		update: func(context.Context, *Appointment) ([]StatusUpdate, error) {
			return []StatusUpdate{{RescheduleReason: optional(reason)}}, nil
		},
	})
}

// DecideReschedule answers a reschedule request. Approval moves the
// appointment to the first free future slot in the provider's availability.
func (s *Service) DecideReschedule(ctx context.Context, actor Actor, id string, approve bool, reason string) (*Result, error) {
	if approve {
		return s.run(ctx, transition{
			action:   ActionApproveReschedule,
			actor:    actor,
			id:       id,
			update:   s.freeSlotCandidates,
			searched: true,
		})
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a reason is required to decline a reschedule request")
	}
	return s.run(ctx, transition{
		action: ActionDeclineReschedule,
		actor:  actor,
		id:     id,
		note:   reason,
		update: func(context.Context, *Appointment) ([]StatusUpdate, error) {
			return []StatusUpdate{{RejectionReason: &reason}}, nil
		},
	})
}

// Reschedule moves an appointment to a provider-chosen slot.
func (s *Service) Reschedule(ctx context.Context, actor Actor, cmd RescheduleCommand) (*Result, error) {
	if cmd.Date.IsZero() {
		return nil, apperr.Validation("date is required")
	}
	slot := strings.TrimSpace(cmd.Slot)
	if slot == "" {
		return nil, apperr.Validation("slot is required")
	}
	if !availability.SlotStart(cmd.Date, slot, s.settings.Location).After(s.now()) {
		return nil, apperr.Validation("cannot reschedule to a slot that has already started")
	}

	var res *Result
	key := redisclient.SlotKey(actor.ID, availability.FormatDate(cmd.Date), slot)
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		var err error
		res, err = s.run(lockCtx, s.rescheduleTo(actor, cmd.ID, cmd.Date, slot, cmd.Reason))
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrSlotBeingBooked
	}
	return res, err
}

func (s *Service) rescheduleTo(actor Actor, id string, date time.Time, slot, reason string) transition {
	return transition{
		action: ActionReschedule,
		actor:  actor,
		id:     id,
		update: func(ctx context.Context, a *Appointment) ([]StatusUpdate, error) {
			offered, err := s.slots.IsOffered(ctx, a.ProviderID, date, slot)
			if err != nil {
				return nil, fmt.Errorf("check slot: %w", err)
			}
			if !offered {
				return nil, ErrSlotNotOffered
			}

			conflict, err := s.repo.FindConflict(ctx, a.ProviderID, date, slot, a.ID)
			if err != nil {
				return nil, err
			}
			if conflict != nil {
				return nil, apperr.Wrap(apperr.KindConflict,
					fmt.Sprintf("slot %s on %s is already booked", slot, availability.FormatDate(date)), ErrSlotTaken)
			}

			return []StatusUpdate{{
				Placement:        &Placement{Date: date, Slot: slot},
				RescheduleReason: optional(reason),
			}}, nil
		},
	}
}

func (s *Service) Cancel(ctx context.Context, actor Actor, id, reason string) (*Result, error) {
	return s.run(ctx, transition{action: ActionCancel, actor: actor, id: id, note: strings.TrimSpace(reason)})
}

func (s *Service) Complete(ctx context.Context, actor Actor, id, prescription string) (*Result, error) {
	return s.run(ctx, transition{
		action: ActionComplete,
		actor:  actor,
		id:     id,
		update: func(context.Context, *Appointment) ([]StatusUpdate, error) {
			return []StatusUpdate{{Prescription: optional(prescription)}}, nil
		},
	})
}

func (s *Service) Reject(ctx context.Context, actor Actor, id, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a reason is required to reject an appointment")
	}
	return s.run(ctx, transition{
		action: ActionReject,
		actor:  actor,
		id:     id,
		update: func(context.Context, *Appointment) ([]StatusUpdate, error) {
			return []StatusUpdate{{RejectionReason: &reason}}, nil
		},
	})
}

func (s *Service) MarkIncomplete(ctx context.Context, actor Actor, id string) (*Result, error) {
	return s.run(ctx, transition{action: ActionMarkIncomplete, actor: actor, id: id})
}

type transition struct {
	action Action
	actor  Actor
	id     string
	// note overrides the reason shown in the notification.
	note string
	// update returns the changes to try, in order. A candidate that hits
	// ErrSlotTaken falls through to the next one. Nil means a bare status
	// change.
	update func(ctx context.Context, a *Appointment) ([]StatusUpdate, error)
	// searched marks update as a search over free slots, so losing every
	// candidate to a race means no slot is left rather than a conflict.
	searched bool
}

func (s *Service) run(ctx context.Context, t transition) (*Result, error) {
	res, err := s.runTransition(ctx, t)
	if err != nil {
		s.metrics.Transition(string(t.action), apperr.KindOf(err).String())
		return nil, err
	}
	s.metrics.Transition(string(t.action), "ok")
	return res, nil
}

func (s *Service) runTransition(ctx context.Context, t transition) (*Result, error) {
	current, err := s.load(ctx, t.actor, t.id)
	if err != nil {
		return nil, err
	}
	if !AllowedFor(t.action, t.actor.Role) {
		return nil, ErrNotPermitted
	}

	to, err := Transition(t.action, current.Status)
	if err != nil {
		return nil, err
	}

	updates := []StatusUpdate{{}}
	if t.update != nil {
		updates, err = t.update(ctx, current)
		if err != nil {
			return nil, err
		}
	}

	effect := rules[t.action].reminders

	var (
		updated   *Appointment
		scheduled *reminder.Reminder
		warning   string
		cancelled int64
	)
	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = s.apply(txCtx, current, to, updates, t.searched)
		if err != nil {
			return err
		}

		if effect == reminderCancel || effect == reminderReplace {
			cancelled, err = s.reminders.CancelForAppointment(txCtx, updated.ID)
			if err != nil {
				return fmt.Errorf("cancel reminders: %w", err)
			}
		}

		// A Requested appointment was never accepted, so moving it does not
		// earn a reminder yet.
		if effect == reminderSchedule || (effect == reminderReplace && current.Status != StatusRequested) {
			scheduled, warning, err = s.scheduleReminder(txCtx, updated)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Appointment:        updated,
		Reminder:           scheduled,
		ReminderWarning:    warning,
		RemindersCancelled: cancelled,
	}
	if !updated.Placement().Equal(current.Placement()) {
		prev := current.Placement()
		res.Previous = &prev
	}

	s.log.Info("appointment status changed",
		zap.String("appointment_id", updated.ID),
		zap.String("action", string(t.action)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
		zap.Bool("reminder_scheduled", scheduled != nil),
		zap.String("reminder_warning", warning),
		zap.Int64("reminders_cancelled", cancelled),
	)

	payload := map[string]any{
		"from":  current.Status,
		"to":    updated.Status,
		"actor": t.actor.ID,
	}
	if res.Previous != nil {
		payload["previous_date"] = availability.FormatDate(res.Previous.Date)
		payload["previous_slot"] = res.Previous.Slot
		payload["date"] = availability.FormatDate(updated.Date)
		payload["slot"] = updated.Slot
	}
	if t.note != "" {
		payload["reason"] = t.note
	}
	out := actionOutputs[t.action]
	s.logEvent(ctx, updated.ID, out.event, payload)

	res.Notification = s.notify(ctx, out.notice, updated, res.Previous, t.note)
	return res, nil
}

// apply tries each update until one lands. Zero matched rows means the
// status moved underneath us.
func (s *Service) apply(ctx context.Context, current *Appointment, to Status, updates []StatusUpdate, searched bool) (*Appointment, error) {
	var lastErr error = ErrSlotTaken
	for _, upd := range updates {
		upd.To = to
		upd.At = s.now().UTC()

		updated, err := s.repo.UpdateStatus(ctx, current.ID, current.Status, upd)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, ErrSlotTaken):
			lastErr = err
			continue
		case errors.Is(err, ErrAppointmentNotFound):
			return nil, s.classifyMiss(ctx, current.ID)
		default:
			return nil, err
		}
	}
	if searched {
		return nil, ErrNoSlotsAvailable
	}
	return nil, lastErr
}

func (s *Service) classifyMiss(ctx context.Context, id string) error {
	latest, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("reload appointment: %w", err)
	}
	return apperr.Wrap(apperr.KindInvalidTransition,
		fmt.Sprintf("status changed concurrently, appointment is now %s", latest.Status), ErrConcurrentUpdate)
}

// freeSlotCandidates lists every free future slot in the provider's
// availability other than the current one, by date and then offered order.
func (s *Service) freeSlotCandidates(ctx context.Context, a *Appointment) ([]StatusUpdate, error) {
	now := s.now()
	loc := s.settings.Location

	days, err := s.slots.GetAvailability(ctx, a.ProviderID, availability.DateOf(now, loc))
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}

	var candidates []StatusUpdate
	for _, day := range days {
		booked, err := s.repo.BookedLabels(ctx, a.ProviderID, day.Date)
		if err != nil {
			return nil, err
		}
		taken := make(map[string]struct{}, len(booked))
		for _, l := range booked {
			taken[l] = struct{}{}
		}

		for _, label := range day.Labels {
			if _, ok := taken[label]; ok {
				continue
			}
			if label == a.Slot && day.Date.Equal(a.Date) {
				continue
			}
			if !availability.SlotStart(day.Date, label, loc).After(now) {
				continue
			}
			candidates = append(candidates, StatusUpdate{
				Placement: &Placement{Date: day.Date, Slot: label},
			})
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoSlotsAvailable
	}
	return candidates, nil
}

// scheduleReminder returns a warning instead of an error when the patient
// cannot be reached by email. Any other lookup failure aborts the caller's
// transaction.
func (s *Service) scheduleReminder(ctx context.Context, a *Appointment) (*reminder.Reminder, string, error) {
	details, patient, _, err := s.details(ctx, a)
	if errors.Is(err, directory.ErrPatientNotFound) {
		s.log.Warn("reminder skipped, patient not in directory", zap.String("appointment_id", a.ID))
		return nil, "reminder not scheduled: patient not found", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load reminder details: %w", err)
	}
	if strings.TrimSpace(patient.Email) == "" {
		s.log.Warn("reminder skipped, patient has no email", zap.String("appointment_id", a.ID))
		return nil, "reminder not scheduled: patient has no email address", nil
	}

	r, err := s.reminders.Schedule(ctx, reminder.ScheduleRequest{
		AppointmentID: a.ID,
		Recipient:     patient.Email,
		Start:         availability.SlotStart(a.Date, a.Slot, s.settings.Location),
		Payload:       details,
	})
	if err != nil {
		return nil, "", fmt.Errorf("schedule reminder: %w", err)
	}
	return r, "", nil
}

// Get returns an appointment the actor is party to.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	return s.load(ctx, actor, id)
}

func (s *Service) load(ctx context.Context, actor Actor, id string) (*Appointment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("appointment id is required")
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !actor.owns(a) {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

// List returns the actor's own appointments.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]Appointment, error) {
	f = f.Normalize()

	var (
		list []Appointment
		err  error
	)
	switch actor.Role {
	case RolePatient:
		list, err = s.repo.ListByPatient(ctx, actor.ID, f)
	case RoleProvider:
		list, err = s.repo.ListByProvider(ctx, actor.ID, f)
	default:
		return nil, ErrNotPermitted
	}
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if list == nil {
		list = []Appointment{}
	}
	return list, nil
}

// Detail returns an appointment with the earlier visits between the same
// patient and provider and the reminders attached to it.
func (s *Service) Detail(ctx context.Context, actor Actor, id string) (*Detail, error) {
	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	history, err := s.repo.ListBetween(ctx, a.PatientID, a.ProviderID, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	reminders, err := s.reminders.ForAppointment(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}

	return &Detail{
		Appointment: a,
		MeetingURL:  MeetingURL(s.settings.MeetingBaseURL, a.MeetingRef),
		History:     history,
		Reminders:   reminders,
	}, nil
}

// FindConflict reports the live appointment holding a slot, ignoring
// excludingID. It never writes.
func (s *Service) FindConflict(ctx context.Context, providerID string, date time.Time, slot, excludingID string) (*Appointment, error) {
	return s.repo.FindConflict(ctx, providerID, date, slot, excludingID)
}

func (s *Service) details(ctx context.Context, a *Appointment) (notify.Details, *directory.Patient, *directory.Provider, error) {
	patient, err := s.dir.GetPatient(ctx, a.PatientID)
	if err != nil {
		return notify.Details{}, nil, nil, err
	}
	provider, err := s.dir.GetProvider(ctx, a.ProviderID)
	if err != nil {
		return notify.Details{}, nil, nil, err
	}

	location := a.Location
	if location == "" {
		location = provider.LocationOr(s.settings.DefaultLocation)
	}

	d := notify.Details{
		AppointmentID: a.ID,
		PatientName:   patient.Name,
		ProviderName:  provider.Name,
		Date:          notify.DisplayDate(a.Date),
		Time:          a.Slot,
		Location:      location,
		MeetingURL:    MeetingURL(s.settings.MeetingBaseURL, a.MeetingRef),
	}
	switch a.Status {
	case StatusRejected:
		d.Reason = a.RejectionReason
	case StatusRequestForReschedule, StatusRescheduled:
		d.Reason = a.RescheduleReason
	case StatusCompleted:
		d.Prescription = a.Prescription
	}
	return d, patient, provider, nil
}

// notify sends the immediate message for a state change. It runs after
// commit, detached from the caller's cancellation and bounded by
// NotifyTimeout.
func (s *Service) notify(ctx context.Context, kind notify.Kind, a *Appointment, prev *Placement, note string) Notification {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.NotifyTimeout)
	defer cancel()

	log := s.log.With(zap.String("appointment_id", a.ID), zap.String("kind", string(kind)))

	details, patient, provider, err := s.details(ctx, a)
	if err != nil {
		log.Warn("notification skipped, recipient lookup failed", zap.Error(err))
		return Notification{Error: "recipient lookup failed: " + apperr.Message(err)}
	}

	to := patient.Email
	if kind.ToProvider() {
		to = provider.Email
	}
	if to == "" {
		log.Warn("notification skipped, no email address on file")
		return Notification{Error: "no email address on file"}
	}

	if prev != nil {
		details.PreviousDate = notify.DisplayDate(prev.Date)
		details.PreviousTime = prev.Slot
	}
	if note != "" {
		details.Reason = note
	}

	msg, err := s.renderer.Render(kind, details)
	if err != nil {
		log.Error("render notification", zap.Error(err))
		return Notification{Error: err.Error()}
	}

	err = s.gateway.Send(ctx, to, msg)
	s.metrics.Notification(string(kind), err == nil)
	if err != nil {
		log.Warn("notification delivery failed", zap.Error(err))
		return Notification{Attempted: true, Error: err.Error()}
	}
	return Notification{Attempted: true, Sent: true}
}

func (s *Service) logEvent(ctx context.Context, appointmentID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID),
			zap.Error(err),
		)
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
