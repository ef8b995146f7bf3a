package appointment_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/appointment/appointmenttest"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/directory"
	"github.com/hackgods/hams-appointments/internal/notify"
	"github.com/hackgods/hams-appointments/internal/notify/notifytest"
	"github.com/hackgods/hams-appointments/internal/reminder"
	"github.com/hackgods/hams-appointments/internal/reminder/remindertest"
)

const (
	providerID = "7"
	patientID  = "p1"
	otherID    = "p2"
)

var (
	provider = appointment.Actor{ID: providerID, Role: appointment.RoleProvider}
	patient  = appointment.Actor{ID: patientID, Role: appointment.RolePatient}
	other    = appointment.Actor{ID: otherID, Role: appointment.RolePatient}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	repo      *appointmenttest.Repository
	slots     *availability.Service
	remStore  *remindertest.Store
	reminders *reminder.Service
	gateway   *notifytest.Recorder
	clock     *clock
	svc       *appointment.Service
	sched     *reminder.Scheduler
}

type option func(*appointment.Deps)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	log := zaptest.NewLogger(t)
	renderer, err := notify.NewRenderer("Test Clinic")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	dir := directory.NewMemory()
	dir.AddPatient(directory.Patient{ID: patientID, Name: "Ana", Email: "ana@example.com"})
	dir.AddPatient(directory.Patient{ID: otherID, Name: "Ben", Email: "ben@example.com"})
	dir.AddProvider(directory.Provider{ID: providerID, Name: "Dr. Lee", Email: "lee@example.com"})

	f := &fixture{
		repo:     appointmenttest.NewRepository(),
		remStore: remindertest.NewStore(),
		gateway:  notifytest.New(),
		clock:    &clock{now: at(t, "2025-02-10T08:00:00Z")},
	}
	f.slots = availability.NewService(availability.NewMemoryStore(), f.repo, log)
	f.reminders = reminder.NewService(f.remStore, 24*time.Hour, f.clock.Now, log, nil)

	var seq atomic.Int64
	deps := appointment.Deps{
		Repo:      f.repo,
		Slots:     f.slots,
		Reminders: f.reminders,
		Directory: dir,
		Gateway:   f.gateway,
		Renderer:  renderer,
		Logger:    log,
		Now:       f.clock.Now,
		NewID: func() (string, error) {
			return fmt.Sprintf("APT%03d", seq.Add(1)), nil
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = appointment.NewService(deps, appointment.Settings{
		Location:        time.UTC,
		MeetingBaseURL:  "https://meet.example",
		DefaultLocation: "Test Clinic",
	})
	f.sched = reminder.NewScheduler(f.remStore, f.gateway, renderer, reminder.SchedulerConfig{
		BatchSize:   10,
		Concurrency: 2,
		ClaimTTL:    time.Hour,
		Now:         f.clock.Now,
	}, log, nil)

	return f
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := availability.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func (f *fixture) offer(t *testing.T, day string, labels ...string) {
	t.Helper()
	if _, err := f.slots.SetSlots(context.Background(), providerID, date(t, day), labels); err != nil {
		t.Fatalf("SetSlots: %v", err)
	}
}

func (f *fixture) book(t *testing.T, patientID, day, slot string) *appointment.Appointment {
	t.Helper()
	res, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, day),
		Slot:       slot,
		Reason:     "checkup",
	})
	if err != nil {
		t.Fatalf("Book(%s %s): %v", day, slot, err)
	}
	return res.Appointment
}

func (f *fixture) accepted(t *testing.T, patientID, day, slot string) *appointment.Appointment {
	t.Helper()
	a := f.book(t, patientID, day, slot)
	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("Respond(accept): %v", err)
	}
	return res.Appointment
}

func (f *fixture) pending(appointmentID string) []reminder.Reminder {
	var out []reminder.Reminder
	for _, r := range f.remStore.All() {
		if r.AppointmentID == appointmentID && r.Status == reminder.StatusPending {
			out = append(out, r)
		}
	}
	return out
}

func (f *fixture) reminderMails() int {
	n := 0
	for _, s := range f.gateway.Sent() {
		if strings.HasPrefix(s.Message.Subject, "Reminder:") {
			n++
		}
	}
	return n
}

func TestScenarioA_BookCreatesRequested(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00", "09:30")

	res, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "09:00",
		Reason:     "checkup",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	a := res.Appointment
	if a.ID == "" {
		t.Fatal("expected an appointment id")
	}
	if a.Status != appointment.StatusRequested {
		t.Fatalf("status = %s, want requested", a.Status)
	}
	if a.Modality != appointment.ModalityOffline || a.Payment != appointment.PaymentUnpaid {
		t.Fatalf("defaults not applied: %s %s", a.Modality, a.Payment)
	}
	if len(f.remStore.All()) != 0 {
		t.Fatal("no reminder should exist before acceptance")
	}
	if !res.Notification.Sent {
		t.Fatalf("notification = %+v", res.Notification)
	}
	sent := f.gateway.Sent()
	if len(sent) != 1 || sent[0].To != "ana@example.com" {
		t.Fatalf("sent = %+v", sent)
	}
	if got := f.repo.Events(a.ID); len(got) != 1 || got[0] != appointment.EventAppointmentRequested {
		t.Fatalf("events = %v", got)
	}
}

func TestScenarioB_AcceptSchedulesReminder(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Appointment.Status != appointment.StatusPending {
		t.Fatalf("status = %s, want pending", res.Appointment.Status)
	}
	if res.Reminder == nil {
		t.Fatal("expected a reminder")
	}
	if want := at(t, "2025-02-28T09:00:00Z"); !res.Reminder.FireAt.Equal(want) {
		t.Fatalf("fire at = %s, want %s", res.Reminder.FireAt, want)
	}
	if res.Reminder.Recipient != "ana@example.com" {
		t.Fatalf("recipient = %q", res.Reminder.Recipient)
	}
	p := res.Reminder.Payload
	if p.PatientName != "Ana" || p.ProviderName != "Dr. Lee" || p.Date != "01/03/2025" || p.Time != "09:00" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Location != "Test Clinic" {
		t.Fatalf("location = %q, want clinic fallback", p.Location)
	}
}

func TestScenarioC_RescheduleOntoHeldSlotConflicts(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00", "10:00")
	f.accepted(t, patientID, "2025-03-01", "09:00")
	b := f.book(t, otherID, "2025-03-01", "10:00")

	_, err := f.svc.Reschedule(context.Background(), provider, appointment.RescheduleCommand{
		ID:   b.ID,
		Date: date(t, "2025-03-01"),
		Slot: "09:00",
	})
	if !errors.Is(err, appointment.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("kind = %s, want conflict", apperr.KindOf(err))
	}

	got, err := f.svc.Get(context.Background(), provider, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Slot != "10:00" || got.Status != appointment.StatusRequested {
		t.Fatalf("appointment changed: %+v", got)
	}
}

func TestScenarioD_RejectStoresReason(t *testing.T) {
	t.Run("decline request", func(t *testing.T) {
		f := newFixture(t)
		f.offer(t, "2025-03-01", "09:00")
		a := f.book(t, patientID, "2025-03-01", "09:00")

		res, err := f.svc.Respond(context.Background(), provider, a.ID, false, "unavailable")
		if err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if res.Appointment.Status != appointment.StatusRejected || res.Appointment.RejectionReason != "unavailable" {
			t.Fatalf("appointment = %+v", res.Appointment)
		}
		if len(f.pending(a.ID)) != 0 {
			t.Fatal("declined appointment must not hold a pending reminder")
		}
	})

	t.Run("reject accepted", func(t *testing.T) {
		f := newFixture(t)
		f.offer(t, "2025-03-01", "09:00")
		a := f.accepted(t, patientID, "2025-03-01", "09:00")

		res, err := f.svc.Reject(context.Background(), provider, a.ID, "unavailable")
		if err != nil {
			t.Fatalf("Reject: %v", err)
		}
		if res.Appointment.Status != appointment.StatusRejected || res.Appointment.RejectionReason != "unavailable" {
			t.Fatalf("appointment = %+v", res.Appointment)
		}
		if res.RemindersCancelled != 1 || len(f.pending(a.ID)) != 0 {
			t.Fatalf("cancelled = %d, pending = %d", res.RemindersCancelled, len(f.pending(a.ID)))
		}
	})

	t.Run("reason required", func(t *testing.T) {
		f := newFixture(t)
		f.offer(t, "2025-03-01", "09:00")
		a := f.accepted(t, patientID, "2025-03-01", "09:00")

		_, err := f.svc.Reject(context.Background(), provider, a.ID, "  ")
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestScenarioE_CancelBeforeFireSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	f.clock.Set(at(t, "2025-02-27T12:00:00Z"))
	res, err := f.svc.Cancel(context.Background(), patient, a.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Appointment.Status != appointment.StatusCancelled {
		t.Fatalf("status = %s", res.Appointment.Status)
	}
	for _, r := range f.remStore.All() {
		if r.AppointmentID == a.ID && r.Status != reminder.StatusCancelled {
			t.Fatalf("reminder status = %s, want cancelled", r.Status)
		}
	}

	f.clock.Set(at(t, "2025-02-28T09:00:00Z"))
	report, err := f.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Claimed != 0 || report.Sent != 0 {
		t.Fatalf("report = %+v", report)
	}
	if f.reminderMails() != 0 {
		t.Fatal("no reminder should be delivered for a cancelled appointment")
	}
}

func TestAcceptedReminderIsDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	f.accepted(t, patientID, "2025-03-01", "09:00")

	f.clock.Set(at(t, "2025-02-28T09:00:00Z"))
	for i := 0; i < 2; i++ {
		if _, err := f.sched.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if got := f.reminderMails(); got != 1 {
		t.Fatalf("reminder mails = %d, want 1", got)
	}
}

func TestCancelRemovesReminderFromDueQuery(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	if _, err := f.svc.Cancel(context.Background(), provider, a.ID, "clinic closed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	due, err := f.remStore.ListDue(context.Background(), at(t, "2025-03-02T00:00:00Z"), 100)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %+v", due)
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")

	base := appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "09:00",
		Reason:     "checkup",
	}
	tests := []struct {
		name string
		edit func(*appointment.BookCommand)
	}{
		{"blank reason", func(c *appointment.BookCommand) { c.Reason = " " }},
		{"missing slot", func(c *appointment.BookCommand) { c.Slot = "" }},
		{"missing date", func(c *appointment.BookCommand) { c.Date = time.Time{} }},
		{"bad modality", func(c *appointment.BookCommand) { c.Modality = "carrier-pigeon" }},
		{"bad payment", func(c *appointment.BookCommand) { c.Payment = "iou" }},
		{"slot in the past", func(c *appointment.BookCommand) { c.Date = date(t, "2025-02-01") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := base
			tc.edit(&cmd)
			_, err := f.svc.Book(context.Background(), cmd)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBookSlotNotOffered(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")

	_, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "11:00",
		Reason:     "checkup",
	})
	if !errors.Is(err, appointment.ErrSlotNotOffered) {
		t.Fatalf("expected ErrSlotNotOffered, got %v", err)
	}
}

func TestBookHeldSlotConflicts(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	f.book(t, patientID, "2025-03-01", "09:00")

	_, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  otherID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "09:00",
		Reason:     "follow-up",
	})
	if !errors.Is(err, appointment.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
}

func TestBookAfterCancelFreesSlot(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	if _, err := f.svc.Cancel(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.book(t, otherID, "2025-03-01", "09:00")
}

func TestConcurrentBookingOneWinner(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")

	const n = 16
	day := date(t, "2025-03-01")
	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Book(context.Background(), appointment.BookCommand{
				PatientID:  fmt.Sprintf("p%d", i),
				ProviderID: providerID,
				Date:       day,
				Slot:       "09:00",
				Reason:     "checkup",
			})
			switch {
			case err == nil:
				created.Add(1)
			case apperr.KindOf(err) == apperr.KindConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("created = %d, conflicts = %d", created.Load(), conflicts.Load())
	}
}

func TestBookRetriesDuplicateID(t *testing.T) {
	ids := []string{"SAME", "SAME", "FRESH"}
	var calls atomic.Int32
	f := newFixture(t, func(d *appointment.Deps) {
		d.NewID = func() (string, error) {
			return ids[calls.Add(1)-1], nil
		}
	})
	f.offer(t, "2025-03-01", "09:00", "10:00")

	first := f.book(t, patientID, "2025-03-01", "09:00")
	second := f.book(t, otherID, "2025-03-01", "10:00")
	if first.ID != "SAME" || second.ID != "FRESH" {
		t.Fatalf("ids = %s, %s", first.ID, second.ID)
	}
}

func TestOnlineBookingGetsMeetingURL(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")

	res, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "09:00",
		Reason:     "checkup",
		Modality:   "online",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	ref := res.Appointment.MeetingRef
	if !strings.HasPrefix(ref, "HAMS_7_p1_") {
		t.Fatalf("meeting ref = %q", ref)
	}

	d, err := f.svc.Detail(context.Background(), provider, res.Appointment.ID)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if d.MeetingURL != "https://meet.example/"+ref {
		t.Fatalf("meeting url = %q", d.MeetingURL)
	}
}

func TestNotificationFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	f.gateway.SetFailAll(true)

	res, err := f.svc.Book(context.Background(), appointment.BookCommand{
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date(t, "2025-03-01"),
		Slot:       "09:00",
		Reason:     "checkup",
	})
	if err != nil {
		t.Fatalf("Book must succeed when delivery fails: %v", err)
	}
	n := res.Notification
	if !n.Attempted || n.Sent || n.Error == "" {
		t.Fatalf("notification = %+v", n)
	}
	if _, err := f.svc.Get(context.Background(), patient, res.Appointment.ID); err != nil {
		t.Fatalf("appointment not stored: %v", err)
	}
}

func TestRequestRescheduleNotifiesProvider(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, "travelling")
	if err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}
	if res.Appointment.Status != appointment.StatusRequestForReschedule {
		t.Fatalf("status = %s", res.Appointment.Status)
	}
	if res.Appointment.RescheduleReason != "travelling" {
		t.Fatalf("reason = %q", res.Appointment.RescheduleReason)
	}
	sent := f.gateway.Sent()
	if last := sent[len(sent)-1]; last.To != "lee@example.com" {
		t.Fatalf("last mail to %s, want provider", last.To)
	}
	if len(f.pending(a.ID)) != 1 {
		t.Fatal("requesting a reschedule keeps the existing reminder")
	}
}

func TestApproveReschedulePicksFirstFreeSlot(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00", "09:30", "10:00")
	f.offer(t, "2025-03-02", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")
	f.book(t, otherID, "2025-03-01", "09:30")

	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}
	res, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("DecideReschedule: %v", err)
	}

	got := res.Appointment
	if got.Status != appointment.StatusRescheduled || got.Slot != "10:00" || !got.Date.Equal(date(t, "2025-03-01")) {
		t.Fatalf("appointment = %s %s %s", got.Status, availability.FormatDate(got.Date), got.Slot)
	}
	if res.Previous == nil || res.Previous.Slot != "09:00" {
		t.Fatalf("previous = %+v", res.Previous)
	}
	if res.RemindersCancelled != 1 || res.Reminder == nil {
		t.Fatalf("cancelled = %d, reminder = %+v", res.RemindersCancelled, res.Reminder)
	}
	if want := at(t, "2025-02-28T10:00:00Z"); !res.Reminder.FireAt.Equal(want) {
		t.Fatalf("fire at = %s, want %s", res.Reminder.FireAt, want)
	}
	if pending := f.pending(a.ID); len(pending) != 1 || pending[0].ID != res.Reminder.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

// staleBooked hides booked labels so candidate selection has to fall back
// on the conditional update.
type staleBooked struct {
	*appointmenttest.Repository
}

func (staleBooked) BookedLabels(context.Context, string, time.Time) ([]string, error) {
	return nil, nil
}

func TestApproveRescheduleSkipsRacedCandidate(t *testing.T) {
	var repo *appointmenttest.Repository
	f := newFixture(t, func(d *appointment.Deps) {
		repo = d.Repo.(*appointmenttest.Repository)
		d.Repo = staleBooked{repo}
	})
	f.offer(t, "2025-03-01", "09:00", "09:30", "10:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")
	f.book(t, otherID, "2025-03-01", "09:30")

	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}
	res, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("DecideReschedule: %v", err)
	}
	if res.Appointment.Slot != "10:00" {
		t.Fatalf("slot = %s, want 10:00", res.Appointment.Slot)
	}
	if c, _ := repo.FindConflict(context.Background(), providerID, date(t, "2025-03-01"), "09:30", ""); c == nil || c.PatientID != otherID {
		t.Fatalf("09:30 holder = %+v", c)
	}
}

func TestApproveRescheduleNoSlots(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}
	_, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, true, "")
	if !errors.Is(err, appointment.ErrNoSlotsAvailable) {
		t.Fatalf("expected ErrNoSlotsAvailable, got %v", err)
	}

	got, _ := f.svc.Get(context.Background(), provider, a.ID)
	if got.Status != appointment.StatusRequestForReschedule {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDeclineReschedule(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")
	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}

	if _, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, false, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	res, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, false, "fully booked")
	if err != nil {
		t.Fatalf("DecideReschedule: %v", err)
	}
	if res.Appointment.Status != appointment.StatusRejected || res.Appointment.RejectionReason != "fully booked" {
		t.Fatalf("appointment = %+v", res.Appointment)
	}
	if len(f.pending(a.ID)) != 0 {
		t.Fatal("declined reschedule must cancel the reminder")
	}
}

func TestDirectRescheduleMovesReminder(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	f.offer(t, "2025-03-05", "14:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.Reschedule(context.Background(), provider, appointment.RescheduleCommand{
		ID:     a.ID,
		Date:   date(t, "2025-03-05"),
		Slot:   "14:00",
		Reason: "surgery overran",
	})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.Appointment.Status != appointment.StatusRescheduled || res.Appointment.Slot != "14:00" {
		t.Fatalf("appointment = %+v", res.Appointment)
	}
	if res.Reminder == nil || !res.Reminder.FireAt.Equal(at(t, "2025-03-04T14:00:00Z")) {
		t.Fatalf("reminder = %+v", res.Reminder)
	}

	// the old slot is free again and nothing else holds the new one
	if c, _ := f.svc.FindConflict(context.Background(), providerID, date(t, "2025-03-01"), "09:00", ""); c != nil {
		t.Fatalf("old slot still held by %s", c.ID)
	}
	if c, _ := f.svc.FindConflict(context.Background(), providerID, date(t, "2025-03-05"), "14:00", a.ID); c != nil {
		t.Fatalf("new slot also held by %s", c.ID)
	}
}

func TestDirectRescheduleOfRequestedSchedulesNoReminder(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00", "10:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.Reschedule(context.Background(), provider, appointment.RescheduleCommand{
		ID:   a.ID,
		Date: date(t, "2025-03-01"),
		Slot: "10:00",
	})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if res.Reminder != nil || len(f.remStore.All()) != 0 {
		t.Fatal("an unaccepted appointment earns no reminder")
	}
}

func TestDirectRescheduleNotOffered(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	_, err := f.svc.Reschedule(context.Background(), provider, appointment.RescheduleCommand{
		ID:   a.ID,
		Date: date(t, "2025-03-01"),
		Slot: "16:00",
	})
	if !errors.Is(err, appointment.ErrSlotNotOffered) {
		t.Fatalf("expected ErrSlotNotOffered, got %v", err)
	}
}

func TestCompleteStoresPrescription(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.Complete(context.Background(), provider, a.ID, "rest and fluids")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Appointment.Status != appointment.StatusCompleted || res.Appointment.Prescription != "rest and fluids" {
		t.Fatalf("appointment = %+v", res.Appointment)
	}
	if len(f.pending(a.ID)) != 0 {
		t.Fatal("completing must cancel the reminder")
	}
	if last := f.gateway.Sent()[len(f.gateway.Sent())-1]; !strings.Contains(last.Message.Text, "rest and fluids") {
		t.Fatalf("completion mail lacks prescription:\n%s", last.Message.Text)
	}

	for _, action := range []func() error{
		func() error { _, err := f.svc.Cancel(context.Background(), patient, a.ID, ""); return err },
		func() error { _, err := f.svc.Confirm(context.Background(), provider, a.ID); return err },
		func() error { _, err := f.svc.MarkIncomplete(context.Background(), provider, a.ID); return err },
	} {
		if err := action(); !errors.Is(err, appointment.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition from completed, got %v", err)
		}
	}
}

func TestMarkIncompleteThenRequestReschedule(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.MarkIncomplete(context.Background(), provider, a.ID)
	if err != nil {
		t.Fatalf("MarkIncomplete: %v", err)
	}
	if res.Appointment.Status != appointment.StatusIncomplete || res.RemindersCancelled != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, "missed it"); err != nil {
		t.Fatalf("RequestReschedule from incomplete: %v", err)
	}
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	if _, err := f.svc.Get(context.Background(), other, a.ID); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("Get by stranger: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), other, a.ID, ""); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("Cancel by stranger: %v", err)
	}
	stranger := appointment.Actor{ID: "99", Role: appointment.RoleProvider}
	if _, err := f.svc.Respond(context.Background(), stranger, a.ID, true, ""); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("Respond by other provider: %v", err)
	}
}

func TestRoleNotPermitted(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	_, err := f.svc.Respond(context.Background(), patient, a.ID, true, "")
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

// racingRepo cancels the appointment just before the service's own update
// lands, as a concurrent request would.
type racingRepo struct {
	*appointmenttest.Repository
}

func (r racingRepo) UpdateStatus(ctx context.Context, id string, from appointment.Status, upd appointment.StatusUpdate) (*appointment.Appointment, error) {
	if _, err := r.Repository.UpdateStatus(ctx, id, from, appointment.StatusUpdate{To: appointment.StatusCancelled, At: upd.At}); err != nil {
		return nil, err
	}
	return r.Repository.UpdateStatus(ctx, id, from, upd)
}

func TestConcurrentStatusChange(t *testing.T) {
	f := newFixture(t, func(d *appointment.Deps) {
		d.Repo = racingRepo{d.Repo.(*appointmenttest.Repository)}
	})
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	_, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if !errors.Is(err, appointment.ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if !strings.Contains(apperr.Message(err), "cancelled") {
		t.Fatalf("message = %q", apperr.Message(err))
	}
	if len(f.remStore.All()) != 0 {
		t.Fatal("a lost race must not schedule a reminder")
	}
}

func TestListAndDetail(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00", "10:00")
	f.offer(t, "2025-03-02", "09:00")
	first := f.accepted(t, patientID, "2025-03-01", "09:00")
	f.book(t, otherID, "2025-03-01", "10:00")
	second := f.book(t, patientID, "2025-03-02", "09:00")

	mine, err := f.svc.List(context.Background(), patient, appointment.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != second.ID {
		t.Fatalf("patient list = %+v", mine)
	}

	d := date(t, "2025-03-01")
	theirs, err := f.svc.List(context.Background(), provider, appointment.ListFilter{Date: &d})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(theirs) != 2 {
		t.Fatalf("provider list for date = %d", len(theirs))
	}

	pendingOnly, _ := f.svc.List(context.Background(), provider, appointment.ListFilter{Status: appointment.StatusPending})
	if len(pendingOnly) != 1 || pendingOnly[0].ID != first.ID {
		t.Fatalf("pending list = %+v", pendingOnly)
	}

	detail, err := f.svc.Detail(context.Background(), provider, second.ID)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if len(detail.History) != 1 || detail.History[0].ID != first.ID {
		t.Fatalf("history = %+v", detail.History)
	}
	if len(detail.Reminders) != 0 {
		t.Fatalf("reminders = %+v", detail.Reminders)
	}
}

// lookupFailure lets a test break patient lookups after booking.
type lookupFailure struct {
	*directory.Memory
	mu  sync.Mutex
	err error
}

func (d *lookupFailure) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *lookupFailure) GetPatient(ctx context.Context, id string) (*directory.Patient, error) {
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Memory.GetPatient(ctx, id)
}

func withLookupFailure(dir **lookupFailure) option {
	return func(d *appointment.Deps) {
		*dir = &lookupFailure{Memory: d.Directory.(*directory.Memory)}
		d.Directory = *dir
	}
}

func TestAcceptWithoutPatientEmailWarns(t *testing.T) {
	f := newFixture(t, func(d *appointment.Deps) {
		d.Directory.(*directory.Memory).AddPatient(directory.Patient{ID: "p3", Name: "Cy"})
	})
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, "p3", "2025-03-01", "09:00")

	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Appointment.Status != appointment.StatusPending {
		t.Fatalf("status = %s", res.Appointment.Status)
	}
	if res.Reminder != nil || res.ReminderWarning == "" {
		t.Fatalf("reminder = %+v, warning = %q", res.Reminder, res.ReminderWarning)
	}
	if len(f.remStore.All()) != 0 {
		t.Fatal("no reminder should be stored")
	}
}

func TestAcceptWithUnknownPatientWarns(t *testing.T) {
	var dir *lookupFailure
	f := newFixture(t, withLookupFailure(&dir))
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")
	dir.fail(directory.ErrPatientNotFound)

	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Reminder != nil || !strings.Contains(res.ReminderWarning, "patient not found") {
		t.Fatalf("reminder = %+v, warning = %q", res.Reminder, res.ReminderWarning)
	}
}

func TestAcceptAbortsWhenDirectoryFails(t *testing.T) {
	var dir *lookupFailure
	f := newFixture(t, withLookupFailure(&dir))
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")
	dir.fail(errors.New("connection reset"))

	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err == nil {
		t.Fatalf("expected error, got %+v", res)
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("kind = %s, want internal", apperr.KindOf(err))
	}
	if len(f.remStore.All()) != 0 {
		t.Fatal("no reminder should be stored")
	}
}

func TestAcceptReminderHasNoWarning(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "2025-03-01", "09:00")
	a := f.book(t, patientID, "2025-03-01", "09:00")

	res, err := f.svc.Respond(context.Background(), provider, a.ID, true, "")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Reminder == nil || res.ReminderWarning != "" {
		t.Fatalf("reminder = %+v, warning = %q", res.Reminder, res.ReminderWarning)
	}
}

func TestApproveRescheduleLosingOnlyCandidateIsNoSlots(t *testing.T) {
	f := newFixture(t, func(d *appointment.Deps) {
		d.Repo = staleBooked{d.Repo.(*appointmenttest.Repository)}
	})
	f.offer(t, "2025-03-01", "09:00", "09:30")
	a := f.accepted(t, patientID, "2025-03-01", "09:00")
	f.book(t, otherID, "2025-03-01", "09:30")

	if _, err := f.svc.RequestReschedule(context.Background(), patient, a.ID, ""); err != nil {
		t.Fatalf("RequestReschedule: %v", err)
	}
	_, err := f.svc.DecideReschedule(context.Background(), provider, a.ID, true, "")
	if !errors.Is(err, appointment.ErrNoSlotsAvailable) {
		t.Fatalf("expected ErrNoSlotsAvailable, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("kind = %s, want not found", apperr.KindOf(err))
	}
}
