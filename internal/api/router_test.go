package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hackgods/hams-appointments/internal/api"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/appointment/appointmenttest"
	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/directory"
	"github.com/hackgods/hams-appointments/internal/metrics"
	"github.com/hackgods/hams-appointments/internal/notify"
	"github.com/hackgods/hams-appointments/internal/notify/notifytest"
	"github.com/hackgods/hams-appointments/internal/reminder"
	"github.com/hackgods/hams-appointments/internal/reminder/remindertest"
)

var now = time.Date(2025, 2, 10, 8, 0, 0, 0, time.UTC)

type env struct {
	server   *httptest.Server
	verifier *auth.Verifier
	gateway  *notifytest.Recorder
}

func newEnv(t *testing.T, rps float64, burst int) *env {
	t.Helper()

	log := zaptest.NewLogger(t)
	clock := func() time.Time { return now }

	renderer, err := notify.NewRenderer("Test Clinic")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	dir := directory.NewMemory()
	dir.AddPatient(directory.Patient{ID: "p1", Name: "Ana", Email: "ana@example.com"})
	dir.AddPatient(directory.Patient{ID: "p2", Name: "Ben", Email: "ben@example.com"})
	dir.AddProvider(directory.Provider{ID: "7", Name: "Dr. Lee", Email: "lee@example.com"})

	repo := appointmenttest.NewRepository()
	slots := availability.NewService(availability.NewMemoryStore(), repo, log)
	reminders := reminder.NewService(remindertest.NewStore(), 24*time.Hour, clock, log, nil)
	gateway := notifytest.New()

	svc := appointment.NewService(appointment.Deps{
		Repo:      repo,
		Slots:     slots,
		Reminders: reminders,
		Directory: dir,
		Gateway:   gateway,
		Renderer:  renderer,
		Logger:    log,
		Now:       clock,
	}, appointment.Settings{Location: time.UTC, MeetingBaseURL: "https://meet.example"})

	verifier := auth.NewVerifier("test-secret", "hams")
	health := api.NewHealthHandler("test", "v0",
		api.Dependency{Name: "postgres", Critical: true, Check: func(context.Context) error { return nil }},
		api.Dependency{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
	)

	router := api.NewRouter(api.RouterConfig{
		Appointments:   svc,
		Slots:          slots,
		Verifier:       verifier,
		Health:         health,
		Logger:         log,
		Metrics:        metrics.NewCollector("test"),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		MeetingBaseURL: "https://meet.example",
		Now:            clock,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{server: srv, verifier: verifier, gateway: gateway}
}

func (e *env) token(t *testing.T, id string, role appointment.Role) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Identity{ID: id, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, 0, 0)

	status, body := e.do(t, http.MethodGet, "/health/live", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("live: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodGet, "/health/ready", "", nil)
	if status != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("ready: %d %v", status, body)
	}
	deps := body["dependencies"].(map[string]any)
	if deps["postgres"] != "ok" || deps["redis"] != "down" {
		t.Fatalf("dependencies = %v", deps)
	}
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t, 0, 0)

	status, body := e.do(t, http.MethodGet, "/appointments", "", nil)
	if status != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("no token: %d %v", status, body)
	}

	status, _ = e.do(t, http.MethodGet, "/appointments", "garbage", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", status)
	}
}

func TestBookingFlow(t *testing.T) {
	e := newEnv(t, 0, 0)
	provider := e.token(t, "7", appointment.RoleProvider)
	ana := e.token(t, "p1", appointment.RolePatient)
	ben := e.token(t, "p2", appointment.RolePatient)

	status, body := e.do(t, http.MethodPut, "/providers/7/slots/2025-03-01", provider,
		api.SetSlotsRequest{Start: "09:00", End: "10:00", Interval: 30})
	if status != http.StatusOK {
		t.Fatalf("set slots: %d %v", status, body)
	}
	if slots := body["slots"].([]any); len(slots) != 2 || slots[0] != "09:00" || slots[1] != "09:30" {
		t.Fatalf("slots = %v", body["slots"])
	}

	status, _ = e.do(t, http.MethodPut, "/providers/7/slots/2025-03-01", ana, api.SetSlotsRequest{Labels: []string{"09:00"}})
	if status != http.StatusForbidden {
		t.Fatalf("patient setting slots: %d", status)
	}

	status, body = e.do(t, http.MethodPost, "/appointments", ana, api.BookRequest{
		ProviderID: "7", Date: "2025-03-01", Slot: "09:00", Reason: "checkup",
	})
	if status != http.StatusCreated {
		t.Fatalf("book: %d %v", status, body)
	}
	appt := body["appointment"].(map[string]any)
	id := appt["id"].(string)
	if appt["status"] != "requested" {
		t.Fatalf("status = %v", appt["status"])
	}
	if n := body["notification"].(map[string]any); n["sent"] != true {
		t.Fatalf("notification = %v", n)
	}

	status, body = e.do(t, http.MethodPost, "/appointments", ben, api.BookRequest{
		ProviderID: "7", Date: "2025-03-01", Slot: "09:00", Reason: "follow-up",
	})
	if status != http.StatusConflict || body["error"] != "conflict" {
		t.Fatalf("double book: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodGet, "/providers/7/slots/2025-03-01", ben, nil)
	if status != http.StatusOK {
		t.Fatalf("get slots: %d", status)
	}
	if free := body["free"].([]any); len(free) != 1 || free[0] != "09:30" {
		t.Fatalf("free = %v", body["free"])
	}

	status, _ = e.do(t, http.MethodGet, "/appointments/"+id, ben, nil)
	if status != http.StatusNotFound {
		t.Fatalf("stranger get: %d", status)
	}

	status, body = e.do(t, http.MethodPost, "/appointments/"+id+"/respond", provider, api.DecisionRequest{Action: "accept"})
	if status != http.StatusOK {
		t.Fatalf("accept: %d %v", status, body)
	}
	rem := body["reminder"].(map[string]any)
	if rem["fire_at"] != "2025-02-28T09:00:00Z" || rem["status"] != "pending" {
		t.Fatalf("reminder = %v", rem)
	}

	status, body = e.do(t, http.MethodPost, "/appointments/"+id+"/respond", provider, api.DecisionRequest{Action: "accept"})
	if status != http.StatusConflict || body["error"] != "invalid_transition" {
		t.Fatalf("second accept: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodPost, "/appointments/"+id+"/complete", provider, api.CompleteRequest{Prescription: "rest"})
	if status != http.StatusOK || body["reminders_cancelled"] != float64(1) {
		t.Fatalf("complete: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodGet, "/appointments?status=completed", ana, nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d", status)
	}
	if list := body["appointments"].([]any); len(list) != 1 {
		t.Fatalf("list = %v", list)
	}

	status, body = e.do(t, http.MethodGet, "/appointments/"+id+"/detail", provider, nil)
	if status != http.StatusOK {
		t.Fatalf("detail: %d %v", status, body)
	}
	if rems := body["reminders"].([]any); len(rems) != 1 {
		t.Fatalf("detail reminders = %v", rems)
	}

	status, _ = e.do(t, http.MethodGet, "/appointments/"+id+"/detail", ana, nil)
	if status != http.StatusForbidden {
		t.Fatalf("patient detail: %d", status)
	}
}

func TestBookValidationErrors(t *testing.T) {
	e := newEnv(t, 0, 0)
	ana := e.token(t, "p1", appointment.RolePatient)
	provider := e.token(t, "7", appointment.RoleProvider)

	status, body := e.do(t, http.MethodPost, "/appointments", ana, api.BookRequest{
		ProviderID: "7", Date: "01/03/2025", Slot: "09:00", Reason: "checkup",
	})
	if status != http.StatusBadRequest || body["error"] != "validation_failed" {
		t.Fatalf("bad date: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodPost, "/appointments", ana, api.BookRequest{
		ProviderID: "7", Date: "2025-03-01", Slot: "09:00", Reason: "checkup",
	})
	if status != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("slot not offered: %d %v", status, body)
	}

	status, _ = e.do(t, http.MethodPost, "/appointments", provider, api.BookRequest{
		ProviderID: "7", Date: "2025-03-01", Slot: "09:00", Reason: "checkup",
	})
	if status != http.StatusForbidden {
		t.Fatalf("provider booking: %d", status)
	}

	status, _ = e.do(t, http.MethodGet, "/appointments?status=archived", ana, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", status)
	}

	status, _ = e.do(t, http.MethodGet, "/providers/7/booked-slots", ana, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("booked without date: %d", status)
	}
}

func TestAvailabilityListing(t *testing.T) {
	e := newEnv(t, 0, 0)
	provider := e.token(t, "7", appointment.RoleProvider)

	for _, d := range []string{"2025-02-01", "2025-03-02", "2025-03-01"} {
		status, _ := e.do(t, http.MethodPut, "/providers/7/slots/"+d, provider, api.SetSlotsRequest{Labels: []string{"09:00"}})
		if status != http.StatusOK {
			t.Fatalf("set %s: %d", d, status)
		}
	}

	status, body := e.do(t, http.MethodGet, "/providers/7/slots", provider, nil)
	if status != http.StatusOK {
		t.Fatalf("availability: %d", status)
	}
	days := body["days"].([]any)
	if len(days) != 2 {
		t.Fatalf("days = %v", days)
	}
	if first := days[0].(map[string]any); first["date"] != "2025-03-01" {
		t.Fatalf("first day = %v", first)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, 1, 2)
	ana := e.token(t, "p1", appointment.RolePatient)

	var last int
	for i := 0; i < 3; i++ {
		last, _ = e.do(t, http.MethodGet, "/appointments", ana, nil)
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}

	ben := e.token(t, "p2", appointment.RolePatient)
	if status, _ := e.do(t, http.MethodGet, "/appointments", ben, nil); status != http.StatusOK {
		t.Fatalf("other caller limited: %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.do(t, http.MethodGet, "/health/live", "", nil)

	resp, err := http.Get(e.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
