package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/availability"
)

type AppointmentService interface {
	Book(ctx context.Context, cmd appointment.BookCommand) (*appointment.Result, error)
	Get(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
	List(ctx context.Context, actor appointment.Actor, f appointment.ListFilter) ([]appointment.Appointment, error)
	Detail(ctx context.Context, actor appointment.Actor, id string) (*appointment.Detail, error)
	Respond(ctx context.Context, actor appointment.Actor, id string, accept bool, reason string) (*appointment.Result, error)
	Confirm(ctx context.Context, actor appointment.Actor, id string) (*appointment.Result, error)
	RequestReschedule(ctx context.Context, actor appointment.Actor, id, reason string) (*appointment.Result, error)
	DecideReschedule(ctx context.Context, actor appointment.Actor, id string, approve bool, reason string) (*appointment.Result, error)
	Reschedule(ctx context.Context, actor appointment.Actor, cmd appointment.RescheduleCommand) (*appointment.Result, error)
	Cancel(ctx context.Context, actor appointment.Actor, id, reason string) (*appointment.Result, error)
	Complete(ctx context.Context, actor appointment.Actor, id, prescription string) (*appointment.Result, error)
	Reject(ctx context.Context, actor appointment.Actor, id, reason string) (*appointment.Result, error)
	MarkIncomplete(ctx context.Context, actor appointment.Actor, id string) (*appointment.Result, error)
}

var (
	errNoIdentity   = apperr.New(apperr.KindUnauthorized, "missing identity")
	errPatientsOnly = apperr.New(apperr.KindForbidden, "only patients can do this")
	errProviderOnly = apperr.New(apperr.KindForbidden, "only providers can do this")
)

type appointmentHandlers struct {
	svc            AppointmentService
	log            *zap.Logger
	meetingBaseURL string
}

func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, errNoIdentity
	}
	return id, nil
}

func (h *appointmentHandlers) book(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	if id.Role != appointment.RolePatient {
		writeServiceError(w, r, h.log, errPatientsOnly)
		return
	}

	var req BookRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	date, err := availability.ParseDate(req.Date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	res, err := h.svc.Book(r.Context(), appointment.BookCommand{
		PatientID:  id.ID,
		ProviderID: req.ProviderID,
		Date:       date,
		Slot:       req.Slot,
		Reason:     req.Reason,
		Modality:   req.Modality,
		Payment:    req.Payment,
		Location:   req.Location,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMutationResponse(res, h.meetingBaseURL))
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	appt, err := h.svc.Get(r.Context(), id.Actor(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.meetingBaseURL))
}

func (h *appointmentHandlers) detail(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	if id.Role != appointment.RoleProvider {
		writeServiceError(w, r, h.log, errProviderOnly)
		return
	}

	d, err := h.svc.Detail(r.Context(), id.Actor(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := DetailResponse{
		Appointment: toAppointmentResponse(d.Appointment, h.meetingBaseURL),
		History:     toAppointmentResponses(d.History, h.meetingBaseURL),
		Reminders:   make([]ReminderResponse, 0, len(d.Reminders)),
	}
	for i := range d.Reminders {
		resp.Reminders = append(resp.Reminders, toReminderResponse(&d.Reminders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *appointmentHandlers) list(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	f, err := parseListFilter(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	f = f.Normalize()

	list, err := h.svc.List(r.Context(), id.Actor(), f)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Appointments: toAppointmentResponses(list, h.meetingBaseURL),
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	q := r.URL.Query()
	var f appointment.ListFilter

	if s := q.Get("status"); s != "" {
		st, err := appointment.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if s := q.Get("date"); s != "" {
		d, err := availability.ParseDate(s)
		if err != nil {
			return f, err
		}
		f.Date = &d
	}
	f.Limit = parseQueryInt(q.Get("limit"))
	f.Offset = parseQueryInt(q.Get("offset"))
	return f, nil
}

func parseQueryInt(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// mutation runs one state change for the appointment in the URL and writes
// its result.
func (h *appointmentHandlers) mutation(run func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := identity(r)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		res, err := run(r, ident.Actor(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toMutationResponse(res, h.meetingBaseURL))
	}
}

func (h *appointmentHandlers) respond() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req DecisionRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		switch strings.ToLower(req.Action) {
		case "accept":
			return h.svc.Respond(r.Context(), actor, id, true, req.Reason)
		case "reject":
			return h.svc.Respond(r.Context(), actor, id, false, req.Reason)
		}
		return nil, apperr.Validation("action must be accept or reject")
	})
}

func (h *appointmentHandlers) confirm() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		return h.svc.Confirm(r.Context(), actor, id)
	})
}

func (h *appointmentHandlers) requestReschedule() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req ReasonRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return h.svc.RequestReschedule(r.Context(), actor, id, req.Reason)
	})
}

func (h *appointmentHandlers) decideReschedule() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req DecisionRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		switch strings.ToLower(req.Action) {
		case "approve", "accept":
			return h.svc.DecideReschedule(r.Context(), actor, id, true, req.Reason)
		case "reject":
			return h.svc.DecideReschedule(r.Context(), actor, id, false, req.Reason)
		}
		return nil, apperr.Validation("action must be approve or reject")
	})
}

func (h *appointmentHandlers) reschedule() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req RescheduleRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		date, err := availability.ParseDate(req.Date)
		if err != nil {
			return nil, err
		}
		return h.svc.Reschedule(r.Context(), actor, appointment.RescheduleCommand{
			ID:     id,
			Date:   date,
			Slot:   req.Slot,
			Reason: req.Reason,
		})
	})
}

func (h *appointmentHandlers) cancel() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req ReasonRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return h.svc.Cancel(r.Context(), actor, id, req.Reason)
	})
}

func (h *appointmentHandlers) complete() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req CompleteRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return h.svc.Complete(r.Context(), actor, id, req.Prescription)
	})
}

func (h *appointmentHandlers) reject() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		var req ReasonRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return h.svc.Reject(r.Context(), actor, id, req.Reason)
	})
}

func (h *appointmentHandlers) markIncomplete() http.HandlerFunc {
	return h.mutation(func(r *http.Request, actor appointment.Actor, id string) (*appointment.Result, error) {
		return h.svc.MarkIncomplete(r.Context(), actor, id)
	})
}
