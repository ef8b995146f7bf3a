package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/availability"
)

type SlotService interface {
	SetSlots(ctx context.Context, providerID string, date time.Time, labels []string) ([]string, error)
	GetSlots(ctx context.Context, providerID string, date time.Time) ([]string, error)
	GetBookedLabels(ctx context.Context, providerID string, date time.Time) ([]string, error)
	FreeLabels(ctx context.Context, providerID string, date time.Time) ([]string, error)
	GetAvailability(ctx context.Context, providerID string, from time.Time) ([]availability.Day, error)
}

var errNotOwnSchedule = apperr.New(apperr.KindForbidden, "providers can only change their own slots")

type slotHandlers struct {
	svc SlotService
	log *zap.Logger
	loc *time.Location
	now func() time.Time
}

func (h *slotHandlers) set(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	providerID := chi.URLParam(r, "id")
	if id.Role != appointment.RoleProvider || id.ID != providerID {
		writeServiceError(w, r, h.log, errNotOwnSchedule)
		return
	}

	date, err := availability.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	var req SetSlotsRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	labels := req.Labels
	if len(labels) == 0 && req.Start != "" {
		labels, err = availability.GenerateLabels(req.Start, req.End, req.Interval)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
	}

	stored, err := h.svc.SetSlots(r.Context(), providerID, date, labels)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	h.writeDay(w, r, providerID, date, stored)
}

func (h *slotHandlers) get(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	date, err := availability.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	slots, err := h.svc.GetSlots(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	h.writeDay(w, r, providerID, date, slots)
}

func (h *slotHandlers) writeDay(w http.ResponseWriter, r *http.Request, providerID string, date time.Time, slots []string) {
	booked, err := h.svc.GetBookedLabels(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	free, err := h.svc.FreeLabels(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, SlotsResponse{
		ProviderID: providerID,
		Date:       availability.FormatDate(date),
		Slots:      nonNil(slots),
		Booked:     nonNil(booked),
		Free:       nonNil(free),
	})
}

func (h *slotHandlers) availability(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	from := availability.DateOf(h.now(), h.loc)
	if s := r.URL.Query().Get("from"); s != "" {
		d, err := availability.ParseDate(s)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		from = d
	}

	days, err := h.svc.GetAvailability(r.Context(), providerID, from)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := AvailabilityResponse{ProviderID: providerID, Days: make([]DayResponse, 0, len(days))}
	for _, d := range days {
		resp.Days = append(resp.Days, DayResponse{Date: availability.FormatDate(d.Date), Slots: nonNil(d.Labels)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *slotHandlers) booked(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	raw := r.URL.Query().Get("date")
	if raw == "" {
		writeServiceError(w, r, h.log, apperr.Validation("date query parameter is required"))
		return
	}
	date, err := availability.ParseDate(raw)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	booked, err := h.svc.GetBookedLabels(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, BookedResponse{
		ProviderID: providerID,
		Date:       availability.FormatDate(date),
		Booked:     nonNil(booked),
	})
}
