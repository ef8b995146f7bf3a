package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hams-appointments/internal/appointment"
	"github.com/hackgods/hams-appointments/internal/availability"
	"github.com/hackgods/hams-appointments/internal/reminder"
)

type BookRequest struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	Slot       string `json:"slot"`
	Reason     string `json:"reason"`
	Modality   string `json:"modality,omitempty"`
	Payment    string `json:"payment,omitempty"`
	Location   string `json:"location,omitempty"`
}

// DecisionRequest answers a request or a reschedule request.
type DecisionRequest struct {
	Action string `json:"action"` // accept|approve or reject
	Reason string `json:"reason,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Reason string `json:"reason,omitempty"`
}

type CompleteRequest struct {
	Prescription string `json:"prescription"`
}

// SetSlotsRequest carries either explicit labels or a range to generate
// them from.
type SetSlotsRequest struct {
	Labels   []string `json:"labels,omitempty"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	Interval int      `json:"interval,omitempty"` // minutes
}

type AppointmentResponse struct {
	ID               string    `json:"id"`
	PatientID        string    `json:"patient_id"`
	ProviderID       string    `json:"provider_id"`
	Date             string    `json:"date"`
	Slot             string    `json:"slot"`
	Status           string    `json:"status"`
	Modality         string    `json:"modality"`
	Payment          string    `json:"payment"`
	Reason           string    `json:"reason"`
	Location         string    `json:"location,omitempty"`
	MeetingURL       string    `json:"meeting_url,omitempty"`
	Prescription     string    `json:"prescription,omitempty"`
	RejectionReason  string    `json:"rejection_reason,omitempty"`
	RescheduleReason string    `json:"reschedule_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type PlacementResponse struct {
	Date string `json:"date"`
	Slot string `json:"slot"`
}

type ReminderResponse struct {
	ID        uuid.UUID  `json:"id"`
	FireAt    time.Time  `json:"fire_at"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type MutationResponse struct {
	Appointment        AppointmentResponse      `json:"appointment"`
	Previous           *PlacementResponse       `json:"previous,omitempty"`
	Reminder           *ReminderResponse        `json:"reminder,omitempty"`
	ReminderWarning    string                   `json:"reminder_warning,omitempty"`
	RemindersCancelled int64                    `json:"reminders_cancelled,omitempty"`
	Notification       appointment.Notification `json:"notification"`
}

type DetailResponse struct {
	Appointment AppointmentResponse   `json:"appointment"`
	History     []AppointmentResponse `json:"history"`
	Reminders   []ReminderResponse    `json:"reminders"`
}

type ListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type SlotsResponse struct {
	ProviderID string   `json:"provider_id"`
	Date       string   `json:"date"`
	Slots      []string `json:"slots"`
	Booked     []string `json:"booked"`
	Free       []string `json:"free"`
}

type DayResponse struct {
	Date  string   `json:"date"`
	Slots []string `json:"slots"`
}

type AvailabilityResponse struct {
	ProviderID string        `json:"provider_id"`
	Days       []DayResponse `json:"days"`
}

type BookedResponse struct {
	ProviderID string   `json:"provider_id"`
	Date       string   `json:"date"`
	Booked     []string `json:"booked"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment, meetingBaseURL string) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		ProviderID:       a.ProviderID,
		Date:             availability.FormatDate(a.Date),
		Slot:             a.Slot,
		Status:           string(a.Status),
		Modality:         string(a.Modality),
		Payment:          string(a.Payment),
		Reason:           a.Reason,
		Location:         a.Location,
		MeetingURL:       appointment.MeetingURL(meetingBaseURL, a.MeetingRef),
		Prescription:     a.Prescription,
		RejectionReason:  a.RejectionReason,
		RescheduleReason: a.RescheduleReason,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toAppointmentResponses(list []appointment.Appointment, meetingBaseURL string) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		out = append(out, toAppointmentResponse(&list[i], meetingBaseURL))
	}
	return out
}

func toReminderResponse(r *reminder.Reminder) ReminderResponse {
	return ReminderResponse{
		ID:        r.ID,
		FireAt:    r.FireAt,
		Status:    string(r.Status),
		Error:     r.Error,
		SentAt:    r.SentAt,
		FailedAt:  r.FailedAt,
		CreatedAt: r.CreatedAt,
	}
}

func toMutationResponse(res *appointment.Result, meetingBaseURL string) MutationResponse {
	resp := MutationResponse{
		Appointment:        toAppointmentResponse(res.Appointment, meetingBaseURL),
		ReminderWarning:    res.ReminderWarning,
		RemindersCancelled: res.RemindersCancelled,
		Notification:       res.Notification,
	}
	if res.Previous != nil {
		resp.Previous = &PlacementResponse{
			Date: availability.FormatDate(res.Previous.Date),
			Slot: res.Previous.Slot,
		}
	}
	if res.Reminder != nil {
		r := toReminderResponse(res.Reminder)
		resp.Reminder = &r
	}
	return resp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
