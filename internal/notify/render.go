package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"
)

type Kind string

const (
	KindRequested           Kind = "request_submitted"
	KindAccepted            Kind = "request_accepted"
	KindDeclined            Kind = "request_rejected"
	KindConfirmed           Kind = "confirmed"
	KindRescheduleRequested Kind = "reschedule_requested"
	KindRescheduled         Kind = "rescheduled"
	KindRescheduleDeclined  Kind = "reschedule_declined"
	KindCompleted           Kind = "completed"
	KindRejected            Kind = "rejected"
	KindIncomplete          Kind = "incomplete"
	KindCancelled           Kind = "cancelled"
	KindReminder            Kind = "reminder"
)

// Details is the denormalized view of an appointment a message is rendered
// from. Reminders store it as their payload so content is fixed at schedule
// time.
type Details struct {
	AppointmentID string `json:"appointment_id"`
	PatientName   string `json:"patient_name"`
	ProviderName  string `json:"provider_name"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Location      string `json:"location"`
	MeetingURL    string `json:"meeting_url,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Prescription  string `json:"prescription,omitempty"`
	PreviousDate  string `json:"previous_date,omitempty"`
	PreviousTime  string `json:"previous_time,omitempty"`
}

// DisplayDate formats a calendar date the way messages show it.
func DisplayDate(d time.Time) string {
	return d.Format("02/01/2006")
}

type wording struct {
	subject string
	intro   string
	outro   string
	// toProvider greets the provider instead of the patient.
	toProvider bool
}

var wordings = map[Kind]wording{
	KindRequested: {
		subject: "Appointment Request Submitted",
		intro:   "Your appointment request has been submitted and is awaiting the doctor's response.",
		outro:   "You will receive another email once the doctor responds.",
	},
	KindAccepted: {
		subject: "Appointment Request Accepted",
		intro:   "Good news! Your appointment request has been accepted.",
		outro:   "We will send you a reminder before your visit.",
	},
	KindDeclined: {
		subject: "Appointment Request Rejected",
		intro:   "Unfortunately your appointment request could not be accepted.",
		outro:   "You are welcome to book another slot.",
	},
	KindConfirmed: {
		subject: "Appointment Booked",
		intro:   "Your appointment has been booked successfully.",
		outro:   "See you then!",
	},
	KindRescheduleRequested: {
		subject:    "Reschedule Requested",
		intro:      "{{.PatientName}} has asked to reschedule the appointment below.",
		outro:      "Please approve or decline the request.",
		toProvider: true,
	},
	KindRescheduled: {
		subject: "Appointment Rescheduled",
		intro:   "Your appointment has been rescheduled.",
		outro:   "See you at the new time!",
	},
	KindRescheduleDeclined: {
		subject: "Reschedule Request Declined",
		intro:   "Your reschedule request was declined and the appointment has been closed.",
		outro:   "You are welcome to book another slot.",
	},
	KindCompleted: {
		subject: "Appointment Completed",
		intro:   "Your appointment has been marked as completed.",
		outro:   "Thank you for visiting us.",
	},
	KindRejected: {
		subject: "Appointment Rejected",
		intro:   "Your appointment has been rejected by the doctor.",
		outro:   "We apologize for any inconvenience.",
	},
	KindIncomplete: {
		subject: "Appointment Marked Incomplete",
		intro:   "Your appointment was marked as incomplete.",
		outro:   "You can request a new time for this appointment.",
	},
	KindCancelled: {
		subject: "Appointment Cancelled",
		intro:   "We're writing to confirm that your appointment has been cancelled.",
		outro:   "If you'd like to reschedule, please contact us.",
	},
	KindReminder: {
		subject: "Reminder: Appointment Tomorrow",
		intro:   "This is a friendly reminder that you have an appointment tomorrow.",
		outro:   "Please let us know if you need to reschedule.",
	},
}

const textBody = `Hello {{.Greeting}},

{{.Intro}}
{{if .PreviousDate}}
Previous details:
- Date: {{.PreviousDate}}
- Time: {{.PreviousTime}}

New details:{{end}}
- Date: {{.Date}}
- Time: {{.Time}}
- Doctor: {{.ProviderName}}
- Location: {{.Location}}
{{- if .MeetingURL}}
- Meeting: {{.MeetingURL}}{{end}}
{{- if .Reason}}
- Reason: {{.Reason}}{{end}}
{{- if .Prescription}}
- Prescription: {{.Prescription}}{{end}}

{{.Outro}}

{{.Clinic}}
`

const htmlBody = `<p>Hello <strong>{{.Greeting}}</strong>,</p>
<p>{{.Intro}}</p>
{{if .PreviousDate}}<p>Previous: {{.PreviousDate}} {{.PreviousTime}}</p>{{end}}
<ul>
<li><strong>Date:</strong> {{.Date}}</li>
<li><strong>Time:</strong> {{.Time}}</li>
<li><strong>Doctor:</strong> {{.ProviderName}}</li>
<li><strong>Location:</strong> {{.Location}}</li>
{{if .MeetingURL}}<li><strong>Meeting:</strong> <a href="{{.MeetingURL}}">{{.MeetingURL}}</a></li>{{end}}
{{if .Reason}}<li><strong>Reason:</strong> {{.Reason}}</li>{{end}}
{{if .Prescription}}<li><strong>Prescription:</strong> {{.Prescription}}</li>{{end}}
</ul>
<p>{{.Outro}}</p>
<p>{{.Clinic}}</p>
`

type view struct {
	Details
	Greeting string
	Intro    string
	Outro    string
	Clinic   string
}

type Renderer struct {
	clinic string
	text   *template.Template
	html   *htmltemplate.Template
	intros map[Kind]*template.Template
}

func NewRenderer(clinicName string) (*Renderer, error) {
	text, err := template.New("text").Parse(textBody)
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	html, err := htmltemplate.New("html").Parse(htmlBody)
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}

	intros := make(map[Kind]*template.Template, len(wordings))
	for k, w := range wordings {
		t, err := template.New(string(k)).Parse(w.intro)
		if err != nil {
			return nil, fmt.Errorf("parse intro %s: %w", k, err)
		}
		intros[k] = t
	}

	return &Renderer{clinic: clinicName, text: text, html: html, intros: intros}, nil
}

func (r *Renderer) Render(kind Kind, d Details) (Message, error) {
	w, ok := wordings[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown message kind %q", kind)
	}

	var intro bytes.Buffer
	if err := r.intros[kind].Execute(&intro, d); err != nil {
		return Message{}, fmt.Errorf("render intro %s: %w", kind, err)
	}

	v := view{
		Details:  d,
		Greeting: d.PatientName,
		Intro:    intro.String(),
		Outro:    w.outro,
		Clinic:   r.clinic,
	}
	if w.toProvider {
		v.Greeting = d.ProviderName
	}
	if v.Greeting == "" {
		v.Greeting = "there"
	}
	if v.ProviderName == "" {
		v.ProviderName = "Doctor"
	}

	var text, html bytes.Buffer
	if err := r.text.Execute(&text, v); err != nil {
		return Message{}, fmt.Errorf("render text %s: %w", kind, err)
	}
	if err := r.html.Execute(&html, v); err != nil {
		return Message{}, fmt.Errorf("render html %s: %w", kind, err)
	}

	return Message{Subject: w.subject, Text: text.String(), HTML: html.String()}, nil
}

// ToProvider reports whether messages of this kind address the provider.
func (k Kind) ToProvider() bool {
	return wordings[k].toProvider
}
