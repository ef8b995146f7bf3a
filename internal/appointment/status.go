package appointment

import (
	"fmt"
	"slices"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

type Status string

const (
	StatusRequested            Status = "requested"
	StatusPending              Status = "pending"
	StatusConfirmed            Status = "confirmed"
	StatusRequestForReschedule Status = "request_for_reschedule"
	StatusRescheduled          Status = "rescheduled"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusRejected             Status = "rejected"
	StatusIncomplete           Status = "incomplete"
)

// AllStatuses lists the closed set of statuses.
var AllStatuses = []Status{
	StatusRequested,
	StatusPending,
	StatusConfirmed,
	StatusRequestForReschedule,
	StatusRescheduled,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
	StatusIncomplete,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !slices.Contains(AllStatuses, st) {
		return "", apperr.Validation("unknown status %q", s)
	}
	return st, nil
}

// Terminal statuses accept no further action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Occupies reports whether an appointment in this status holds its slot.
func (s Status) Occupies() bool {
	return s != StatusCancelled && s != StatusRejected
}

type Action string

const (
	ActionAccept            Action = "accept"
	ActionDecline           Action = "decline"
	ActionConfirm           Action = "confirm"
	ActionRequestReschedule Action = "request_reschedule"
	ActionApproveReschedule Action = "approve_reschedule"
	ActionDeclineReschedule Action = "decline_reschedule"
	ActionReschedule        Action = "reschedule"
	ActionComplete          Action = "complete"
	ActionReject            Action = "reject"
	ActionMarkIncomplete    Action = "mark_incomplete"
	ActionCancel            Action = "cancel"
)

type reminderEffect int

const (
	reminderNone reminderEffect = iota
	reminderSchedule
	reminderCancel
	// reminderReplace cancels pending reminders and schedules one for the
	// new placement.
	reminderReplace
)

type rule struct {
	from      []Status
	to        Status
	actors    []Role
	reminders reminderEffect
}

var nonTerminal = []Status{
	StatusRequested,
	StatusPending,
	StatusConfirmed,
	StatusRequestForReschedule,
	StatusRescheduled,
	StatusIncomplete,
}

var rules = map[Action]rule{
	ActionAccept: {
		from:      []Status{StatusRequested},
		to:        StatusPending,
		actors:    []Role{RoleProvider},
		reminders: reminderSchedule,
	},
	ActionDecline: {
		from:   []Status{StatusRequested},
		to:     StatusRejected,
		actors: []Role{RoleProvider},
	},
	ActionConfirm: {
		from:   []Status{StatusPending},
		to:     StatusConfirmed,
		actors: []Role{RoleProvider},
	},
	ActionRequestReschedule: {
		from:   []Status{StatusPending, StatusConfirmed, StatusRescheduled, StatusIncomplete},
		to:     StatusRequestForReschedule,
		actors: []Role{RolePatient},
	},
	ActionApproveReschedule: {
		from:      []Status{StatusRequestForReschedule},
		to:        StatusRescheduled,
		actors:    []Role{RoleProvider},
		reminders: reminderReplace,
	},
	ActionDeclineReschedule: {
		from:      []Status{StatusRequestForReschedule},
		to:        StatusRejected,
		actors:    []Role{RoleProvider},
		reminders: reminderCancel,
	},
	ActionReschedule: {
		from:      nonTerminal,
		to:        StatusRescheduled,
		actors:    []Role{RoleProvider},
		reminders: reminderReplace,
	},
	ActionComplete: {
		from:      []Status{StatusPending, StatusConfirmed, StatusRescheduled},
		to:        StatusCompleted,
		actors:    []Role{RoleProvider},
		reminders: reminderCancel,
	},
	ActionReject: {
		from:      []Status{StatusPending, StatusConfirmed, StatusRescheduled},
		to:        StatusRejected,
		actors:    []Role{RoleProvider},
		reminders: reminderCancel,
	},
	ActionMarkIncomplete: {
		from:      []Status{StatusPending, StatusConfirmed, StatusRescheduled},
		to:        StatusIncomplete,
		actors:    []Role{RoleProvider},
		reminders: reminderCancel,
	},
	ActionCancel: {
		from:      nonTerminal,
		to:        StatusCancelled,
		actors:    []Role{RolePatient, RoleProvider},
		reminders: reminderCancel,
	},
}

// AllActions lists every action the state machine knows.
var AllActions = []Action{
	ActionAccept,
	ActionDecline,
	ActionConfirm,
	ActionRequestReschedule,
	ActionApproveReschedule,
	ActionDeclineReschedule,
	ActionReschedule,
	ActionComplete,
	ActionReject,
	ActionMarkIncomplete,
	ActionCancel,
}

// Transition returns the status action leads to from the given status, or
// an InvalidTransition error.
func Transition(action Action, from Status) (Status, error) {
	r, ok := rules[action]
	if !ok {
		return "", fmt.Errorf("unknown action %q", action)
	}
	if from.Terminal() {
		return "", apperr.Wrap(apperr.KindInvalidTransition,
			fmt.Sprintf("appointment is %s, no further changes are allowed", from), ErrInvalidTransition)
	}
	if !slices.Contains(r.from, from) {
		return "", apperr.Wrap(apperr.KindInvalidTransition,
			fmt.Sprintf("cannot %s an appointment that is %s", humanAction(action), from), ErrInvalidTransition)
	}
	return r.to, nil
}

// AllowedFor reports whether role may perform action at all.
func AllowedFor(action Action, role Role) bool {
	return slices.Contains(rules[action].actors, role)
}

func humanAction(a Action) string {
	switch a {
	case ActionRequestReschedule:
		return "request a reschedule of"
	case ActionApproveReschedule:
		return "approve a reschedule of"
	case ActionDeclineReschedule:
		return "decline a reschedule of"
	case ActionMarkIncomplete:
		return "mark incomplete"
	}
	return string(a)
}
