package availability

import (
	"strings"
	"time"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

// DateLayout is the wire and storage format of a calendar date.
const DateLayout = "2006-01-02"

// Day is the ordered list of labels a provider offers on one date.
type Day struct {
	ProviderID string
	Date       time.Time
	Labels     []string
	UpdatedAt  time.Time
}

// ParseDate parses a YYYY-MM-DD date into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperr.Validation("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// FormatDate is the inverse of ParseDate.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

// DateOf truncates t to its calendar date in loc, returned as midnight UTC
// so it compares equal to dates read back from storage.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SlotStart is the instant a slot begins: date at the label's HH:MM clock
// time in loc. Labels that are not clock times start at midnight.
func SlotStart(date time.Time, label string, loc *time.Location) time.Time {
	y, m, d := date.Date()
	clock, err := time.Parse("15:04", strings.TrimSpace(label))
	if err != nil {
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc)
}
