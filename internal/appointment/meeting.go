package appointment

import (
	"fmt"
	"strings"
	"time"
)

// meetingRef derives the online room name from the provider, the patient
// and the booking instant. Two bookings by the same pair in the same
// millisecond would share a room.
func meetingRef(prefix, providerID, patientID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", prefix, providerID, patientID, at.UnixMilli())
}

// MeetingURL joins a stored meeting reference onto the configured base URL.
func MeetingURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + ref
}
