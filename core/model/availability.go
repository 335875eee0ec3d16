package model

import (
	"strings"
	"time"
)

// AvailabilityStatus is a contact's reply state for one job.
type AvailabilityStatus string

const (
	AvailabilityNoReply   AvailabilityStatus = "no_reply"
	AvailabilityConfirmed AvailabilityStatus = "confirmed"
	AvailabilityDeclined  AvailabilityStatus = "declined"
	AvailabilityMaybe     AvailabilityStatus = "maybe"
)

// Availability is the single row tracking a (job, contact) invitation state.
// Only Status and ShiftPreference are mutated after creation.
type Availability struct {
	ID              int64
	JobID           string
	ContactID       string
	Status          AvailabilityStatus
	ShiftPreference string
	UpdatedAt       time.Time
}

// ParseReply interprets an inbound SMS reply body. The first word decides the
// status; anything after it is kept as a shift preference note.
func ParseReply(body string) (AvailabilityStatus, string, bool) {
	fields := strings.Fields(strings.TrimSpace(body))
	if len(fields) == 0 {
		return "", "", false
	}
	pref := strings.Join(fields[1:], " ")
	switch strings.ToUpper(strings.TrimRight(fields[0], ".,!")) {
	case "YES", "Y", "CONFIRM", "IN":
		return AvailabilityConfirmed, pref, true
	case "NO", "N", "DECLINE", "OUT":
		return AvailabilityDeclined, pref, true
	case "MAYBE":
		return AvailabilityMaybe, pref, true
	default:
		return "", "", false
	}
}
