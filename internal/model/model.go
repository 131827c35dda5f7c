// Package model defines the records the relay reads and writes: appointments,
// their attendees, archived emails and the user accounts behind them.
package model

import (
	"strings"
	"time"
)

// Appointment is a tutoring engagement whose attendees correspond by email
// through anonymous aliases.
type Appointment struct {
	ID        string     `json:"id"`
	Attendees []Attendee `json:"attendees"`
}

// Attendee links a user account to the handle it uses inside one appointment.
// The handle is lowercase, unique within the appointment and never changes
// once assigned.
type Attendee struct {
	UserID string   `json:"user_id"`
	Handle string   `json:"handle"`
	Roles  []string `json:"roles,omitempty"`
}

// AttendeeByUser returns the attendee for userID, if any.
func (a *Appointment) AttendeeByUser(userID string) (Attendee, bool) {
	for _, att := range a.Attendees {
		if att.UserID == userID {
			return att, true
		}
	}
	return Attendee{}, false
}

// AttendeeByHandle returns the attendee whose handle matches, ignoring case.
func (a *Appointment) AttendeeByHandle(handle string) (Attendee, bool) {
	handle = strings.ToLower(handle)
	for _, att := range a.Attendees {
		if att.Handle == handle {
			return att, true
		}
	}
	return Attendee{}, false
}

// Email is one archived, anonymized inbound message. MessageID is the key of
// the record inside its appointment. Raw is kept as bytes so 8-bit bodies
// that are not UTF-8 survive encoding unchanged.
type Email struct {
	MessageID  string         `json:"message_id"`
	Raw        []byte         `json:"raw"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// User is an account in the directory.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Notification is the trigger's view of one inbound message.
type Notification struct {
	MessageID  string
	Recipients []string
	Metadata   map[string]any
}
