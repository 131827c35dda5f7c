package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRecipients is returned when an inbound message carries no handle
	// in the anonymous mail domain.
	ErrNoRecipients = errors.New("no anonymous recipients")

	// ErrNoAppointment is returned when no appointment contains every
	// recipient handle.
	ErrNoAppointment = errors.New("no appointment matches recipients")

	// ErrAmbiguousAppointment is returned when more than one appointment
	// contains every recipient handle.
	ErrAmbiguousAppointment = errors.New("more than one appointment matches recipients")

	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAttendeeNotFound    = errors.New("no such attendee")
	ErrUserNotFound        = errors.New("user not found")
	ErrNoEmailOnFile       = errors.New("user has no email on file")
	ErrAlreadyArchived     = errors.New("email already archived")
	ErrMessageNotFound     = errors.New("raw message not found")
)

// RoutingError reports that an inbound message could not be routed to exactly
// one appointment. Redelivery of the same message fails the same way.
type RoutingError struct {
	Handles []string
	Matches []string
	Err     error
}

func (e *RoutingError) Error() string {
	if len(e.Matches) > 0 {
		return fmt.Sprintf("%v: handles [%s] matched [%s]",
			e.Err, strings.Join(e.Handles, ", "), strings.Join(e.Matches, ", "))
	}
	return fmt.Sprintf("%v: handles [%s]", e.Err, strings.Join(e.Handles, ", "))
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}
