// Package store defines the collaborators the relay reads appointments, users
// and archived emails through, and a bbolt-backed implementation of all of
// them.
package store

import (
	"context"
	"errors"

	"github.com/tutorbook/mail-relay/internal/model"
)

// ErrHandleTaken is returned by AppendAttendee when another user of the same
// appointment already holds the handle.
var ErrHandleTaken = errors.New("handle already taken")

// RecordStore holds appointments and their archived emails.
type RecordStore interface {
	// GetAppointment returns model.ErrAppointmentNotFound for unknown ids.
	GetAppointment(ctx context.Context, id string) (*model.Appointment, error)

	// AppendAttendee atomically adds att to the appointment. If the user
	// already has an attendee there, that attendee is returned unchanged.
	AppendAttendee(ctx context.Context, appointmentID string, att model.Attendee) (model.Attendee, error)

	EmailExists(ctx context.Context, appointmentID, messageID string) (bool, error)

	// ArchiveEmail returns model.ErrAlreadyArchived when an email with the
	// same message id is already stored for the appointment.
	ArchiveEmail(ctx context.Context, appointmentID string, email model.Email) error
}

// SearchIndex finds appointments by attendee handle.
type SearchIndex interface {
	// FindAppointments returns the ids of every appointment having an
	// attendee for each of handles.
	FindAppointments(ctx context.Context, handles []string) ([]string, error)
}

// Directory is the user account directory.
type Directory interface {
	FindOrCreateUserByEmail(ctx context.Context, email string) (*model.User, error)

	// GetUser returns model.ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (*model.User, error)
}
