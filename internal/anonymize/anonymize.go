// Package anonymize translates between users' real addresses and the
// anonymous aliases they have inside one appointment.
package anonymize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tutorbook/mail-relay/internal/model"
	"github.com/tutorbook/mail-relay/internal/store"
)

// maxMintAttempts bounds retries when a freshly minted handle collides.
const maxMintAttempts = 3

// Config holds the domains the translator works with.
type Config struct {
	// MailDomain is the domain of anonymous aliases, e.g. "mail.tutorbook.org".
	MailDomain string

	// TrustedDomains are real domains exempt from anonymization.
	TrustedDomains []string
}

// Trusted reports whether addr belongs to one of the trusted domains.
func (c Config) Trusted(addr string) bool {
	for _, d := range c.TrustedDomains {
		if model.InDomain(addr, d) {
			return true
		}
	}
	return false
}

// Alias returns the anonymous address for handle.
func (c Config) Alias(handle string) string {
	return handle + "@" + c.MailDomain
}

// Translator maps addresses for a single appointment. It is safe for
// concurrent use; lookups of the same real address within one Translator
// are resolved once.
type Translator struct {
	cfg           Config
	appointmentID string
	records       store.RecordStore
	directory     store.Directory

	newHandle func() string

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Translator scoped to appointmentID.
func New(cfg Config, appointmentID string, records store.RecordStore, directory store.Directory) *Translator {
	return &Translator{
		cfg:           cfg,
		appointmentID: appointmentID,
		records:       records,
		directory:     directory,
		newHandle:     NewHandle,
		cache:         make(map[string]string),
	}
}

// NewHandle mints a random lowercase handle.
func NewHandle() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Anonymize returns the alias of the user owning addr, creating the user
// and their attendee record on first contact. Trusted addresses and
// addresses already in the mail domain are returned unchanged.
func (t *Translator) Anonymize(ctx context.Context, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if t.cfg.Trusted(addr) || model.InDomain(addr, t.cfg.MailDomain) {
		return addr, nil
	}

	key := strings.ToLower(addr)
	t.mu.Lock()
	alias, ok := t.cache[key]
	t.mu.Unlock()
	if ok {
		return alias, nil
	}

	user, err := t.directory.FindOrCreateUserByEmail(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("failed to find or create user for %s: %w", addr, err)
	}

	handle, err := t.attendeeHandle(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to anonymize %s: %w", addr, err)
	}

	alias = t.cfg.Alias(handle)
	t.mu.Lock()
	t.cache[key] = alias
	t.mu.Unlock()
	return alias, nil
}

func (t *Translator) attendeeHandle(ctx context.Context, userID string) (string, error) {
	appt, err := t.records.GetAppointment(ctx, t.appointmentID)
	if err != nil {
		return "", err
	}
	if att, ok := appt.AttendeeByUser(userID); ok {
		return att.Handle, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		att, err := t.records.AppendAttendee(ctx, t.appointmentID, model.Attendee{
			UserID: userID,
			Handle: t.newHandle(),
		})
		if err == nil {
			return att.Handle, nil
		}
		if !errors.Is(err, store.ErrHandleTaken) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// Deanonymize returns the real address behind an alias. Trusted addresses
// are returned unchanged.
func (t *Translator) Deanonymize(ctx context.Context, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if t.cfg.Trusted(addr) {
		return addr, nil
	}

	handle, _ := model.SplitAddress(addr)
	appt, err := t.records.GetAppointment(ctx, t.appointmentID)
	if err != nil {
		return "", fmt.Errorf("failed to deanonymize %s: %w", addr, err)
	}
	att, ok := appt.AttendeeByHandle(handle)
	if !ok {
		return "", fmt.Errorf("failed to deanonymize %s in %s: %w", addr, t.appointmentID, model.ErrAttendeeNotFound)
	}

	user, err := t.directory.GetUser(ctx, att.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to deanonymize %s: %w", addr, err)
	}
	if user.Email == "" {
		return "", fmt.Errorf("failed to deanonymize %s (user %s): %w", addr, user.ID, model.ErrNoEmailOnFile)
	}
	return user.Email, nil
}
