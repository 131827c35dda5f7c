package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/tutorbook/mail-relay/internal/model"
)

var (
	errRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error in processing",
	}
)

// backend creates a session per connection.
type backend struct {
	ctx    context.Context
	config ServerConfig
	auth   *Authenticator
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{
		backend: b,
		remote:  c.Conn().RemoteAddr().String(),
	}, nil
}

// session holds the state of one SMTP transaction.
type session struct {
	backend       *backend
	remote        string
	to            []string
	spfVerdict    string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth.Enabled() {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled() {
		return nil, smtp.ErrAuthUnsupported
	}
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return s.backend.auth.PlainServer(func() { s.authenticated = true }), nil
}

// Mail checks the envelope sender's SPF policy when enabled. The sender is
// not kept; the From header is what gets anonymized.
func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	if check := s.backend.config.SPF; check != nil {
		verdict, err := checkSPF(check, s.remote, strings.TrimSpace(from))
		if err != nil {
			return err
		}
		s.spfVerdict = verdict
	}
	return nil
}

// Rcpt accepts only aliases in the mail domain.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	to = strings.ToLower(strings.TrimSpace(to))
	if !model.InDomain(to, s.backend.config.MailDomain) {
		slog.Warn("rejected recipient outside mail domain",
			"remote", s.remote,
			"recipient", to,
		)
		return errRelayDenied
	}
	s.to = append(s.to, to)
	return nil
}

// Data stages the message in the message store for the duration of its
// processing.
func (s *session) Data(r io.Reader) error {
	if len(s.to) == 0 {
		return errNoRecipients
	}

	// Read errors such as smtp.ErrDataTooLarge carry their own reply.
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	messages := s.backend.config.Messages
	messages.Put(id, raw)
	defer messages.Delete(id)

	n := model.Notification{
		MessageID:  id,
		Recipients: s.to,
		Metadata: map[string]any{
			"source":     "smtp",
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"recipients": s.to,
		},
	}
	if s.spfVerdict != "" {
		n.Metadata["spf_verdict"] = s.spfVerdict
	}

	slog.Info("accepted message",
		"remote", s.remote,
		"message_id", id,
		"recipients", len(s.to),
		"size", len(raw),
	)

	if err := s.backend.config.Processor.Process(s.backend.ctx, n); err != nil {
		return toSMTPError(err)
	}
	return nil
}

func (s *session) Reset() {
	s.to = nil
	s.spfVerdict = ""
}

func (s *session) Logout() error {
	return nil
}

// toSMTPError maps a processing failure to a reply. Routing failures are
// permanent; anything else may succeed on retry.
func toSMTPError(err error) error {
	var re *model.RoutingError
	if errors.As(err, &re) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      re.Error(),
		}
	}
	return errTemporary
}
