// Package relay routes inbound mail sent to anonymous aliases: it finds the
// appointment, anonymizes and archives the message, and relays one copy per
// recipient with only that recipient's own alias mapped back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tutorbook/mail-relay/internal/anonymize"
	"github.com/tutorbook/mail-relay/internal/inbound"
	"github.com/tutorbook/mail-relay/internal/model"
	"github.com/tutorbook/mail-relay/internal/provider"
	"github.com/tutorbook/mail-relay/internal/rewrite"
	"github.com/tutorbook/mail-relay/internal/store"
)

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	// Translation configures the anonymous mail domain and the trusted
	// domains exempt from anonymization.
	Translation anonymize.Config

	MailStore inbound.MailStore
	Records   store.RecordStore
	Index     store.SearchIndex
	Directory store.Directory
	Provider  provider.Provider

	// Limiter paces outbound sends. If nil, sends are not paced.
	Limiter *rate.Limiter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pipeline processes one inbound message per call. It holds no state
// between calls and is safe for concurrent use.
type Pipeline struct {
	cfg        PipelineConfig
	resolver   *Resolver
	guard      *Guard
	rewriter   *rewrite.Rewriter
	archiver   *Archiver
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:        cfg,
		resolver:   NewResolver(cfg.Translation.MailDomain, cfg.Index),
		guard:      NewGuard(cfg.Records),
		rewriter:   rewrite.New(cfg.Translation.MailDomain),
		archiver:   NewArchiver(cfg.Records),
		dispatcher: NewDispatcher(cfg.Provider, cfg.Limiter),
		logger:     logger,
	}
}

// Process routes, anonymizes, archives and relays the message described by n.
// A message already archived for its appointment is skipped without error.
// Any other failure is logged and returned. Failures before archiving leave
// the message redeliverable; send failures after archiving are only reported,
// since a redelivery is then skipped as already processed.
func (p *Pipeline) Process(ctx context.Context, n model.Notification) error {
	log := p.logger.With("message_id", n.MessageID)

	appointmentID, handles, err := p.resolver.Resolve(ctx, n.Recipients)
	if err != nil {
		log.Error("failed to route message",
			"recipients", n.Recipients,
			"error", err,
		)
		return err
	}
	log = log.With("appointment_id", appointmentID)

	done, err := p.guard.Processed(ctx, appointmentID, n.MessageID)
	if err != nil {
		log.Error("failed to check idempotency", "error", err)
		return err
	}
	if done {
		log.Info("message already processed, skipping")
		return nil
	}

	raw, err := p.cfg.MailStore.GetRawMessage(ctx, n.MessageID)
	if err != nil {
		log.Error("failed to fetch raw message", "error", err)
		return fmt.Errorf("failed to fetch message %s: %w", n.MessageID, err)
	}

	translator := anonymize.New(p.cfg.Translation, appointmentID, p.cfg.Records, p.cfg.Directory)

	anonymized, err := p.rewriter.Rewrite(ctx, string(raw), translator.Anonymize)
	if err != nil {
		log.Error("failed to anonymize headers", "error", err)
		return fmt.Errorf("failed to anonymize message %s: %w", n.MessageID, err)
	}

	// Recipients are resolved before archiving: once archived, a redelivery
	// would be skipped and the message never relayed.
	recipients := make([]Recipient, 0, len(handles))
	for _, h := range handles {
		alias := p.cfg.Translation.Alias(h)
		addr, err := translator.Deanonymize(ctx, alias)
		if err != nil {
			log.Error("failed to resolve recipient", "recipient", alias, "error", err)
			return err
		}
		recipients = append(recipients, Recipient{Alias: alias, Real: addr})
	}

	err = p.archiver.Archive(ctx, appointmentID, n.MessageID, anonymized, n.Metadata)
	if errors.Is(err, model.ErrAlreadyArchived) {
		log.Info("message archived concurrently, skipping")
		return nil
	}
	if err != nil {
		log.Error("failed to archive message", "error", err)
		return err
	}

	// The message is archived, so failed recipients are reported, not resent.
	if err := p.dispatcher.Dispatch(ctx, anonymized, recipients); err != nil {
		log.Error("failed to relay message to some recipients", "error", err)
		return fmt.Errorf("failed to relay message %s: %w", n.MessageID, err)
	}

	log.Info("relayed message", "recipients", len(recipients))
	return nil
}
