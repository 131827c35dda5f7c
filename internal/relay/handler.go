package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/tutorbook/mail-relay/internal/model"
)

// Processor processes one inbound notification.
type Processor interface {
	Process(ctx context.Context, n model.Notification) error
}

// Handler adapts SES receipt events to a Processor.
type Handler struct {
	processor Processor
}

// NewHandler creates a Handler.
func NewHandler(p Processor) *Handler {
	return &Handler{processor: p}
}

// HandleSESEvent processes every record of the event in order. The first
// failing record fails the invocation; records already archived are skipped
// if the event is delivered again.
func (h *Handler) HandleSESEvent(ctx context.Context, event events.SimpleEmailEvent) error {
	for i, record := range event.Records {
		n := NotificationFromSES(record.SES)
		slog.Info("received inbound message",
			"message_id", n.MessageID,
			"recipients", n.Recipients,
		)
		if err := h.processor.Process(ctx, n); err != nil {
			return fmt.Errorf("failed to process record %d (%s): %w", i, n.MessageID, err)
		}
	}
	return nil
}

// NotificationFromSES builds a Notification from an SES receipt. Only
// receipt recipients are used for routing. The metadata leaves out the
// sender's address and the original headers, which would otherwise
// reveal real addresses in the archive.
func NotificationFromSES(ses events.SimpleEmailService) model.Notification {
	receipt := ses.Receipt

	md := map[string]any{
		"timestamp":              ses.Mail.Timestamp.UTC().Format(time.RFC3339),
		"recipients":             receipt.Recipients,
		"spam_verdict":           receipt.SpamVerdict.Status,
		"virus_verdict":          receipt.VirusVerdict.Status,
		"spf_verdict":            receipt.SPFVerdict.Status,
		"dkim_verdict":           receipt.DKIMVerdict.Status,
		"dmarc_verdict":          receipt.DMARCVerdict.Status,
		"processing_time_millis": receipt.ProcessingTimeMillis,
	}

	return model.Notification{
		MessageID:  ses.Mail.MessageID,
		Recipients: receipt.Recipients,
		Metadata:   md,
	}
}
