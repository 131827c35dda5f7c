package relay

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/tutorbook/mail-relay/internal/model"
	"github.com/tutorbook/mail-relay/internal/parser"
	"github.com/tutorbook/mail-relay/internal/store"
)

// Guard tells whether a message has already been archived for an
// appointment, which makes redelivered trigger events safe to drop.
type Guard struct {
	records store.RecordStore
}

// NewGuard creates a Guard over records.
func NewGuard(records store.RecordStore) *Guard {
	return &Guard{records: records}
}

// Processed reports whether messageID is archived under appointmentID. A
// missing appointment is an error.
func (g *Guard) Processed(ctx context.Context, appointmentID, messageID string) (bool, error) {
	exists, err := g.records.EmailExists(ctx, appointmentID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check archive of %s for %s: %w", appointmentID, messageID, err)
	}
	return exists, nil
}

// Archiver stores the anonymized copy of each relayed message.
type Archiver struct {
	records store.RecordStore
	now     func() time.Time
}

// NewArchiver creates an Archiver over records.
func NewArchiver(records store.RecordStore) *Archiver {
	return &Archiver{records: records, now: time.Now}
}

// Archive stores raw under appointmentID keyed by messageID. The metadata is
// copied and enriched with the decoded subject and date. A message already
// archived yields model.ErrAlreadyArchived.
func (a *Archiver) Archive(ctx context.Context, appointmentID, messageID, raw string, metadata map[string]any) error {
	md := make(map[string]any, len(metadata)+2)
	maps.Copy(md, metadata)

	if summary, err := parser.Summarize(raw); err != nil {
		slog.Debug("failed to summarize message headers",
			"message_id", messageID,
			"error", err,
		)
	} else {
		maps.Copy(md, summary.Metadata())
	}

	err := a.records.ArchiveEmail(ctx, appointmentID, model.Email{
		MessageID:  messageID,
		Raw:        []byte(raw),
		Metadata:   md,
		ArchivedAt: a.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s in %s: %w", messageID, appointmentID, err)
	}
	return nil
}
